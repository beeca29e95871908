package rtdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDocs(t *testing.T, e *Engine) {
	t.Helper()
	tx, err := e.Transaction(1, "shop")
	require.NoError(t, err)
	_, err = tx.Create("items", Document{"name": "apple", "price": 1.5, "tags": []any{"fruit", "fresh"}})
	require.NoError(t, err)
	_, err = tx.Create("items", Document{"name": "bread", "price": 3.0, "tags": []any{"bakery"}})
	require.NoError(t, err)
	_, err = tx.Create("items", Document{"name": "cherry", "price": 5.5, "tags": []any{"fruit"}})
	require.NoError(t, err)
	mustCommit(t, tx)
}

func TestQueryEquals(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	docs, err := e.Query(1, "shop", "items", QueryOptions{
		Filter: &QueryFilter{Equals: map[string]any{"name": "bread"}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bread", docs[0]["name"])
}

func TestQueryRangeAndSort(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	docs, err := e.Query(1, "shop", "items", QueryOptions{
		Filter: &QueryFilter{GreaterThan: map[string]any{"price": 1.5}},
		Sort:   []SortField{{Field: "price", Ascending: false}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "cherry", docs[0]["name"])
	assert.Equal(t, "bread", docs[1]["name"])
}

func TestQueryArrayContains(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	docs, err := e.Query(1, "shop", "items", QueryOptions{
		Filter: &QueryFilter{ArrayContains: map[string]any{"tags": "fruit"}},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestQueryLimitOffset(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	docs, err := e.Query(1, "shop", "items", QueryOptions{
		Sort:   []SortField{{Field: "price", Ascending: true}},
		Offset: 1,
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bread", docs[0]["name"])
}

func TestQueryUsesIndexWhenPresent(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	require.NoError(t, e.CreateIndex(1, "shop", "items", "name"))

	docs, err := e.Query(1, "shop", "items", QueryOptions{
		Filter: &QueryFilter{Equals: map[string]any{"name": "apple"}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "apple", docs[0]["name"])
}

func TestQueryNotInArrayAndContainsAll(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	docs, err := e.Query(1, "shop", "items", QueryOptions{
		Filter: &QueryFilter{NotInArray: map[string][]any{"name": {"bread"}}},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = e.Query(1, "shop", "items", QueryOptions{
		Filter: &QueryFilter{ArrayContainsAll: map[string][]any{"tags": {"fruit", "fresh"}}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "apple", docs[0]["name"])
}
