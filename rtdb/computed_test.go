package rtdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpIncrementFromZeroOnCreate(t *testing.T) {
	e := openTestEngine(t)
	tx, err := e.Transaction(1, "counters")
	require.NoError(t, err)
	id, err := tx.Create("counters", Document{
		"value": map[string]any{"$op": "increment", "by": 5.0},
	})
	require.NoError(t, err)
	mustCommit(t, tx)

	doc, _, err := e.Get(1, "counters", "counters/"+id)
	require.NoError(t, err)
	assert.Equal(t, 5.0, doc["value"])
}

func TestOpAppendAndRemove(t *testing.T) {
	e := openTestEngine(t)
	tx, _ := e.Transaction(1, "lists")
	id, err := tx.Create("lists", Document{"items": []any{"a"}})
	require.NoError(t, err)
	mustCommit(t, tx)

	tx2, _ := e.Transaction(1, "lists")
	require.NoError(t, tx2.Update("lists/"+id, Document{
		"items": map[string]any{"$op": "append", "value": "b"},
	}))
	mustCommit(t, tx2)

	doc, _, _ := e.Get(1, "lists", "lists/"+id)
	assert.ElementsMatch(t, []any{"a", "b"}, doc["items"])

	tx3, _ := e.Transaction(1, "lists")
	require.NoError(t, tx3.Update("lists/"+id, Document{
		"items": map[string]any{"$op": "remove", "value": "a"},
	}))
	mustCommit(t, tx3)

	doc, _, _ = e.Get(1, "lists", "lists/"+id)
	assert.Equal(t, []any{"b"}, doc["items"])
}

func TestOpSetIfNotExists(t *testing.T) {
	e := openTestEngine(t)
	tx, _ := e.Transaction(1, "users")
	id, err := tx.Create("users", Document{
		"createdAt": map[string]any{"$op": "setIfNotExists", "value": "2026-01-01"},
	})
	require.NoError(t, err)
	mustCommit(t, tx)

	tx2, _ := e.Transaction(1, "users")
	require.NoError(t, tx2.Update("users/"+id, Document{
		"createdAt": map[string]any{"$op": "setIfNotExists", "value": "2099-01-01"},
	}))
	mustCommit(t, tx2)

	doc, _, _ := e.Get(1, "users", "users/"+id)
	assert.Equal(t, "2026-01-01", doc["createdAt"])
}

func TestFnSlugifyAndHash(t *testing.T) {
	e := openTestEngine(t)
	tx, _ := e.Transaction(1, "posts")
	id, err := tx.Create("posts", Document{
		"slug":     map[string]any{"$fn": "slugify", "value": "Hello, World!"},
		"checksum": map[string]any{"$fn": "hash", "value": "abc"},
	})
	require.NoError(t, err)
	mustCommit(t, tx)

	doc, _, _ := e.Get(1, "posts", "posts/"+id)
	assert.Equal(t, "hello-world", doc["slug"])
	assert.Len(t, doc["checksum"], 64)
}

func TestQueryAggregateCount(t *testing.T) {
	e := openTestEngine(t)
	seedDocs(t, e)

	tx, err := e.Transaction(1, "shop")
	require.NoError(t, err)
	_, err = tx.Create("summary", Document{
		"itemCount": map[string]any{"$query": "count", "path": "items"},
	})
	require.NoError(t, err)
	mustCommit(t, tx)

	docs, err := e.Query(1, "shop", "summary", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 3.0, docs[0]["itemCount"])
}
