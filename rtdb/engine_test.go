package rtdb

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtdb.db")
	e, err := Open(path, 0, 0)
	require.NoError(t, err)
	return e
}

func mustCommit(t *testing.T, tx *Transaction) {
	t.Helper()
	require.NoError(t, tx.Commit())
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	tx, err := e.Transaction(1, "posts")
	require.NoError(t, err)

	id, err := tx.Create("posts", Document{"title": "hello"})
	require.NoError(t, err)
	mustCommit(t, tx)

	doc, found, err := e.Get(1, "posts", "posts/"+id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", doc["title"])
	assert.Equal(t, id, doc["id"])
}

func TestReadYourOwnWrites(t *testing.T) {
	e := openTestEngine(t)
	tx, err := e.Transaction(1, "posts")
	require.NoError(t, err)

	id, err := tx.Create("posts", Document{"title": "draft"})
	require.NoError(t, err)

	doc, found, err := tx.Get("posts/" + id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "draft", doc["title"])

	require.NoError(t, tx.Rollback())

	_, found, err = e.Get(1, "posts", "posts/"+id)
	require.NoError(t, err)
	assert.False(t, found, "rolled-back transaction must not persist")
}

func TestRollbackPublishesNoEvents(t *testing.T) {
	e := openTestEngine(t)
	inst := e.instance(InstanceKey{TnID: 1, DbID: "posts"})
	sub, cancel := inst.subscribe()
	defer cancel()

	tx, err := e.Transaction(1, "posts")
	require.NoError(t, err)
	_, err = tx.Create("posts", Document{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	select {
	case ev := <-sub.ch:
		t.Fatalf("expected no event after rollback, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCommitPublishesEventAfterSuccess(t *testing.T) {
	e := openTestEngine(t)
	inst := e.instance(InstanceKey{TnID: 1, DbID: "posts"})
	sub, cancel := inst.subscribe()
	defer cancel()

	tx, err := e.Transaction(1, "posts")
	require.NoError(t, err)
	id, err := tx.Create("posts", Document{"title": "x"})
	require.NoError(t, err)
	mustCommit(t, tx)

	select {
	case ev := <-sub.ch:
		assert.Equal(t, EventCreate, ev.Kind)
		assert.Equal(t, "posts/"+id, ev.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a Create event after commit")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	e := openTestEngine(t)
	tx, _ := e.Transaction(1, "posts")
	id, _ := tx.Create("posts", Document{"title": "a"})
	mustCommit(t, tx)

	tx2, _ := e.Transaction(1, "posts")
	require.NoError(t, tx2.Update("posts/"+id, Document{"title": "b", "id": id}))
	mustCommit(t, tx2)

	doc, found, _ := e.Get(1, "posts", "posts/"+id)
	assert.True(t, found)
	assert.Equal(t, "b", doc["title"])

	tx3, _ := e.Transaction(1, "posts")
	require.NoError(t, tx3.Delete("posts/"+id))
	mustCommit(t, tx3)

	_, found, _ = e.Get(1, "posts", "posts/"+id)
	assert.False(t, found)
}

func TestTenantIsolation(t *testing.T) {
	e := openTestEngine(t)
	tx1, _ := e.Transaction(1, "posts")
	id1, _ := tx1.Create("posts", Document{"title": "tenant1"})
	mustCommit(t, tx1)

	tx2, _ := e.Transaction(2, "posts")
	_, found, _ := tx2.Get("posts/" + id1)
	require.NoError(t, tx2.Rollback())
	assert.False(t, found, "tenant 2 must not see tenant 1's document")
}

// TestInvoiceCounterContention mirrors the spec's Scenario 1: 100
// concurrent $op:increment transactions against the same counter
// document must leave lastNumber==100 with no lost updates, because
// bbolt allows only one writable transaction at a time per file.
func TestInvoiceCounterContention(t *testing.T) {
	e := openTestEngine(t)

	tx, err := e.Transaction(1, "billing")
	require.NoError(t, err)
	_, err = tx.Create("counters", Document{"lastNumber": 0.0})
	require.NoError(t, err)
	mustCommit(t, tx)

	path, err := findCounterPath(e)
	require.NoError(t, err)

	seen := make(map[float64]bool)
	var mu sync.Mutex
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		go func() {
			tx, err := e.Transaction(1, "billing")
			if err != nil {
				errs <- err
				return
			}
			err = tx.Update(path, Document{
				"lastNumber": map[string]any{"$op": "increment", "by": 1.0},
			})
			if err != nil {
				tx.Rollback()
				errs <- err
				return
			}
			doc, _, _ := tx.Get(path)
			if err := tx.Commit(); err != nil {
				errs <- err
				return
			}
			mu.Lock()
			seen[doc["lastNumber"].(float64)] = true
			mu.Unlock()
			errs <- nil
		}()
	}
	for i := 0; i < 100; i++ {
		require.NoError(t, <-errs)
	}

	doc, found, err := e.Get(1, "billing", path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 100.0, doc["lastNumber"])
	assert.Len(t, seen, 100, "every increment must observe a distinct intermediate value, no lost updates")
}

func findCounterPath(e *Engine) (string, error) {
	docs, err := e.Query(1, "billing", "counters", QueryOptions{})
	if err != nil {
		return "", err
	}
	id := docs[0]["id"].(string)
	return "counters/" + id, nil
}
