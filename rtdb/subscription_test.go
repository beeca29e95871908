package rtdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReplaysExistingThenReadyThenLive(t *testing.T) {
	e := openTestEngine(t)
	tx, err := e.Transaction(1, "notes")
	require.NoError(t, err)
	_, err = tx.Create("notes", Document{"text": "first"})
	require.NoError(t, err)
	mustCommit(t, tx)

	events, cancel, err := e.Subscribe(1, "notes", SubscriptionOptions{Path: "notes"})
	require.NoError(t, err)
	defer cancel()

	ev := recvOrFail(t, events)
	assert.Equal(t, EventCreate, ev.Kind)
	assert.Equal(t, "first", ev.Data["text"])

	ev = recvOrFail(t, events)
	assert.Equal(t, EventReady, ev.Kind)

	tx2, err := e.Transaction(1, "notes")
	require.NoError(t, err)
	_, err = tx2.Create("notes", Document{"text": "second"})
	require.NoError(t, err)
	mustCommit(t, tx2)

	ev = recvOrFail(t, events)
	assert.Equal(t, EventCreate, ev.Kind)
	assert.Equal(t, "second", ev.Data["text"])
}

func TestSubscribeFiltersLiveEvents(t *testing.T) {
	e := openTestEngine(t)
	events, cancel, err := e.Subscribe(1, "notes", SubscriptionOptions{
		Path:   "notes",
		Filter: &QueryFilter{Equals: map[string]any{"kind": "important"}},
	})
	require.NoError(t, err)
	defer cancel()

	ev := recvOrFail(t, events) // Ready, no existing docs
	assert.Equal(t, EventReady, ev.Kind)

	tx, err := e.Transaction(1, "notes")
	require.NoError(t, err)
	_, err = tx.Create("notes", Document{"text": "skip me", "kind": "trivial"})
	require.NoError(t, err)
	mustCommit(t, tx)

	tx2, err := e.Transaction(1, "notes")
	require.NoError(t, err)
	_, err = tx2.Create("notes", Document{"text": "keep me", "kind": "important"})
	require.NoError(t, err)
	mustCommit(t, tx2)

	ev = recvOrFail(t, events)
	assert.Equal(t, "keep me", ev.Data["text"])
}

func recvOrFail(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ChangeEvent{}
	}
}
