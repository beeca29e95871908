package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory Store for exercising Scheduler logic
// without a real meta adapter.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	byKey map[string]string
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]Task), byKey: make(map[string]string)}
}

func (m *memStore) InsertTask(t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.TaskID] = t
	if t.Key != "" {
		m.byKey[t.Kind+"\x00"+t.Key] = t.TaskID
	}
	return nil
}

func (m *memStore) FindByKey(kind, key string) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[kind+"\x00"+key]
	if !ok {
		return Task{}, false, nil
	}
	t := m.tasks[id]
	if t.State == Finished || t.State == Error {
		return Task{}, false, nil
	}
	return t, true, nil
}

func (m *memStore) Get(taskID string) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *memStore) UpdateState(taskID string, state State, nextAt time.Time, retryCount int, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("no such task %s", taskID)
	}
	t.State = state
	t.NextAt = nextAt
	t.RetryCount = retryCount
	if output != "" {
		t.Output = output
	}
	m.tasks[taskID] = t
	return nil
}

func (m *memStore) ListScheduledDue(now time.Time) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Runnable(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListByState(state State) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListRunningOlderThan(threshold time.Time) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.State == Running && t.CreatedAt.Before(threshold) {
			out = append(out, t)
		}
	}
	return out, nil
}

// TestDependencyOrdering verifies spec invariant: a dependency-bearing
// task never runs before every dependency is Finished.
func TestDependencyOrdering(t *testing.T) {
	store := newMemStore()
	s := New(store, 4)

	var mu sync.Mutex
	var order []string

	s.Register("leaf", nil, func(rc RunContext) (string, error) {
		mu.Lock()
		order = append(order, rc.Task.TaskID)
		mu.Unlock()
		return "ok", nil
	}, RetryPolicy{Min: time.Millisecond, Max: time.Millisecond, MaxRetries: 1})

	s.Register("dependent", nil, func(rc RunContext) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, dep := range rc.Task.Deps {
			found := false
			for _, done := range order {
				if done == dep {
					found = true
				}
			}
			if !found {
				t.Fatalf("dependent task ran before dependency %s finished", dep)
			}
		}
		order = append(order, rc.Task.TaskID)
		return "ok", nil
	}, RetryPolicy{Min: time.Millisecond, Max: time.Millisecond, MaxRetries: 1})

	leafID, err := s.Schedule("leaf", "", "", nil)
	require.NoError(t, err)

	depID, err := s.Schedule("dependent", "", "", []string{leafID})
	require.NoError(t, err)

	waiting, ok, err := store.Get(depID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Waiting, waiting.State)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		final, ok, _ := store.Get(depID)
		return ok && final.State == Finished
	}, 500*time.Millisecond, 5*time.Millisecond)
}

// TestScheduleDedup verifies that scheduling twice with the same Key
// returns the existing task instead of inserting a duplicate.
func TestScheduleDedup(t *testing.T) {
	store := newMemStore()
	s := New(store, 2)
	s.Register("sync", nil, func(rc RunContext) (string, error) { return "", nil }, DefaultRetryPolicy)

	id1, err := s.Schedule("sync", "dedup-key", "", nil)
	require.NoError(t, err)
	id2, err := s.Schedule("sync", "dedup-key", "", nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

// TestRetryThenTerminal verifies a failing task retries up to
// MaxRetries and then becomes a terminal Error.
func TestRetryThenTerminal(t *testing.T) {
	store := newMemStore()
	s := New(store, 1)

	var attempts int
	s.Register("flaky", nil, func(rc RunContext) (string, error) {
		attempts++
		return "", fmt.Errorf("boom")
	}, RetryPolicy{Min: time.Millisecond, Max: time.Millisecond, MaxRetries: 3})

	id, err := s.Schedule("flaky", "", "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		final, ok, _ := store.Get(id)
		return ok && final.State == Error
	}, 800*time.Millisecond, 5*time.Millisecond)

	assert.GreaterOrEqual(t, attempts, 3)
}
