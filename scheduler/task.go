// Package scheduler implements the durable, dependency-ordered task
// runner from spec §4.B: tasks are persisted by a Store (normally the
// meta adapter), dispatched by a worker pool once every dependency has
// finished, and retried per a per-kind backoff policy.
package scheduler

import (
	"time"
)

// State is a task's lifecycle state.
type State string

const (
	Waiting   State = "Waiting"
	Scheduled State = "Scheduled"
	Running   State = "Running"
	Finished  State = "Finished"
	Error     State = "Error"
)

// RetryPolicy is exponential backoff capped at Max, up to MaxRetries
// attempts, after which a failing task becomes terminal Error.
type RetryPolicy struct {
	Min        time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is used by tasks that don't specify one.
var DefaultRetryPolicy = RetryPolicy{Min: 10 * time.Second, Max: 12 * time.Hour, MaxRetries: 50}

// NextDelay returns the backoff delay before retry number n (1-based).
func (p RetryPolicy) NextDelay(n int) time.Duration {
	d := p.Min
	for i := 1; i < n; i++ {
		d *= 2
		if d > p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Task is the persisted row shape from spec §3.
type Task struct {
	TaskID     string
	Kind       string
	Key        string // optional, empty if unset
	Input      string // serialized context, kind-specific
	Deps       []string
	State      State
	NextAt     time.Time
	RetryCount int
	Policy     RetryPolicy
	Output     string // serialized, empty until Finished
	CreatedAt  time.Time
}

// Runnable reports whether this task can currently be dispatched: it
// must be Scheduled and due.
func (t *Task) Runnable(now time.Time) bool {
	return t.State == Scheduled && !t.NextAt.After(now)
}

// Builder reconstructs a kind-specific context from Input for a runner
// that wants typed access instead of the raw string (mirrors the
// teacher's Task::build(ctx) convention in the original Rust sources,
// and eve's queue.Job used as a plain data bag otherwise).
type Builder func(taskID, input string) (any, error)

// Runner executes a task once all its dependencies are Finished. It
// receives the already-built context (or the raw Task if no Builder was
// registered) and returns a serialized output string on success.
type Runner func(ctx RunContext) (output string, err error)

// RunContext is what a Runner sees.
type RunContext struct {
	Task    Task
	Context any // result of the registered Builder, or nil
}
