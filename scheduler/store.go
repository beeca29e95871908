package scheduler

import "time"

// Store is the persistence contract the scheduler needs from the meta
// adapter (spec §4.E: MetaAdapter owns tasks). Implementations must
// scope every call to a tenant upstream of this package — the scheduler
// itself is tenant-agnostic, operating purely on task_id.
type Store interface {
	// InsertTask persists a brand-new task row.
	InsertTask(t Task) error
	// FindByKey returns a non-terminal task with the given dedup key, if
	// any (spec §4.B: schedule() dedupes on Key).
	FindByKey(kind, key string) (Task, bool, error)
	// Get returns a task by id.
	Get(taskID string) (Task, bool, error)
	// UpdateState transitions a task's state, optionally updating
	// NextAt/RetryCount/Output in the same write.
	UpdateState(taskID string, state State, nextAt time.Time, retryCount int, output string) error
	// ListScheduledDue returns every Scheduled task whose NextAt is not
	// after now, for the dispatch loop to pick up.
	ListScheduledDue(now time.Time) ([]Task, error)
	// ListByState is used by the health check and by dependency-release
	// logic (find tasks Waiting on a given dependency).
	ListByState(state State) ([]Task, error)
	// ListRunningOlderThan supports stuck-task detection.
	ListRunningOlderThan(threshold time.Time) ([]Task, error)
}
