package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/logging"
)

var log = logging.WithComponent("scheduler")

// KindHandlers pairs the Builder/Runner registered for one task kind.
type KindHandlers struct {
	Build  Builder
	Run    Runner
	Policy RetryPolicy
}

// Scheduler is the in-process dispatch loop described in spec §4.B. It
// polls Store for due Scheduled tasks, bounds concurrency with a worker
// pool, and enforces the dependency ordering guarantee: a task never
// runs before all its dependencies are Finished.
type Scheduler struct {
	store   Store
	mu      sync.RWMutex
	kinds   map[string]KindHandlers
	workers int
	sem     chan struct{}
	wake    chan struct{}

	// Notifier optionally carries an out-of-band wake signal (e.g. the
	// Redis pub/sub notifier in wake_redis.go) so dispatch doesn't wait out a
	// full poll interval after a task becomes runnable.
	Notifier WakeNotifier
}

// WakeNotifier lets an external channel (Redis pub/sub in this module)
// prod the dispatch loop to poll immediately instead of waiting for the
// next tick.
type WakeNotifier interface {
	Notify(ctx context.Context)
	Subscribe(ctx context.Context) <-chan struct{}
}

func New(store Store, workers int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:   store,
		kinds:   make(map[string]KindHandlers),
		workers: workers,
		sem:     make(chan struct{}, workers),
		wake:    make(chan struct{}, 1),
	}
}

// Register associates a builder and runner with a task kind (spec §4.B
// "Each task kind registers a builder ... and a run(...) function").
func (s *Scheduler) Register(kind string, build Builder, run Runner, policy RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy
	}
	s.kinds[kind] = KindHandlers{Build: build, Run: run, Policy: policy}
}

// Schedule persists a new task. If Key is set and a non-terminal task
// with the same key already exists, the new task is NOT inserted —
// Schedule returns the existing task's id (dedup, spec §4.B).
func (s *Scheduler) Schedule(kind, key, input string, deps []string) (string, error) {
	s.mu.RLock()
	_, known := s.kinds[kind]
	s.mu.RUnlock()
	if !known {
		return "", clerr.New(clerr.Internal, fmt.Sprintf("unregistered task kind %q", kind))
	}

	if key != "" {
		if existing, ok, err := s.store.FindByKey(kind, key); err != nil {
			return "", err
		} else if ok {
			return existing.TaskID, nil
		}
	}

	state := Scheduled
	if len(deps) > 0 {
		state = Waiting
	}

	t := Task{
		TaskID:    "t1" + uuid.NewString(),
		Kind:      kind,
		Key:       key,
		Input:     input,
		Deps:      deps,
		State:     state,
		NextAt:    time.Now(),
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertTask(t); err != nil {
		return "", err
	}
	s.prod()
	return t.TaskID, nil
}

// prod wakes the dispatch loop without blocking if it's already awake.
func (s *Scheduler) prod() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled. pollInterval
// bounds the worst-case latency between a task becoming due and being
// picked up when no WakeNotifier is wired.
func (s *Scheduler) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var notifyCh <-chan struct{}
	if s.Notifier != nil {
		notifyCh = s.Notifier.Subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		case <-s.wake:
			s.dispatchDue(ctx)
		case <-notifyCh:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.store.ListScheduledDue(time.Now())
	if err != nil {
		log.WithError(err).Error("list scheduled tasks")
		return
	}
	for _, t := range due {
		t := t
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-s.sem }()
			s.dispatchOne(ctx, t)
		}()
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, t Task) {
	if err := s.store.UpdateState(t.TaskID, Running, t.NextAt, t.RetryCount, ""); err != nil {
		log.WithError(err).WithField("task_id", t.TaskID).Error("mark task running")
		return
	}

	s.mu.RLock()
	handlers, ok := s.kinds[t.Kind]
	s.mu.RUnlock()
	if !ok {
		log.WithField("kind", t.Kind).Error("no handlers registered for task kind")
		return
	}

	var runCtx any
	if handlers.Build != nil {
		built, err := handlers.Build(t.TaskID, t.Input)
		if err != nil {
			s.fail(t, handlers.Policy, err)
			return
		}
		runCtx = built
	}

	output, err := handlers.Run(RunContext{Task: t, Context: runCtx})
	if err != nil {
		s.fail(t, handlers.Policy, err)
		return
	}

	if err := s.store.UpdateState(t.TaskID, Finished, t.NextAt, t.RetryCount, output); err != nil {
		log.WithError(err).WithField("task_id", t.TaskID).Error("mark task finished")
		return
	}
	s.awakenDependents(t.TaskID)
}

func (s *Scheduler) fail(t Task, policy RetryPolicy, runErr error) {
	retryCount := t.RetryCount + 1
	log.WithError(runErr).WithFields(map[string]any{"task_id": t.TaskID, "retry": retryCount}).Warn("task run failed")

	if retryCount >= policy.MaxRetries {
		if err := s.store.UpdateState(t.TaskID, Error, t.NextAt, retryCount, ""); err != nil {
			log.WithError(err).Error("mark task terminal error")
		}
		return
	}

	next := time.Now().Add(policy.NextDelay(retryCount))
	if err := s.store.UpdateState(t.TaskID, Scheduled, next, retryCount, ""); err != nil {
		log.WithError(err).Error("reschedule failed task")
		return
	}
	s.prod()
}

// awakenDependents promotes every Waiting task whose dependencies are
// now all Finished to Scheduled. The dependency graph has no reverse
// index in this Store contract, so it scans Waiting tasks — acceptable
// given the scheduler's scale (spec places no bound on the number of
// siblings, but a real deployment's Waiting set is small relative to
// Finished).
func (s *Scheduler) awakenDependents(finishedID string) {
	waiting, err := s.store.ListByState(Waiting)
	if err != nil {
		log.WithError(err).Error("list waiting tasks")
		return
	}
	for _, w := range waiting {
		references := false
		for _, d := range w.Deps {
			if d == finishedID {
				references = true
				break
			}
		}
		if !references {
			continue
		}
		if s.allDepsFinished(w.Deps) {
			if err := s.store.UpdateState(w.TaskID, Scheduled, time.Now(), w.RetryCount, ""); err != nil {
				log.WithError(err).Error("release dependent task")
				continue
			}
			s.prod()
		}
	}
}

func (s *Scheduler) allDepsFinished(deps []string) bool {
	for _, d := range deps {
		t, ok, err := s.store.Get(d)
		if err != nil || !ok || t.State != Finished {
			return false
		}
	}
	return true
}
