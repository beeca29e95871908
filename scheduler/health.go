package scheduler

import (
	"context"
	"time"
)

// HealthReport summarizes scheduler state for the periodic check in
// spec §4.B ("the scheduler periodically audits its own queue").
type HealthReport struct {
	CountByState  map[State]int
	StuckRunning  []string // task ids Running past the stuck threshold
	DanglingDeps  []string // task ids Waiting on a dependency that no longer exists
	GeneratedAt   time.Time
}

// CheckHealth inspects the Store once and returns a report. It never
// mutates state — a caller decides what to do about stuck tasks (in
// this teacher's idiom, log and alert rather than auto-recover, since
// a Running task may simply belong to a slow worker).
func (s *Scheduler) CheckHealth(stuckThreshold time.Duration) (HealthReport, error) {
	report := HealthReport{
		CountByState: make(map[State]int),
		GeneratedAt:  time.Now(),
	}

	for _, st := range []State{Waiting, Scheduled, Running, Finished, Error} {
		tasks, err := s.store.ListByState(st)
		if err != nil {
			return HealthReport{}, err
		}
		report.CountByState[st] = len(tasks)

		if st == Waiting {
			for _, t := range tasks {
				for _, d := range t.Deps {
					if _, ok, err := s.store.Get(d); err == nil && !ok {
						report.DanglingDeps = append(report.DanglingDeps, t.TaskID)
						break
					}
				}
			}
		}
	}

	stuck, err := s.store.ListRunningOlderThan(time.Now().Add(-stuckThreshold))
	if err != nil {
		return HealthReport{}, err
	}
	for _, t := range stuck {
		report.StuckRunning = append(report.StuckRunning, t.TaskID)
	}

	return report, nil
}

// RunHealthLoop runs CheckHealth every interval until ctx is cancelled,
// logging anything that looks wrong. 30s matches the cadence named in
// spec §4.B.
func (s *Scheduler) RunHealthLoop(ctx context.Context, interval, stuckThreshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.CheckHealth(stuckThreshold)
			if err != nil {
				log.WithError(err).Error("scheduler health check failed")
				continue
			}
			entry := log.WithField("counts", report.CountByState)
			if len(report.StuckRunning) > 0 {
				entry = entry.WithField("stuck_running", report.StuckRunning)
			}
			if len(report.DanglingDeps) > 0 {
				entry = entry.WithField("dangling_deps", report.DanglingDeps)
			}
			if len(report.StuckRunning) > 0 || len(report.DanglingDeps) > 0 {
				entry.Warn("scheduler health check found anomalies")
			} else {
				entry.Debug("scheduler health check clean")
			}
		}
	}
}
