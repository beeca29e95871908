package meta

import (
	"time"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/scheduler"
)

// taskRecord is the bbolt-persisted shape of scheduler.Task; a separate
// type keeps the scheduler package free of storage-layer JSON tags.
type taskRecord struct {
	TaskID     string
	Kind       string
	Key        string
	Input      string
	Deps       []string
	State      scheduler.State
	NextAt     time.Time
	RetryCount int
	Output     string
	CreatedAt  time.Time
}

func toRecord(t scheduler.Task) taskRecord {
	return taskRecord{
		TaskID: t.TaskID, Kind: t.Kind, Key: t.Key, Input: t.Input, Deps: t.Deps,
		State: t.State, NextAt: t.NextAt, RetryCount: t.RetryCount, Output: t.Output,
		CreatedAt: t.CreatedAt,
	}
}

func (r taskRecord) toTask() scheduler.Task {
	return scheduler.Task{
		TaskID: r.TaskID, Kind: r.Kind, Key: r.Key, Input: r.Input, Deps: r.Deps,
		State: r.State, NextAt: r.NextAt, RetryCount: r.RetryCount, Output: r.Output,
		CreatedAt: r.CreatedAt,
	}
}

func (a *Adapter) InsertTask(t scheduler.Task) error {
	rec := toRecord(t)
	if err := a.db.PutJSON(bucketTasks, t.TaskID, rec); err != nil {
		return err
	}
	if t.Key != "" {
		return a.db.PutJSON(bucketTaskByKey, t.Kind+":"+t.Key, t.TaskID)
	}
	return nil
}

func (a *Adapter) FindByKey(kind, key string) (scheduler.Task, bool, error) {
	var taskID string
	found, err := a.db.GetJSON(bucketTaskByKey, kind+":"+key, &taskID)
	if err != nil || !found {
		return scheduler.Task{}, false, err
	}
	t, ok, err := a.Get(taskID)
	if err != nil || !ok {
		return scheduler.Task{}, false, err
	}
	if t.State == scheduler.Finished || t.State == scheduler.Error {
		return scheduler.Task{}, false, nil
	}
	return t, true, nil
}

func (a *Adapter) Get(taskID string) (scheduler.Task, bool, error) {
	var rec taskRecord
	found, err := a.db.GetJSON(bucketTasks, taskID, &rec)
	if err != nil {
		return scheduler.Task{}, false, err
	}
	if !found {
		return scheduler.Task{}, false, nil
	}
	return rec.toTask(), true, nil
}

func (a *Adapter) UpdateState(taskID string, state scheduler.State, nextAt time.Time, retryCount int, output string) error {
	var rec taskRecord
	found, err := a.db.GetJSON(bucketTasks, taskID, &rec)
	if err != nil {
		return err
	}
	if !found {
		return clerr.New(clerr.NotFound, "task not found")
	}
	rec.State = state
	rec.NextAt = nextAt
	rec.RetryCount = retryCount
	if output != "" {
		rec.Output = output
	}
	return a.db.PutJSON(bucketTasks, taskID, rec)
}

func (a *Adapter) ListScheduledDue(now time.Time) ([]scheduler.Task, error) {
	var out []scheduler.Task
	err := a.db.ForEachPrefixJSON(bucketTasks, nil, func(_ []byte, raw []byte) error {
		var rec taskRecord
		if err := unmarshalInto(raw, &rec); err != nil {
			return err
		}
		t := rec.toTask()
		if t.Runnable(now) {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (a *Adapter) ListByState(state scheduler.State) ([]scheduler.Task, error) {
	var out []scheduler.Task
	err := a.db.ForEachPrefixJSON(bucketTasks, nil, func(_ []byte, raw []byte) error {
		var rec taskRecord
		if err := unmarshalInto(raw, &rec); err != nil {
			return err
		}
		if rec.State == state {
			out = append(out, rec.toTask())
		}
		return nil
	})
	return out, err
}

func (a *Adapter) ListRunningOlderThan(threshold time.Time) ([]scheduler.Task, error) {
	var out []scheduler.Task
	err := a.db.ForEachPrefixJSON(bucketTasks, nil, func(_ []byte, raw []byte) error {
		var rec taskRecord
		if err := unmarshalInto(raw, &rec); err != nil {
			return err
		}
		if rec.State == scheduler.Running && rec.CreatedAt.Before(threshold) {
			out = append(out, rec.toTask())
		}
		return nil
	})
	return out, err
}
