package rtdb

import (
	"time"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/tenant"
)

// AcquireLock tries to take a lock on path for (userID, connID). A nil
// *LockInfo return means the lock was acquired (or the caller already
// held it); a non-nil return is the existing lock that blocked the
// request. Soft locks only block other soft/hard locks from a different
// user; hard locks block every other holder regardless of mode,
// mirroring the original adapter's soft-vs-hard precedence (§4.G.5).
func (e *Engine) AcquireLock(tnID tenant.TnId, dbID, path, userID, connID string, mode LockMode, ttlSecs int64) (*LockInfo, error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	inst.lockMu.Lock()
	defer inst.lockMu.Unlock()

	if existing, ok := inst.locks[path]; ok {
		if existing.UserID == userID && existing.ConnID == connID {
			return nil, nil
		}
		if !existing.expired() && blocks(existing, userID) {
			locked := existing
			return &locked, nil
		}
	}

	info := LockInfo{
		UserID:     userID,
		ConnID:     connID,
		Mode:       mode,
		AcquiredAt: time.Now().UnixMilli(),
		TTLSecs:    ttlSecs,
	}
	inst.locks[path] = info
	inst.publish(ChangeEvent{Kind: EventLock, Path: path, Data: Document{
		"userId": userID, "mode": string(mode),
	}})
	return nil, nil
}

func blocks(existing LockInfo, userID string) bool {
	return existing.Mode == LockHard || existing.UserID != userID
}

func (l LockInfo) expired() bool {
	if l.TTLSecs <= 0 {
		return false
	}
	deadline := time.UnixMilli(l.AcquiredAt).Add(time.Duration(l.TTLSecs) * time.Second)
	return time.Now().After(deadline)
}

// ReleaseLock releases path's lock, requiring both userID and connID to
// match the holder (so a stale connection from another tab can't release
// a live one's lock).
func (e *Engine) ReleaseLock(tnID tenant.TnId, dbID, path, userID, connID string) error {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	inst.lockMu.Lock()
	defer inst.lockMu.Unlock()

	existing, ok := inst.locks[path]
	if !ok {
		return nil
	}
	if existing.UserID != userID || existing.ConnID != connID {
		return clerr.New(clerr.PermissionDenied, "lock held by a different connection")
	}
	delete(inst.locks, path)
	inst.publish(ChangeEvent{Kind: EventUnlock, Path: path})
	return nil
}

// CheckLock reports the current lock on path, if any and unexpired.
func (e *Engine) CheckLock(tnID tenant.TnId, dbID, path string) (*LockInfo, error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	inst.lockMu.Lock()
	defer inst.lockMu.Unlock()

	existing, ok := inst.locks[path]
	if !ok || existing.expired() {
		return nil, nil
	}
	locked := existing
	return &locked, nil
}

// ReleaseAllLocks drops every lock held by (userID, connID) across an
// instance. Called when a websocket connection closes (spec §4.G.5:
// "on connection drop the engine MUST call release_all_locks").
func (e *Engine) ReleaseAllLocks(tnID tenant.TnId, dbID, userID, connID string) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	inst.lockMu.Lock()
	defer inst.lockMu.Unlock()

	for path, lock := range inst.locks {
		if lock.UserID == userID && lock.ConnID == connID {
			delete(inst.locks, path)
			inst.publish(ChangeEvent{Kind: EventUnlock, Path: path})
		}
	}
}
