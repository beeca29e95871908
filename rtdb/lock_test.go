package rtdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockBlocksOtherUser(t *testing.T) {
	e := openTestEngine(t)

	blocker, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockSoft, 0)
	require.NoError(t, err)
	assert.Nil(t, blocker)

	blocker, err = e.AcquireLock(1, "docs", "doc/1", "bob", "connB", LockSoft, 0)
	require.NoError(t, err)
	require.NotNil(t, blocker)
	assert.Equal(t, "alice", blocker.UserID)
}

func TestAcquireLockSameHolderReenters(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockSoft, 0)
	require.NoError(t, err)

	blocker, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockSoft, 0)
	require.NoError(t, err)
	assert.Nil(t, blocker, "the same (user, conn) re-acquiring its own lock must not block")
}

func TestHardLockBlocksEveryone(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockHard, 0)
	require.NoError(t, err)

	blocker, err := e.AcquireLock(1, "docs", "doc/1", "bob", "connB", LockSoft, 0)
	require.NoError(t, err)
	require.NotNil(t, blocker)
}

func TestReleaseLockRequiresMatchingConn(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockSoft, 0)
	require.NoError(t, err)

	err = e.ReleaseLock(1, "docs", "doc/1", "alice", "connB")
	assert.Error(t, err)

	require.NoError(t, e.ReleaseLock(1, "docs", "doc/1", "alice", "connA"))

	blocker, err := e.AcquireLock(1, "docs", "doc/1", "bob", "connB", LockSoft, 0)
	require.NoError(t, err)
	assert.Nil(t, blocker)
}

func TestLockExpiresAfterTTL(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockHard, 0)
	require.NoError(t, err)

	inst := e.instance(InstanceKey{TnID: 1, DbID: "docs"})
	inst.lockMu.Lock()
	lock := inst.locks["doc/1"]
	lock.AcquiredAt = time.Now().Add(-time.Hour).UnixMilli()
	lock.TTLSecs = 1
	inst.locks["doc/1"] = lock
	inst.lockMu.Unlock()

	blocker, err := e.AcquireLock(1, "docs", "doc/1", "bob", "connB", LockSoft, 0)
	require.NoError(t, err)
	assert.Nil(t, blocker, "an expired lock must not block new acquisitions")
}

func TestReleaseAllLocksOnConnectionDrop(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AcquireLock(1, "docs", "doc/1", "alice", "connA", LockSoft, 0)
	require.NoError(t, err)
	_, err = e.AcquireLock(1, "docs", "doc/2", "alice", "connA", LockSoft, 0)
	require.NoError(t, err)
	_, err = e.AcquireLock(1, "docs", "doc/3", "bob", "connB", LockSoft, 0)
	require.NoError(t, err)

	e.ReleaseAllLocks(1, "docs", "alice", "connA")

	blocker, err := e.CheckLock(1, "docs", "doc/1")
	require.NoError(t, err)
	assert.Nil(t, blocker)

	blocker, err = e.CheckLock(1, "docs", "doc/3")
	require.NoError(t, err)
	require.NotNil(t, blocker)
	assert.Equal(t, "bob", blocker.UserID)
}
