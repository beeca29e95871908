package meta

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/settings"
	"github.com/cloudillo/cloudillo/tenant"
)

func profileFor(tnID tenant.TnId, idTag string) tenant.Profile {
	return tenant.Profile{TnId: tnID, IdTag: idTag, Name: idTag, Type: tenant.Person, SyncedAt: time.Now()}
}

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	a, err := Open(path)
	require.NoError(t, err)
	return a
}

func TestTaskInsertGetUpdateState(t *testing.T) {
	a := openTestAdapter(t)

	task := scheduler.Task{TaskID: "t1abc", Kind: "file.id-generate", State: scheduler.Scheduled, CreatedAt: time.Now()}
	require.NoError(t, a.InsertTask(task))

	got, ok, err := a.Get("t1abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scheduler.Scheduled, got.State)

	require.NoError(t, a.UpdateState("t1abc", scheduler.Finished, time.Now(), 0, `{"ok":true}`))
	got, _, _ = a.Get("t1abc")
	assert.Equal(t, scheduler.Finished, got.State)
	assert.Equal(t, `{"ok":true}`, got.Output)
}

func TestTaskFindByKeyDedupSkipsTerminal(t *testing.T) {
	a := openTestAdapter(t)

	task := scheduler.Task{TaskID: "t1dedup", Kind: "sync", Key: "file:abc", State: scheduler.Scheduled, CreatedAt: time.Now()}
	require.NoError(t, a.InsertTask(task))

	found, ok, err := a.FindByKey("sync", "file:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1dedup", found.TaskID)

	require.NoError(t, a.UpdateState("t1dedup", scheduler.Finished, time.Now(), 0, "done"))
	_, ok, err = a.FindByKey("sync", "file:abc")
	require.NoError(t, err)
	assert.False(t, ok, "a finished task must not be returned as a dedup hit")
}

func TestTaskListScheduledDueOnlyReturnsDueTasks(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.InsertTask(scheduler.Task{TaskID: "due1", State: scheduler.Scheduled, NextAt: time.Now().Add(-time.Minute), CreatedAt: time.Now()}))
	require.NoError(t, a.InsertTask(scheduler.Task{TaskID: "future1", State: scheduler.Scheduled, NextAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}))
	require.NoError(t, a.InsertTask(scheduler.Task{TaskID: "waiting1", State: scheduler.Waiting, CreatedAt: time.Now()}))

	due, err := a.ListScheduledDue(time.Now())
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, t := range due {
		ids[t.TaskID] = true
	}
	assert.True(t, ids["due1"])
	assert.False(t, ids["future1"])
	assert.False(t, ids["waiting1"])
}

func TestSettingsStoreRoundTrip(t *testing.T) {
	a := openTestAdapter(t)

	v, found, err := a.GetSetting(1, "theme.color")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, a.PutSetting(1, "theme.color", settings.Value{Type: settings.TString, String: "blue"}))
	v, found, err = a.GetSetting(1, "theme.color")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "blue", v.String)

	require.NoError(t, a.DeleteSetting(1, "theme.color"))
	_, found, err = a.GetSetting(1, "theme.color")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestTenantIsolation exercises spec invariant 5: no adapter read for
// tenant T1 returns a row belonging to T2.
func TestTenantIsolation(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.PutProfile(profileFor(1, "alice.example.net")))
	require.NoError(t, a.PutProfile(profileFor(2, "alice.example.net")))

	list1, err := a.ListProfiles(1)
	require.NoError(t, err)
	require.Len(t, list1, 1)
	assert.EqualValues(t, 1, list1[0].TnId)

	_, err = a.GetProfile(2, "nonexistent.example.net")
	assert.Error(t, err)
}
