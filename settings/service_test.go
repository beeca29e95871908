package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/tenant"
)

type memStore struct {
	rows map[tenant.TnId]map[string]Value
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[tenant.TnId]map[string]Value)}
}

func (m *memStore) GetSetting(tnID tenant.TnId, key string) (Value, bool, error) {
	if tbl, ok := m.rows[tnID]; ok {
		if v, ok := tbl[key]; ok {
			return v, true, nil
		}
	}
	return Value{}, false, nil
}

func (m *memStore) PutSetting(tnID tenant.TnId, key string, v Value) error {
	if m.rows[tnID] == nil {
		m.rows[tnID] = make(map[string]Value)
	}
	m.rows[tnID][key] = v
	return nil
}

func (m *memStore) DeleteSetting(tnID tenant.TnId, key string) error {
	delete(m.rows[tnID], key)
	return nil
}

func TestResolutionOrderTenantGlobalDefault(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Key:     "theme.color",
		Scope:   ScopeTenant,
		Default: &Value{Type: TString, String: "blue"},
	}))
	reg.Freeze()

	store := newMemStore()
	svc, err := NewService(reg, store, 16)
	require.NoError(t, err)

	v, err := svc.Get(1, "theme.color")
	require.NoError(t, err)
	assert.Equal(t, "blue", v.String)

	require.NoError(t, store.PutSetting(0, "theme.color", Value{Type: TString, String: "green"}))
	v, err = svc.Get(1, "theme.color")
	require.NoError(t, err)
	assert.Equal(t, "green", v.String)

	require.NoError(t, svc.Set(1, "theme.color", Value{Type: TString, String: "red"}, false))
	v, err = svc.Get(1, "theme.color")
	require.NoError(t, err)
	assert.Equal(t, "red", v.String)
}

func TestWildcardLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Key:     "foo.*",
		Scope:   ScopeGlobal,
		Default: &Value{Type: TBool, Bool: true},
	}))
	reg.Freeze()

	d, ok := reg.Lookup("foo.bar")
	require.True(t, ok)
	assert.Equal(t, "foo.*", d.Key)
}

func TestRequiredSettingMissingFailsAudit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Key:      "smtp.host",
		Scope:    ScopeGlobal,
		Optional: false,
	}))
	reg.Freeze()

	store := newMemStore()
	svc, err := NewService(reg, store, 16)
	require.NoError(t, err)

	err = svc.AuditRequiredSettings()
	require.Error(t, err)
	var ce *clerr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, clerr.ValidationError, ce.Kind)

	require.NoError(t, store.PutSetting(0, "smtp.host", Value{Type: TString, String: "mail.example.net"}))
	require.NoError(t, svc.AuditRequiredSettings())
}

func TestGlobalWriteRequiresAdmin(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Key:     "system.banner",
		Scope:   ScopeGlobal,
		Default: &Value{Type: TString, String: ""},
	}))
	reg.Freeze()
	svc, err := NewService(reg, newMemStore(), 16)
	require.NoError(t, err)

	err = svc.Set(0, "system.banner", Value{Type: TString, String: "hi"}, false)
	require.Error(t, err)

	require.NoError(t, svc.Set(0, "system.banner", Value{Type: TString, String: "hi"}, true))
}

func TestSystemScopeRequiresSystemPermission(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Definition{
		Key:        "core.max_upload",
		Scope:      ScopeSystem,
		Permission: PermAdmin,
		Default:    &Value{Type: TInt, Int: 10},
	})
	require.Error(t, err)
}
