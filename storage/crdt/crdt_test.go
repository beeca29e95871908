package crdt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "crdt.db"))
	require.NoError(t, err)
	return a
}

func TestPutGetRoundTrip(t *testing.T) {
	a := openTestAdapter(t)

	_, found, err := a.GetDoc(1, "f1abc")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, a.PutDoc(1, "f1abc", []byte{0x01, 0x02, 0x03}))
	state, found, err := a.GetDoc(1, "f1abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, state)
}

func TestTenantIsolation(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.PutDoc(1, "f1shared", []byte("tenant one")))
	require.NoError(t, a.PutDoc(2, "f1shared", []byte("tenant two")))

	d1, _, err := a.GetDoc(1, "f1shared")
	require.NoError(t, err)
	d2, _, err := a.GetDoc(2, "f1shared")
	require.NoError(t, err)

	assert.Equal(t, "tenant one", string(d1))
	assert.Equal(t, "tenant two", string(d2))
}

func TestDeleteDoc(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.PutDoc(1, "f1todelete", []byte("x")))
	require.NoError(t, a.DeleteDoc(1, "f1todelete"))

	_, found, err := a.GetDoc(1, "f1todelete")
	require.NoError(t, err)
	assert.False(t, found)
}
