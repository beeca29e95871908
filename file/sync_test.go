package file

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/idhash"
	"github.com/cloudillo/cloudillo/settings"
	"github.com/cloudillo/cloudillo/storage/auth"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

type fakeBlobStore struct {
	puts map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{puts: make(map[string][]byte)} }

func (f *fakeBlobStore) PutBlob(ctx context.Context, tnID tenant.TnId, variantID string, data []byte) error {
	f.puts[variantID] = data
	return nil
}

func testSyncConfig(t *testing.T, srv *httptest.Server) (SyncConfig, *meta.Adapter, *fakeBlobStore) {
	t.Helper()
	metaAdapter, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	authAdapter, err := auth.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)

	reg := settings.NewRegistry()
	require.NoError(t, RegisterSyncSettings(reg))
	reg.Freeze()
	svc, err := settings.NewService(reg, metaAdapter, 64)
	require.NoError(t, err)

	blob := newFakeBlobStore()
	cfg := SyncConfig{
		Meta: metaAdapter, Auth: authAdapter, Settings: svc, Blob: blob,
		Client: srv.Client(), Scheme: "http",
	}
	return cfg, metaAdapter, blob
}

func TestSyncHappyPath(t *testing.T) {
	entries := []VariantEntry{
		{Name: "vis.tn", VariantID: idhash.Hash("b1", []byte("thumb-bytes")), Format: "avif", Size: 11, Width: 64, Height: 64},
		{Name: "vis.sd", VariantID: idhash.Hash("b1", []byte("hd-bytes")), Format: "avif", Size: 8, Width: 640, Height: 480},
	}
	descriptor := Generate(entries)
	fileID := idhash.Hash("f1", []byte(descriptor))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files/"+fileID+"/descriptor":
			w.Write([]byte(descriptor))
		case strings.HasSuffix(r.URL.Path, entries[0].VariantID):
			w.Write([]byte("thumb-bytes"))
		case strings.HasSuffix(r.URL.Path, entries[1].VariantID):
			w.Write([]byte("hd-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg, metaAdapter, blob := testSyncConfig(t, srv)
	ctx := syncContext{TnID: 1, FileID: fileID, Source: strings.TrimPrefix(srv.URL, "http://"), LocalIdTag: "bob.example.net"}

	got, err := cfg.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, fileID, got)

	row, err := metaAdapter.GetFile(1, fileID)
	require.NoError(t, err)
	assert.Equal(t, "A", row.Status)
	assert.Equal(t, VisibilityDirect, row.Visibility)
	assert.Equal(t, descriptor, row.Descriptor)

	variants, err := metaAdapter.ListVariants(1, fileID)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	for _, v := range variants {
		assert.True(t, v.Available)
		assert.Contains(t, blob.puts, v.VariantID)
	}
}

func TestSyncSkipsVariantsAboveClassLimit(t *testing.T) {
	entries := []VariantEntry{
		{Name: "vis.tn", VariantID: idhash.Hash("b1", []byte("thumb-bytes")), Format: "avif", Size: 11, Width: 64, Height: 64},
		{Name: "vis.xd", VariantID: idhash.Hash("b1", []byte("xd-bytes")), Format: "avif", Size: 99, Width: 3840, Height: 2160},
	}
	descriptor := Generate(entries)
	fileID := idhash.Hash("f1", []byte(descriptor))

	var xdFetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files/"+fileID+"/descriptor":
			w.Write([]byte(descriptor))
		case strings.HasSuffix(r.URL.Path, entries[0].VariantID):
			w.Write([]byte("thumb-bytes"))
		default:
			xdFetched = true
			w.Write([]byte("xd-bytes"))
		}
	}))
	defer srv.Close()

	cfg, metaAdapter, blob := testSyncConfig(t, srv)
	ctx := syncContext{TnID: 1, FileID: fileID, Source: strings.TrimPrefix(srv.URL, "http://"), LocalIdTag: "bob.example.net"}

	_, err := cfg.run(ctx)
	require.NoError(t, err)

	variants, err := metaAdapter.ListVariants(1, fileID)
	require.NoError(t, err)
	require.Len(t, variants, 2, "a metadata-only row must still exist for the skipped variant so the descriptor reconstructs")

	byName := map[string]bool{}
	for _, v := range variants {
		byName[v.Name] = v.Available
	}
	assert.True(t, byName["vis.tn"])
	assert.False(t, byName["vis.xd"], "xd exceeds the default vis sync-max (md) and must not be fetched")
	assert.False(t, xdFetched)
	assert.NotContains(t, blob.puts, entries[1].VariantID)
}

// TestSyncWrongDescriptorHashAborts reproduces spec §8 Scenario 5: the
// server's descriptor body does not hash to the requested file_id. The
// sync must abort before touching meta or blob storage.
func TestSyncWrongDescriptorHashAborts(t *testing.T) {
	entries := []VariantEntry{
		{Name: "vis.tn", VariantID: idhash.Hash("b1", []byte("thumb-bytes")), Format: "avif", Size: 11, Width: 64, Height: 64},
	}
	descriptor := Generate(entries)
	claimedFileID := idhash.Hash("f1", []byte("something-else-entirely"))

	var variantFetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/"+claimedFileID+"/descriptor" {
			w.Write([]byte(descriptor))
			return
		}
		variantFetched = true
		w.Write([]byte("thumb-bytes"))
	}))
	defer srv.Close()

	cfg, metaAdapter, blob := testSyncConfig(t, srv)
	ctx := syncContext{TnID: 1, FileID: claimedFileID, Source: strings.TrimPrefix(srv.URL, "http://"), LocalIdTag: "bob.example.net"}

	_, err := cfg.run(ctx)
	require.Error(t, err)
	assert.True(t, clerr.Is(err, clerr.ValidationError))

	_, getErr := metaAdapter.GetFile(1, claimedFileID)
	assert.Error(t, getErr, "no file row must be created on a descriptor hash mismatch")

	variants, err := metaAdapter.ListVariants(1, claimedFileID)
	require.NoError(t, err)
	assert.Empty(t, variants, "no variant rows must be created on a descriptor hash mismatch")
	assert.Empty(t, blob.puts, "no blobs must be stored on a descriptor hash mismatch")
	assert.False(t, variantFetched, "a variant must never be fetched once the descriptor hash check fails")
}

func TestSyncIsIdempotent(t *testing.T) {
	entries := []VariantEntry{{Name: "vis.tn", VariantID: idhash.Hash("b1", []byte("x")), Format: "avif", Size: 1, Width: 1, Height: 1}}
	descriptor := Generate(entries)
	fileID := idhash.Hash("f1", []byte(descriptor))

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(descriptor))
	}))
	defer srv.Close()

	cfg, metaAdapter, _ := testSyncConfig(t, srv)
	require.NoError(t, metaAdapter.PutFile(meta.FileRow{TnId: 1, FileID: fileID, Status: "A"}))

	ctx := syncContext{TnID: 1, FileID: fileID, Source: strings.TrimPrefix(srv.URL, "http://"), LocalIdTag: "bob.example.net"}
	got, err := cfg.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, fileID, got)
	assert.Equal(t, 0, calls, "an already-synced file must not be refetched")
}
