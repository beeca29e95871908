// Sync implements the pull half of spec §4.J: when a received action
// references a file whose blobs aren't local, this fetches the
// descriptor and the variants worth keeping from whichever side has
// them, verifying every content hash along the way. Grounded on the
// same descriptor/variant primitives as task.go's finalization runner
// (Parse, FileID) and on storage/blob.Adapter's put/get-by-content-hash
// contract (storage/blob/blob.go), with the outbound fetch itself
// following federation/delivery.go's plain net/http convention.
package file

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/idhash"
	"github.com/cloudillo/cloudillo/logging"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/settings"
	"github.com/cloudillo/cloudillo/storage/auth"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

var syncLog = logging.WithComponent("file-sync")

// KindSync is the scheduler task kind for a single file's pull sync.
const KindSync = "file.sync"

// File status/visibility values used by the sync path (meta.FileRow),
// mirroring the P/A status literals meta.FinalizeFile already uses.
const (
	StatusPending    = "P"
	VisibilityDirect = "D"
)

// classSyncSetting maps each variant class that is subject to a
// sync-max limit to its settings key (spec §4.J step 2); doc/raw are
// deliberately absent — they always fully sync.
var classSyncSetting = map[VariantClass]string{
	VariantClassVisual: "file.sync_max_vis",
	VariantClassVideo:  "file.sync_max_vid",
	VariantClassAudio:  "file.sync_max_aud",
}

// RegisterSyncSettings registers the three per-class sync-limit
// definitions (spec §4.J step 2 defaults: vis=md, vid=sd, aud=md).
// Call once during app composition, before settings.Registry.Freeze.
func RegisterSyncSettings(reg *settings.Registry) error {
	defaults := map[string]string{
		"file.sync_max_vis": string(QualityMD),
		"file.sync_max_vid": string(QualitySD),
		"file.sync_max_aud": string(QualityMD),
	}
	for _, key := range []string{"file.sync_max_vis", "file.sync_max_vid", "file.sync_max_aud"} {
		def := settings.Value{Type: settings.TString, String: defaults[key]}
		if err := reg.Register(settings.Definition{
			Key:        key,
			Scope:      settings.ScopeTenant,
			Permission: settings.PermAdmin,
			Default:    &def,
		}); err != nil {
			return err
		}
	}
	return nil
}

// qualityRank orders qualities for the sync-max comparison only — not a
// substitute for selection.go's fallback chains, which serve a
// different purpose (closest-match, not a threshold).
var qualityRank = map[Quality]int{
	QualityThumbnail: 0,
	QualityProfile:   1,
	QualitySD:        2,
	QualityMD:        3,
	QualityHD:        4,
	QualityXD:        5,
	QualityOriginal:  6,
}

func rank(q Quality) int {
	if r, ok := qualityRank[q]; ok {
		return r
	}
	return qualityRank[QualityOriginal] // unknown quality: treat as "always sync", never silently drop
}

// BlobStore is the subset of storage/blob.Adapter's contract sync needs.
type BlobStore interface {
	PutBlob(ctx context.Context, tnID tenant.TnId, variantID string, data []byte) error
}

// SyncConfig wires the sync runner to its collaborators.
type SyncConfig struct {
	Meta     *meta.Adapter
	Auth     *auth.Adapter
	Settings *settings.Service
	Blob     BlobStore
	Client   *http.Client // nil uses a client with SyncTimeout
	Scheme   string       // "https" in production, "http" in tests
}

// SyncTimeout bounds one descriptor or variant fetch.
const SyncTimeout = 30 * time.Second

func (c SyncConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: SyncTimeout}
}

func (c SyncConfig) scheme() string {
	if c.Scheme != "" {
		return c.Scheme
	}
	return "https"
}

// syncContext is the scheduler.Builder-reconstructed input:
// "<tn_id>,<file_id>,<source>,<local_id_tag>", the local_id_tag being
// whichever local identity presents the proxy token for authenticated
// variant fetches.
type syncContext struct {
	TnID       tenant.TnId
	FileID     string
	Source     string
	LocalIdTag string
}

// SyncInput serializes a scheduler.Schedule() input string for KindSync.
func SyncInput(tnID tenant.TnId, fileID, source, localIdTag string) string {
	return fmt.Sprintf("%d,%s,%s,%s", tnID, fileID, source, localIdTag)
}

// BuildSync is the scheduler.Builder for KindSync.
func BuildSync(taskID, input string) (any, error) {
	parts := strings.SplitN(input, ",", 4)
	if len(parts) != 4 {
		return nil, clerr.New(clerr.Internal, "invalid file.sync input")
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, clerr.Wrap(clerr.Internal, "invalid tn_id in file.sync input", err)
	}
	if parts[1] == "" || parts[2] == "" {
		return nil, clerr.New(clerr.Internal, "file.sync: missing file_id or source")
	}
	return syncContext{TnID: tenant.TnId(n), FileID: parts[1], Source: parts[2], LocalIdTag: parts[3]}, nil
}

// NewSyncRunner returns the scheduler.Runner for KindSync, implementing
// spec §4.J steps 1-5 end to end.
func NewSyncRunner(cfg SyncConfig) scheduler.Runner {
	return func(rc scheduler.RunContext) (string, error) {
		ctx, ok := rc.Context.(syncContext)
		if !ok {
			return "", clerr.New(clerr.Internal, "file.sync: missing build context")
		}
		return cfg.run(ctx)
	}
}

func (cfg SyncConfig) run(ctx syncContext) (string, error) {
	if _, err := cfg.Meta.GetFile(ctx.TnID, ctx.FileID); err == nil {
		return ctx.FileID, nil // already synced: at-least-once delivery, dedupe on file_id
	}

	descriptor, err := cfg.fetchDescriptor(ctx)
	if err != nil {
		return "", err
	}
	if !idhash.Verify(ctx.FileID, "f1", []byte(descriptor)) {
		syncLog.WithFields(map[string]any{"file_id": ctx.FileID, "source": ctx.Source}).
			Error("file sync: descriptor hash mismatch, aborting")
		return "", clerr.New(clerr.ValidationError, "file descriptor hash does not match file_id")
	}

	entries, err := Parse(descriptor)
	if err != nil {
		return "", clerr.Wrap(clerr.ValidationError, "parse synced descriptor", err)
	}

	selected := make(map[string]bool, len(entries))
	for _, e := range entries {
		max, err := cfg.syncMaxFor(ctx.TnID, e.Name)
		if err != nil {
			return "", err
		}
		if max == nil {
			selected[sortKey(e)] = true // doc/raw, or a class with no limit configured: always sync
			continue
		}
		parsed, known := ParseVariant(e.Name)
		if !known || rank(parsed.Quality) <= rank(*max) {
			selected[sortKey(e)] = true
		}
	}

	tempID := "t1sync" + ctx.FileID[2:]
	now := time.Now()
	if err := cfg.Meta.PutFile(meta.FileRow{
		TnId: ctx.TnID, TempID: tempID, Status: StatusPending, Visibility: VisibilityDirect, CreatedAt: now,
	}); err != nil {
		return "", err
	}

	for _, e := range entries {
		row := meta.VariantRow{
			TnId: ctx.TnID, FileID: ctx.FileID, Name: e.Name, VariantID: e.VariantID,
			Format: e.Format, Size: int64(e.Size), Width: e.Width, Height: e.Height,
		}
		if e.DurationS != nil {
			row.DurationS = *e.DurationS
		}
		if e.BitrateKb != nil {
			row.BitrateKb = int(*e.BitrateKb)
		}
		if e.PageCount != nil {
			row.Pages = int(*e.PageCount)
		}

		if !selected[sortKey(e)] {
			row.Available = false
			if err := cfg.Meta.PutVariant(row); err != nil {
				return "", err
			}
			continue
		}

		data, err := cfg.fetchVariant(ctx, e.VariantID)
		if err != nil {
			return "", err
		}
		if !idhash.Verify(e.VariantID, "b1", data) {
			syncLog.WithFields(map[string]any{"file_id": ctx.FileID, "variant_id": e.VariantID, "source": ctx.Source}).
				Warn("file sync: variant hash mismatch, storing as unavailable")
			row.Available = false
			if err := cfg.Meta.PutVariant(row); err != nil {
				return "", err
			}
			continue
		}
		if err := cfg.Blob.PutBlob(context.Background(), ctx.TnID, e.VariantID, data); err != nil {
			return "", err
		}
		row.Available = true
		if err := cfg.Meta.PutVariant(row); err != nil {
			return "", err
		}
	}

	if err := cfg.Meta.FinalizeFile(ctx.TnID, tempID, descriptor, ctx.FileID); err != nil {
		return "", err
	}
	return ctx.FileID, nil
}

// syncMaxFor resolves the configured max quality for a variant's class,
// or nil if the class (doc, raw, or anything unrecognized) always syncs
// fully.
func (cfg SyncConfig) syncMaxFor(tnID tenant.TnId, variantName string) (*Quality, error) {
	parsed, _ := ParseVariant(variantName)
	key, ok := classSyncSetting[parsed.Class]
	if !ok {
		return nil, nil
	}
	v, err := cfg.Settings.Get(tnID, key)
	if err != nil {
		return nil, err
	}
	q := Quality(v.String)
	return &q, nil
}

func (cfg SyncConfig) fetchDescriptor(ctx syncContext) (string, error) {
	url := fmt.Sprintf("%s://%s/files/%s/descriptor", cfg.scheme(), ctx.Source, ctx.FileID)
	body, _, err := cfg.fetch(ctx, url, false)
	return string(body), err
}

func (cfg SyncConfig) fetchVariant(ctx syncContext, variantID string) ([]byte, error) {
	url := fmt.Sprintf("%s://%s/files/variant/%s", cfg.scheme(), ctx.Source, variantID)
	body, _, err := cfg.fetch(ctx, url, true)
	return body, err
}

// fetch performs a GET, attaching a short-lived proxy token (spec §4.E
// storage/auth TokenProxy) when authenticate is true — a file pulled
// into visibility D is never assumed to be publicly fetchable.
func (cfg SyncConfig) fetch(ctx syncContext, url string, authenticate bool) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(context.Background(), SyncTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, clerr.Wrap(clerr.Internal, "build file sync request", err)
	}
	if authenticate {
		token, err := cfg.Auth.IssueToken(ctx.TnID, ctx.LocalIdTag, auth.TokenProxy, SyncTimeout)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := cfg.client().Do(req)
	if err != nil {
		return nil, 0, clerr.Wrap(clerr.NetworkError, "fetch "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, clerr.New(clerr.NetworkError, fmt.Sprintf("fetch %s: status %d", url, resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
	if err != nil {
		return nil, resp.StatusCode, clerr.Wrap(clerr.NetworkError, "read "+url, err)
	}
	return data, resp.StatusCode, nil
}
