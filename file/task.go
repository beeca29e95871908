package file

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

// KindIDGenerate is the scheduler kind name for the finalization task,
// scheduled once the last expected variant for a pending file lands.
const KindIDGenerate = "file.id-generate"

// idGenerateContext is what Builder reconstructs from a task's Input
// string, which is just "<tn_id>,<temp_id>".
type idGenerateContext struct {
	TnID   tenant.TnId
	TempID string
}

// BuildIDGenerate is the scheduler.Builder for KindIDGenerate.
func BuildIDGenerate(taskID, input string) (any, error) {
	tnIDStr, tempID, ok := strings.Cut(input, ",")
	if !ok {
		return nil, clerr.New(clerr.Internal, "invalid file.id-generate input")
	}
	n, err := strconv.ParseInt(tnIDStr, 10, 64)
	if err != nil {
		return nil, clerr.Wrap(clerr.Internal, "invalid tn_id in file.id-generate input", err)
	}
	return idGenerateContext{TnID: tenant.TnId(n), TempID: tempID}, nil
}

// Input serializes a scheduler.Schedule() input string for KindIDGenerate.
func Input(tnID tenant.TnId, tempID string) string {
	return fmt.Sprintf("%d,%s", tnID, tempID)
}

// NewRunner binds the meta adapter into a scheduler.Runner for
// KindIDGenerate: list variants, sort, generate descriptor, hash to
// file_id, finalize atomically.
func NewRunner(metaAdapter *meta.Adapter) scheduler.Runner {
	return func(rc scheduler.RunContext) (string, error) {
		ctx, ok := rc.Context.(idGenerateContext)
		if !ok {
			return "", clerr.New(clerr.Internal, "file.id-generate: missing build context")
		}

		rows, err := metaAdapter.ListVariants(ctx.TnID, ctx.TempID)
		if err != nil {
			return "", err
		}

		entries := make([]VariantEntry, 0, len(rows))
		for _, r := range rows {
			entry := VariantEntry{
				Name:      r.Name,
				VariantID: r.VariantID,
				Format:    r.Format,
				Size:      uint64(r.Size),
				Width:     r.Width,
				Height:    r.Height,
			}
			if r.DurationS != 0 {
				d := r.DurationS
				entry.DurationS = &d
			}
			if r.BitrateKb != 0 {
				br := uint32(r.BitrateKb)
				entry.BitrateKb = &br
			}
			if r.Pages != 0 {
				pg := uint32(r.Pages)
				entry.PageCount = &pg
			}
			entries = append(entries, entry)
		}

		descriptor, fileID := FileID(entries)
		if err := metaAdapter.FinalizeFile(ctx.TnID, ctx.TempID, descriptor, fileID); err != nil {
			return "", err
		}
		return fileID, nil
	}
}
