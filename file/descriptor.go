package file

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/idhash"
)

// DescriptorVersion distinguishes the two on-wire descriptor formats.
// Parsing accepts both; generation always emits V2.
type DescriptorVersion int

const (
	DescriptorV1 DescriptorVersion = iota // "d1~", entries separated by ',', ids keep their own '~'
	DescriptorV2                          // "d2,", entries separated by ';'
)

func (v DescriptorVersion) prefix() string {
	if v == DescriptorV1 {
		return "d1~"
	}
	return "d2,"
}

func (v DescriptorVersion) entrySeparator() byte {
	if v == DescriptorV1 {
		return ','
	}
	return ';'
}

// VariantEntry is one row of a parsed or to-be-generated descriptor.
type VariantEntry struct {
	Name       string // "vis.tn" (or legacy "tn")
	VariantID  string // "b1<hex>" (idhash.Hash("b1", bytes))
	Format     string
	Size       uint64
	Width      int
	Height     int
	DurationS  *float64
	BitrateKb  *uint32
	PageCount  *uint32
}

// sortKey gives variants a deterministic order before hashing, per spec
// invariant 4: name first (so output is stable regardless of insertion
// order), then variant id as a tiebreaker.
func sortKey(e VariantEntry) string { return e.Name + "\x00" + e.VariantID }

func sortEntries(entries []VariantEntry) []VariantEntry {
	sorted := append([]VariantEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sortKey(sorted[i]) < sortKey(sorted[j]) })
	return sorted
}

// Generate renders entries in sorted order (the caller's slice is left
// unmodified) into the current
// "d2," descriptor format. file_id = idhash.Hash("f1", []byte(descriptor)).
func Generate(entries []VariantEntry) string {
	sorted := sortEntries(entries)
	var b strings.Builder
	b.WriteString(DescriptorV2.prefix())
	for i, e := range sorted {
		if i > 0 {
			b.WriteByte(DescriptorV2.entrySeparator())
		}
		fmt.Fprintf(&b, "%s:%s:f=%s:s=%d:r=%dx%d", e.Name, e.VariantID, e.Format, e.Size, e.Width, e.Height)
		if e.DurationS != nil {
			fmt.Fprintf(&b, ":dur=%s", formatFloat(*e.DurationS))
		}
		if e.BitrateKb != nil {
			fmt.Fprintf(&b, ":br=%d", *e.BitrateKb)
		}
		if e.PageCount != nil {
			fmt.Fprintf(&b, ":pg=%d", *e.PageCount)
		}
	}
	return b.String()
}

// formatFloat trims a trailing ".0" the way Rust's default float
// Display does NOT — 120.5 stays 120.5, but integral durations render
// without spurious precision (120 rather than 120.000000).
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Parse accepts both "d1~" and "d2," descriptors and returns their
// variant entries, unsorted (in on-wire order).
func Parse(descriptor string) ([]VariantEntry, error) {
	var version DescriptorVersion
	var body string
	switch {
	case strings.HasPrefix(descriptor, "d2,"):
		version = DescriptorV2
		body = descriptor[len("d2,"):]
	case strings.HasPrefix(descriptor, "d1~"):
		version = DescriptorV1
		body = descriptor[len("d1~"):]
	default:
		return nil, clerr.New(clerr.Parse, "unrecognized descriptor prefix")
	}

	if body == "" {
		return nil, nil
	}

	var entries []VariantEntry
	for _, raw := range strings.Split(body, string(version.entrySeparator())) {
		if raw == "" {
			continue
		}
		entry, err := parseEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseEntry(raw string) (VariantEntry, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return VariantEntry{}, clerr.New(clerr.Parse, "malformed variant entry")
	}

	entry := VariantEntry{Name: parts[0], VariantID: parts[1], Format: "avif"}
	haveResolution, haveSize := false, false

	for _, kv := range parts[2:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue // unknown/malformed kv token: ignore for forward compat
		}
		switch key {
		case "f":
			entry.Format = val
		case "s":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return VariantEntry{}, clerr.Wrap(clerr.Parse, "bad size", err)
			}
			entry.Size, haveSize = n, true
		case "r":
			w, h, ok := strings.Cut(val, "x")
			if !ok {
				return VariantEntry{}, clerr.New(clerr.Parse, "bad resolution")
			}
			wi, err := strconv.Atoi(w)
			if err != nil {
				return VariantEntry{}, clerr.Wrap(clerr.Parse, "bad resolution width", err)
			}
			hi, err := strconv.Atoi(h)
			if err != nil {
				return VariantEntry{}, clerr.Wrap(clerr.Parse, "bad resolution height", err)
			}
			entry.Width, entry.Height, haveResolution = wi, hi, true
		case "dur":
			d, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return VariantEntry{}, clerr.Wrap(clerr.Parse, "bad duration", err)
			}
			entry.DurationS = &d
		case "br":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return VariantEntry{}, clerr.Wrap(clerr.Parse, "bad bitrate", err)
			}
			br := uint32(n)
			entry.BitrateKb = &br
		case "pg":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return VariantEntry{}, clerr.Wrap(clerr.Parse, "bad page count", err)
			}
			pg := uint32(n)
			entry.PageCount = &pg
		default:
			// unknown kv key: ignore, forward compat
		}
	}

	if !haveResolution || !haveSize {
		return VariantEntry{}, clerr.New(clerr.Parse, "variant entry missing required field")
	}
	return entry, nil
}

// FileID computes file_id from a set of finalized variants: sort, render
// the d2 descriptor, hash. This is the only place file_id is computed —
// the file.id-generate task (task.go) calls this and hands the result to
// meta.FinalizeFile, which never rederives it.
func FileID(entries []VariantEntry) (descriptor string, fileID string) {
	descriptor = Generate(entries)
	return descriptor, idhash.Hash("f1", []byte(descriptor))
}
