package file

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/idhash"
)

func durP(f float64) *float64  { return &f }
func brP(n uint32) *uint32     { return &n }

var scenario3Variants = []VariantEntry{
	{Name: "vis.tn", VariantID: "b1~A", Format: "webp", Size: 2048, Width: 128, Height: 128},
	{Name: "vid.hd", VariantID: "b1~B", Format: "mp4", Size: 51200, Width: 1920, Height: 1080, DurationS: durP(120.5), BitrateKb: brP(5000)},
}

// Scenario 3 — Descriptor round-trip.
func TestDescriptorRoundTrip(t *testing.T) {
	descriptor := Generate(scenario3Variants)
	assert.True(t, len(descriptor) > 0)

	parsed, err := Parse(descriptor)
	require.NoError(t, err)

	regenerated := Generate(parsed)
	assert.Equal(t, descriptor, regenerated)
	assert.Equal(t, idhash.Hash("f1", []byte(descriptor)), idhash.Hash("f1", []byte(regenerated)))
}

// Invariant 4: parse(generate(parse(D))) == parse(D), ignoring sort
// stability (we compare via regeneration since VariantEntry has no
// natural equality for a table-driven diff).
func TestParseGenerateIdempotent(t *testing.T) {
	d1 := Generate(scenario3Variants)
	parsed1, err := Parse(d1)
	require.NoError(t, err)

	d2 := Generate(parsed1)
	parsed2, err := Parse(d2)
	require.NoError(t, err)

	assert.Equal(t, Generate(parsed1), Generate(parsed2))
}

func TestParseD1Legacy(t *testing.T) {
	desc := "d1~tn:b1~abc123:f=webp:s=2048:r=128x128,sd:b1~def456:f=webp:s=10240:r=720x720"
	variants, err := Parse(desc)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, "tn", variants[0].Name)
	assert.Equal(t, "b1~abc123", variants[0].VariantID)
	assert.Equal(t, "webp", variants[0].Format)
	assert.EqualValues(t, 2048, variants[0].Size)
	assert.Equal(t, 128, variants[0].Width)
}

func TestParseD2Current(t *testing.T) {
	desc := "d2,vis.tn:b1~abc123:f=webp:s=2048:r=128x128;vis.sd:b1~def456:f=webp:s=10240:r=720x720:dur=120.5:br=5000"
	variants, err := Parse(desc)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, "vis.sd", variants[1].Name)
	require.NotNil(t, variants[1].DurationS)
	assert.Equal(t, 120.5, *variants[1].DurationS)
	require.NotNil(t, variants[1].BitrateKb)
	assert.EqualValues(t, 5000, *variants[1].BitrateKb)
}

func TestParseRejectsUnknownPrefix(t *testing.T) {
	_, err := Parse("x9,garbage")
	assert.Error(t, err)
}

func TestParseIgnoresUnknownKv(t *testing.T) {
	desc := "d2,vis.tn:b1~abc:f=webp:s=10:r=1x1:zz=whatever"
	variants, err := Parse(desc)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "webp", variants[0].Format)
}

func TestFileIDMatchesInvariant2(t *testing.T) {
	descriptor, fileID := FileID(scenario3Variants)
	assert.True(t, idhash.Verify(fileID, "f1", []byte(descriptor)))
}
