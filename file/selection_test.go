package file

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectExactMatch(t *testing.T) {
	variants := []VariantEntry{
		{Name: "vis.tn", VariantID: "b1~a"},
		{Name: "vis.hd", VariantID: "b1~b"},
	}
	got, err := Select(variants, "vis.hd")
	require.NoError(t, err)
	assert.Equal(t, "b1~b", got.VariantID)
}

func TestSelectFallsBackToLowerQuality(t *testing.T) {
	variants := []VariantEntry{
		{Name: "vis.tn", VariantID: "b1~thumb"},
	}
	got, err := Select(variants, "vis.hd")
	require.NoError(t, err)
	assert.Equal(t, "b1~thumb", got.VariantID)
}

func TestSelectSDFallsBackThroughMDThenThumbnail(t *testing.T) {
	variants := []VariantEntry{
		{Name: "vis.tn", VariantID: "b1~thumb"},
	}
	got, err := Select(variants, "vis.sd")
	require.NoError(t, err)
	assert.Equal(t, "b1~thumb", got.VariantID)
}

func TestSelectFiltersByClass(t *testing.T) {
	variants := []VariantEntry{
		{Name: "vid.hd", VariantID: "b1~video"},
		{Name: "vis.hd", VariantID: "b1~image"},
	}
	got, err := Select(variants, "vis.hd")
	require.NoError(t, err)
	assert.Equal(t, "b1~image", got.VariantID)
}

func TestSelectLegacyNameCountsAsVisual(t *testing.T) {
	variants := []VariantEntry{
		{Name: "hd", VariantID: "b1~legacy"},
	}
	got, err := Select(variants, "vis.hd")
	require.NoError(t, err)
	assert.Equal(t, "b1~legacy", got.VariantID)
}

func TestSelectDefaultsToThumbnail(t *testing.T) {
	variants := []VariantEntry{
		{Name: "vis.tn", VariantID: "b1~thumb"},
	}
	got, err := Select(variants, "")
	require.NoError(t, err)
	assert.Equal(t, "b1~thumb", got.VariantID)
}

func TestSelectNotFound(t *testing.T) {
	_, err := Select(nil, "vis.hd")
	assert.Error(t, err)
}
