package file

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVariantTwoLevel(t *testing.T) {
	v, ok := ParseVariant("vid.hd")
	assert.True(t, ok)
	assert.Equal(t, VariantClassVideo, v.Class)
	assert.Equal(t, QualityHD, v.Quality)
}

func TestParseVariantLegacyOneLevel(t *testing.T) {
	v, ok := ParseVariant("sd")
	assert.True(t, ok)
	assert.Equal(t, VariantClassVisual, v.Class)
	assert.Equal(t, QualitySD, v.Quality)
}

func TestParseVariantRejectsUnknownQuality(t *testing.T) {
	_, ok := ParseVariant("nonsense")
	assert.False(t, ok)
}

func TestVariantMatchesCrossFormat(t *testing.T) {
	assert.True(t, variantMatches("sd", "sd"))
	assert.True(t, variantMatches("vis.sd", "vis.sd"))
	assert.True(t, variantMatches("vis.sd", "sd"))
	assert.True(t, variantMatches("vid.hd", "hd"))
	assert.False(t, variantMatches("vis.sd", "hd"))
}

func TestVariantStringRendersTwoLevel(t *testing.T) {
	v, _ := ParseVariant("sd")
	assert.Equal(t, "vis.sd", v.String())
}
