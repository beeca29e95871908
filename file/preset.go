package file

// Preset determines which variants are derived from an uploaded
// original. Each preset lists the media classes it derives and the
// maximum quality to generate per class; "archive" deliberately lists
// none (store the original only, no derived work).
type Preset struct {
	Name       string
	MaxQuality map[VariantClass]Quality
}

var presets = map[string]Preset{
	"default": {
		Name: "default",
		MaxQuality: map[VariantClass]Quality{
			VariantClassVisual: QualityHD,
			VariantClassVideo:  QualityHD,
			VariantClassAudio:  QualityOriginal,
			VariantClassDoc:    QualityOriginal,
		},
	},
	"podcast": {
		Name: "podcast",
		MaxQuality: map[VariantClass]Quality{
			VariantClassAudio: QualityOriginal,
		},
	},
	"archive": {
		Name:       "archive",
		MaxQuality: map[VariantClass]Quality{},
	},
	"high_quality": {
		Name: "high_quality",
		MaxQuality: map[VariantClass]Quality{
			VariantClassVisual: QualityXD,
			VariantClassVideo:  QualityXD,
			VariantClassAudio:  QualityOriginal,
			VariantClassDoc:    QualityOriginal,
		},
	},
	"mobile": {
		Name: "mobile",
		MaxQuality: map[VariantClass]Quality{
			VariantClassVisual: QualitySD,
			VariantClassVideo:  QualitySD,
			VariantClassAudio:  QualityOriginal,
		},
	},
	"video": {
		Name: "video",
		MaxQuality: map[VariantClass]Quality{
			VariantClassVideo: QualityHD,
			VariantClassAudio: QualityOriginal,
		},
	},
}

// PresetByName looks up a registered preset, falling back to "default"
// for an unrecognized name rather than erroring — an unknown preset on
// an uploaded file shouldn't block the upload from completing.
func PresetByName(name string) Preset {
	if p, ok := presets[name]; ok {
		return p
	}
	return presets["default"]
}

// Allows reports whether this preset derives variants of the given
// class at all.
func (p Preset) Allows(class VariantClass) bool {
	_, ok := p.MaxQuality[class]
	return ok
}
