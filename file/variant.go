// Package file implements the content-addressed file/variant system of
// spec §4.F: variant naming, descriptor grammar (d1~/d2,), variant
// selection fallback chains, and the file.id-generate finalization
// task, grounded on the original Rust file/descriptor.rs and
// file/variant.rs behavior and expressed as a scheduler.Runner/Builder
// pair the way scheduler-backed work is expressed elsewhere in this
// module.
package file

import "strings"

// VariantClass is the media-type half of a two-level variant name
// ("class.quality"). Legacy one-level names ("sd", "hd", ...) are
// interpreted as VariantClassVisual for back-compat.
type VariantClass string

const (
	VariantClassVisual VariantClass = "vis"
	VariantClassVideo  VariantClass = "vid"
	VariantClassAudio  VariantClass = "aud"
	VariantClassDoc    VariantClass = "doc"
	VariantClassRaw    VariantClass = "raw"
)

// Quality is the resolution/fidelity tier of a variant.
type Quality string

const (
	QualityThumbnail Quality = "tn"
	QualityProfile   Quality = "pf"
	QualitySD        Quality = "sd"
	QualityMD        Quality = "md"
	QualityHD        Quality = "hd"
	QualityXD        Quality = "xd"
	QualityOriginal  Quality = "orig"
)

// Variant is a parsed "class.quality" or legacy "quality" variant name.
type Variant struct {
	Class   VariantClass
	Quality Quality
}

// ParseVariant parses a variant name. A one-level legacy name ("sd")
// parses to class=Visual. A two-level name ("vid.hd") splits on the
// first '.'. An unrecognized class still parses (forward compat with
// classes this build doesn't know about yet) but an unrecognized
// quality does not — the descriptor grammar's "ignore unknown kv" rule
// does not extend to the variant name itself.
func ParseVariant(name string) (Variant, bool) {
	class, quality, ok := strings.Cut(name, ".")
	if !ok {
		return Variant{Class: VariantClassVisual, Quality: Quality(class)}, isKnownQuality(Quality(class))
	}
	return Variant{Class: VariantClass(class), Quality: Quality(quality)}, isKnownQuality(Quality(quality))
}

func isKnownQuality(q Quality) bool {
	switch q {
	case QualityThumbnail, QualityProfile, QualitySD, QualityMD, QualityHD, QualityXD, QualityOriginal:
		return true
	default:
		return false
	}
}

// String renders the two-level form, even for a Variant parsed from a
// legacy one-level name — descriptor generation always emits the
// current format regardless of what was parsed.
func (v Variant) String() string {
	return string(v.Class) + "." + string(v.Quality)
}

// normalizeVariantName returns the quality portion of a two-level name,
// or the name itself if it has no class prefix — used to match a
// legacy stored variant against a two-level selection request and
// vice versa.
func normalizeVariantName(name string) string {
	if _, quality, ok := strings.Cut(name, "."); ok {
		return quality
	}
	return name
}

// variantMatches reports whether a stored variant name satisfies a
// requested name, accepting legacy/new-format crossover in either
// direction (stored "sd" matches requested "vis.sd" and vice versa).
func variantMatches(stored, requested string) bool {
	if stored == requested {
		return true
	}
	if strings.Contains(requested, ".") {
		s, sok := ParseVariant(stored)
		r, rok := ParseVariant(requested)
		return sok && rok && s == r
	}
	if parsed, ok := ParseVariant(stored); ok && string(parsed.Quality) == requested {
		return true
	}
	return normalizeVariantName(stored) == requested
}
