package file

import "github.com/cloudillo/cloudillo/clerr"

// qualityFallbacks lists, for each requested quality, the ordered chain
// of qualities to try (requested quality first), mirroring
// get_best_file_variant's explicit match arms rather than a generic
// "walk down one step" rule — the chains are not symmetric (hd falls
// back through md/sd/tn but xd falls back through hd/md/sd/tn).
var qualityFallbacks = map[Quality][]Quality{
	QualityThumbnail: {QualityThumbnail, QualityProfile},
	QualityProfile:   {QualityProfile, QualityThumbnail},
	QualitySD:        {QualitySD, QualityMD, QualityThumbnail, QualityProfile},
	QualityMD:        {QualityMD, QualitySD, QualityThumbnail},
	QualityHD:        {QualityHD, QualityMD, QualitySD, QualityThumbnail},
	QualityXD:        {QualityXD, QualityHD, QualityMD, QualitySD, QualityThumbnail},
	QualityOriginal:  {QualityOriginal, QualityXD, QualityHD},
}

// Select returns the best matching entry from variants for the
// requested name ("class.quality", a bare legacy quality, or "" which
// defaults to the thumbnail). Variants are filtered to the requested
// class first (legacy/unparseable names count as VariantClassVisual),
// then the quality fallback chain is walked.
func Select(variants []VariantEntry, requested string) (VariantEntry, error) {
	var class VariantClass
	var quality Quality
	if requested == "" {
		class, quality = VariantClassVisual, QualityThumbnail
	} else if parsed, ok := ParseVariant(requested); ok {
		class, quality = parsed.Class, parsed.Quality
	} else {
		quality = Quality(requested)
	}

	var candidates []VariantEntry
	if class != "" {
		for _, v := range variants {
			vc := VariantClassVisual
			if parsed, ok := ParseVariant(v.Name); ok {
				vc = parsed.Class
			}
			if vc == class {
				candidates = append(candidates, v)
			}
		}
	} else {
		candidates = variants
	}

	chain, ok := qualityFallbacks[quality]
	if !ok {
		return VariantEntry{}, clerr.New(clerr.NotFound, "unknown quality requested")
	}

	for _, q := range chain {
		if v, ok := findQuality(candidates, string(q)); ok {
			return v, nil
		}
	}
	return VariantEntry{}, clerr.New(clerr.NotFound, "no matching variant")
}

func findQuality(variants []VariantEntry, quality string) (VariantEntry, bool) {
	for _, v := range variants {
		if variantMatches(v.Name, quality) {
			return v, true
		}
	}
	return VariantEntry{}, false
}
