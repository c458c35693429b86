package validate

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// PresetCustom selects caller-supplied weights.
const PresetCustom = "custom"

// PresetBalanced is the fallback for anything unparsable.
const PresetBalanced = "balanced"

const defaultWeight = 25

var presets = map[string]report.Weights{
	PresetBalanced: {Relevance: 25, Specificity: 25, Originality: 25, Credibility: 25},
	"research":     {Relevance: 40, Specificity: 30, Originality: 10, Credibility: 20},
	"creative":     {Relevance: 20, Specificity: 10, Originality: 50, Credibility: 20},
	"critical":     {Relevance: 30, Specificity: 20, Originality: 10, Credibility: 40},
}

// Preset returns the fixed weights for a named preset.
func Preset(name string) (report.Weights, bool) {
	w, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return w, ok
}

// ParseWeights resolves the scoring weights. A known non-custom preset wins;
// otherwise raw is read as a JSON object of the four weights, each clamped to
// [0,100] with absent fields defaulting to 25. Anything unparsable yields the
// balanced preset. It never fails.
func ParseWeights(raw, preset string) report.Weights {
	if w, ok := Preset(preset); ok {
		return w
	}
	balanced := presets[PresetBalanced]
	var fields map[string]*float64
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return balanced
	}
	return report.Weights{
		Relevance:   weightField(fields["relevance"]),
		Specificity: weightField(fields["specificity"]),
		Originality: weightField(fields["originality"]),
		Credibility: weightField(fields["credibility"]),
	}
}

func weightField(v *float64) int {
	if v == nil || math.IsNaN(*v) {
		return defaultWeight
	}
	return int(math.Round(math.Min(math.Max(*v, 0), 100)))
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
