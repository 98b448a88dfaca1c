package scoring

const (
	LabelStrong  = "Strong"
	LabelPartial = "Partial"
	LabelWeak    = "Weak"

	strongCutoff  = 70.0
	partialCutoff = 40.0
)

// CorrectnessLabel buckets a 0-100 correctness score.
func CorrectnessLabel(score float64) string {
	switch {
	case score >= strongCutoff:
		return LabelStrong
	case score >= partialCutoff:
		return LabelPartial
	default:
		return LabelWeak
	}
}

// ClampScore bounds a score to [0, 100].
func ClampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
