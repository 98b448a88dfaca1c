package scoring

import (
	"math"
	"strings"
)

// Severity is the per-assignment plagiarism penalty tier chosen by the instructor.
type Severity string

const (
	SeverityEasy   Severity = "easy"
	SeverityMedium Severity = "medium"
	SeverityHard   Severity = "hard"

	// DefaultSeverity applies whenever the stored value is empty or unrecognised.
	DefaultSeverity = SeverityMedium
)

var deductions = map[Severity]float64{
	SeverityEasy:   0.10,
	SeverityMedium: 0.25,
	SeverityHard:   0.50,
}

// ParseSeverity normalises a raw severity value, falling back to DefaultSeverity.
func ParseSeverity(raw string) Severity {
	level := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := deductions[level]; ok {
		return level
	}
	return DefaultSeverity
}

// IsValidSeverity reports whether raw names one of the known tiers exactly.
func IsValidSeverity(raw string) bool {
	_, ok := deductions[Severity(strings.ToLower(strings.TrimSpace(raw)))]
	return ok
}

// Deduction returns the fraction removed from the correctness score when plagiarism is found.
func (s Severity) Deduction() float64 {
	if d, ok := deductions[s]; ok {
		return d
	}
	return deductions[DefaultSeverity]
}

// FinalScore derives the grade from the stored correctness score, the stored
// plagiarism result and the assignment's current severity. A nil correctness
// score yields a nil final score.
func FinalScore(correctness *float64, result string, severity Severity) *float64 {
	if correctness == nil {
		return nil
	}

	base := *correctness
	final := base
	if result == PlagiarismFound {
		final = base * (1 - severity.Deduction())
	}

	final = RoundOneDecimal(final)
	if final > base {
		final = base
	}
	if final < 0 {
		final = 0
	}

	return &final
}

// RoundOneDecimal rounds half away from zero to one decimal place.
func RoundOneDecimal(value float64) float64 {
	return math.Round(value*10) / 10
}
