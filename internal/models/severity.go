package models

// Severity labels, ordered from least to most severe.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
	SeveritySevere   = "severe"
)

// HistogramBoundaries is the single severity bucket table shared by the risk
// scoring engine and the analytics aggregations. Buckets are
// [0,25) [25,50) [50,75) [75,90) [90,100].
var HistogramBoundaries = []int{0, 25, 50, 75, 90, 100}

// SeverityLabels aligns 1:1 with the histogram buckets.
var SeverityLabels = []string{
	SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeveritySevere,
}

// SeverityFor maps a risk score to its severity bucket. Pure and total:
// out-of-range scores are clamped first.
func SeverityFor(riskScore int) string {
	score := ClampRiskScore(riskScore)
	for i := len(HistogramBoundaries) - 2; i >= 0; i-- {
		if score >= HistogramBoundaries[i] {
			return SeverityLabels[i]
		}
	}
	return SeverityLow
}

// ClampRiskScore forces a score into the [0,100] invariant range.
func ClampRiskScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
