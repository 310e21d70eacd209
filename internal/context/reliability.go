package context

import "math"

// =============================================================================
// Compression Reliability Scoring
// =============================================================================
// Each compression pass is lossy, and smaller models summarize less
// faithfully, so reliability degrades as compressions accumulate within a
// session. The score feeds user-facing warnings only; it never blocks an
// operation.

// perCompressionDecay is the multiplicative reliability loss per pass.
const perCompressionDecay = 0.97

// ScoreReliability derives a [0,1] reliability score from the model's
// parameter count (billions) and the cumulative compression count for the
// session. Monotonically non-increasing in compressionCount.
func ScoreReliability(modelParamsB float64, compressionCount int) Reliability {
	if modelParamsB <= 0 {
		modelParamsB = 1
	}
	if compressionCount < 0 {
		compressionCount = 0
	}

	// Larger models start closer to 1.0; a 7-8B model starts around 0.85.
	base := math.Min(1.0, 0.65+modelParamsB/40.0)
	score := base * math.Pow(perCompressionDecay, float64(compressionCount))

	return Reliability{Score: score, Level: reliabilityLevel(score)}
}

func reliabilityLevel(score float64) ReliabilityLevel {
	switch {
	case score >= 0.90:
		return ReliabilityExcellent
	case score >= 0.75:
		return ReliabilityGood
	case score >= 0.50:
		return ReliabilityModerate
	case score >= 0.25:
		return ReliabilityLow
	default:
		return ReliabilityCritical
	}
}
