package engine

import "chainsight/internal/model"

// Score grades how far a correlation has progressed through a model's
// phase sequence. All phases matched is critical. At least 60% of the
// phases (rounded up) is high. Meeting the model's trigger threshold
// is medium. Anything below that is low and never dispatches.
func Score(matched, totalPhases, minPhases int) model.Confidence {
	switch {
	case totalPhases > 0 && matched >= totalPhases:
		return model.ConfidenceCritical
	case matched >= highThreshold(totalPhases):
		return model.ConfidenceHigh
	case matched >= minPhases:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// highThreshold returns ceil(0.6 * total) without going through floats.
func highThreshold(total int) int {
	return (3*total + 4) / 5
}
