package validate

import "github.com/danshapiro/poirot/internal/model"

// ComputeConfidence reduces a relationship's evidence to one score in [0,1].
//
// The base is the mean raw confidence. Each additional distinct pass that
// confirmed the relationship closes 20% of the remaining gap to 1, and each
// distinct pass that observed a different type between the same POI pair
// halves the score. A deterministic observation short-circuits to 1: line
// ranges do not hallucinate.
func ComputeConfidence(evidence []model.Evidence, contradicting []model.Pass) float64 {
	if len(evidence) == 0 {
		return 0
	}

	passes := map[model.Pass]bool{}
	sum := 0.0
	for _, e := range evidence {
		if e.Pass == model.PassDeterministic {
			return 1
		}
		passes[e.Pass] = true
		sum += e.RawConfidence
	}

	score := sum / float64(len(evidence))
	for i := 1; i < len(passes); i++ {
		score += (1 - score) * 0.2
	}
	for range contradicting {
		score *= 0.5
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
