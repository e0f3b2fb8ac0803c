package ensemble

import "fmt"

// CompositeScore reduces a per-criterion breakdown to a single score via a
// weighted mean. Criteria weights apply by name; a criterion absent from the
// config (or with weight <= 0) counts with weight 1. An empty breakdown is an
// evaluator contract violation, as is any criterion score outside [0,1].
func CompositeScore(breakdown map[string]float64, criteria []Criterion) (float64, error) {
	if len(breakdown) == 0 {
		return 0, fmt.Errorf("breakdown is empty")
	}

	weights := make(map[string]float64, len(criteria))
	for _, c := range criteria {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		weights[c.Name] = w
	}

	var sum, totalWeight float64
	for name, score := range breakdown {
		if score < 0 || score > 1 {
			return 0, fmt.Errorf("criterion %q score %v outside [0,1]", name, score)
		}
		w, ok := weights[name]
		if !ok {
			w = 1
		}
		sum += score * w
		totalWeight += w
	}

	return sum / totalWeight, nil
}

// ScoreBand labels where a score falls relative to the configured thresholds.
// Bands above the minimum are informational only.
type ScoreBand string

const (
	BandBelowMinimum ScoreBand = "below_minimum"
	BandAcceptable   ScoreBand = "acceptable"
	BandTarget       ScoreBand = "target"
	BandExcellent    ScoreBand = "excellent"
)

// Band classifies a score against the thresholds
func (t Thresholds) Band(score float64) ScoreBand {
	switch {
	case score < t.Minimum:
		return BandBelowMinimum
	case score >= t.Excellent:
		return BandExcellent
	case score >= t.Target:
		return BandTarget
	default:
		return BandAcceptable
	}
}
