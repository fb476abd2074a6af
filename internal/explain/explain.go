// Package explain builds the factor breakdowns shared by the fraud
// scorer and the rating engine.
package explain

import (
	"math"
	"sort"

	"github.com/rto-platform/harrier/internal/domain"
)

// Build orders factors by descending magnitude of contribution and pairs
// them with a summary sentence. The ordering is stable so equal
// contributions keep their input order.
func Build(factors []domain.Factor, summary string) domain.Explanation {
	sorted := make([]domain.Factor, len(factors))
	copy(sorted, factors)

	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Contribution) > math.Abs(sorted[j].Contribution)
	})

	return domain.Explanation{
		Factors: sorted,
		Summary: summary,
	}
}

// Dominant returns the factor with the largest absolute contribution.
func Dominant(factors []domain.Factor) (domain.Factor, bool) {
	if len(factors) == 0 {
		return domain.Factor{}, false
	}

	best := factors[0]
	for _, f := range factors[1:] {
		if math.Abs(f.Contribution) > math.Abs(best.Contribution) {
			best = f
		}
	}
	return best, true
}

// DominantSigned returns the strongest positive and strongest negative
// factors, if any. Used by the rating engine's summary sentence.
func DominantSigned(factors []domain.Factor) (positive, negative *domain.Factor) {
	for i := range factors {
		f := &factors[i]
		switch {
		case f.Contribution > 0 && (positive == nil || f.Contribution > positive.Contribution):
			positive = f
		case f.Contribution < 0 && (negative == nil || f.Contribution < negative.Contribution):
			negative = f
		}
	}
	return positive, negative
}
