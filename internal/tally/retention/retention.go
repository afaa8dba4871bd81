// Package retention estimates how much of a cohort came back, using only the
// cardinality sketches of the two populations.
//
// Sketches cannot be intersected directly, but their union can be estimated
// by merging. Inclusion-exclusion then gives
//
//	|A ∩ B| = |A| + |B| - |A ∪ B|
//
// Each of the three terms carries its own estimation error, so the raw
// overlap can fall outside what is logically possible (below zero, or above
// the smaller population). The result is clamped into [0, min(|A|, |B|)].
package retention

import (
	"math"

	"tally.lopezb.com/internal/tally/hyperloglog"
)

// Result is a retention estimate.
type Result struct {
	CohortSize    uint64  `json:"cohortSize"`
	ReturnedUsers uint64  `json:"returnedUsers"`
	Rate          float64 `json:"rate"` // Percentage, 0 to 100.
}

// Estimate returns the share of cohort that also appears in returning.
// Neither sketch is modified. Sketches of different precision cannot be
// combined and return hyperloglog.ErrPrecisionMismatch.
func Estimate(cohort, returning *hyperloglog.HLL) (Result, error) {
	union, err := hyperloglog.Union(cohort, returning)
	if err != nil {
		return Result{}, err
	}

	a := cohort.Estimate()
	b := returning.Estimate()

	overlap := a + b - union.Estimate()
	overlap = math.Max(0, math.Min(overlap, math.Min(a, b)))

	res := Result{
		CohortSize:    uint64(math.Round(a)),
		ReturnedUsers: uint64(math.Round(overlap)),
	}

	if res.CohortSize > 0 {
		res.Rate = overlap / a * 100
	}

	return res, nil
}
