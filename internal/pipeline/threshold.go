package pipeline

import "math"

// ThresholdPolicy decides whether a date's existing record count is low
// enough that the date needs (re-)scraping. The policy is monotonic in the
// existing count: once a date is satisfied for a given expected volume,
// adding records can never flip it back to needing work.
type ThresholdPolicy struct {
	// ExpectedDailyCount is the baseline number of articles expected per day
	// when no historical average is available.
	ExpectedDailyCount int

	// MinCoverageRatio is the fraction of the expected volume that must be
	// present for a date to count as done. Clamped to (0, 1].
	MinCoverageRatio float64
}

// DefaultThresholdPolicy mirrors the production defaults: a day is complete
// once it holds at least 80% of the expected article volume.
func DefaultThresholdPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		ExpectedDailyCount: 40,
		MinCoverageRatio:   0.8,
	}
}

// Threshold returns the minimum record count for expected volume to be
// considered sufficient.
func (p ThresholdPolicy) Threshold(expected int) int {
	if expected <= 0 {
		expected = p.ExpectedDailyCount
	}
	ratio := p.MinCoverageRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return int(math.Ceil(float64(expected) * ratio))
}

// NeedsWork reports whether a date with the given existing record count
// should be enqueued for scraping.
func (p ThresholdPolicy) NeedsWork(existing, expected int) bool {
	if existing <= 0 {
		return true
	}
	return existing < p.Threshold(expected)
}
