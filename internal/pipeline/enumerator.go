package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Enumerator walks the configured date range in ascending order and enqueues
// a work item for every date whose existing record count falls below the
// threshold policy. It consults the oracle for every date and never guesses:
// if the store cannot answer, enumeration stops with an error instead of
// enqueueing work that may already be done.
type Enumerator struct {
	queue  WorkQueue
	oracle Oracle
	policy ThresholdPolicy
}

// NewEnumerator creates an enumerator.
func NewEnumerator(queue WorkQueue, oracle Oracle, policy ThresholdPolicy) *Enumerator {
	return &Enumerator{queue: queue, oracle: oracle, policy: policy}
}

// rollingMinHistory is the number of populated days that must be observed
// before the expected daily volume switches from the configured baseline to
// the rolling average of observed counts.
const rollingMinHistory = 7

// Run enumerates [start, end] inclusive and returns the number of work items
// actually enqueued. Dates already queued from an earlier run are skipped by
// the queue's insert, so re-running after a partial failure is safe.
func (e *Enumerator) Run(ctx context.Context, start, end time.Time) (int, error) {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return 0, fmt.Errorf("enumeration range ends (%s) before it starts (%s)",
			end.Format(DateFormat), start.Format(DateFormat))
	}

	var (
		needed       []time.Time
		observedSum  int
		observedDays int
	)
	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		count, err := e.oracle.CountFor(ctx, date)
		if err != nil {
			return 0, fmt.Errorf("enumeration halted at %s: %w", date.Format(DateFormat), err)
		}

		// Once enough populated days have been seen, the expected volume
		// tracks the rolling average of observed counts instead of the
		// configured baseline.
		expected := e.policy.ExpectedDailyCount
		if observedDays >= rollingMinHistory {
			expected = observedSum / observedDays
		}
		if count > 0 {
			observedSum += count
			observedDays++
		}

		if !e.policy.NeedsWork(count, expected) {
			log.Debug().
				Str("date", date.Format(DateFormat)).
				Int("existing", count).
				Int("expected", expected).
				Msg("Date already sufficiently covered, skipping")
			continue
		}
		needed = append(needed, date)
	}

	enqueued, err := e.queue.EnqueueDates(ctx, needed)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue enumerated dates: %w", err)
	}

	log.Info().
		Str("start", start.Format(DateFormat)).
		Str("end", end.Format(DateFormat)).
		Int("dates_below_threshold", len(needed)).
		Int("enqueued", enqueued).
		Msg("Enumeration finished")
	return enqueued, nil
}
