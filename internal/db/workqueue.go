package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// ErrLeaseLost is returned when a worker tries to complete or fail a work
// item whose lease it no longer holds.
var ErrLeaseLost = errors.New("work item lease not held")

// WorkQueue is the PostgreSQL-backed durable backlog of per-date work items.
// Claims are leases: an item not completed or failed before its lease expires
// becomes reclaimable by any worker.
type WorkQueue struct {
	db        *DB
	tuning    QueueTuning
	onRetired func(ctx context.Context, item *pipeline.WorkItem)
}

// NewWorkQueue creates a work queue over an existing database connection.
func NewWorkQueue(db *DB, tuning QueueTuning) *WorkQueue {
	return &WorkQueue{db: db, tuning: tuning}
}

// OnRetired registers a callback invoked when Claim retires an item whose
// lease-loss budget ran out, so that retirement reaches operators no matter
// which path detects it. Sweep-path retirements are reported through
// ReleaseExpired's return value instead.
func (q *WorkQueue) OnRetired(fn func(ctx context.Context, item *pipeline.WorkItem)) {
	q.onRetired = fn
}

// EnqueueDates inserts one pending work item per date, in ascending order,
// inside a single transaction. Dates that already have a work item are left
// untouched, which makes re-running enumeration safe.
func (q *WorkQueue) EnqueueDates(ctx context.Context, dates []time.Time) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}

	inserted := 0
	err := q.db.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO work_items (id, work_date, status, created_at)
			VALUES ($1, $2, 'pending', NOW())
			ON CONFLICT (work_date) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare work item insert: %w", err)
		}
		defer stmt.Close()

		for _, date := range dates {
			res, err := stmt.ExecContext(ctx, uuid.New().String(), pipeline.Day(date))
			if err != nil {
				return fmt.Errorf("failed to insert work item for %s: %w", date.Format(pipeline.DateFormat), err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Claim leases the oldest claimable work item to workerID for the configured
// lease duration. Items whose previous lease expired are reclaimable; each
// reclaim consumes one unit of the item's retry budget, and items past the
// budget are marked permanently failed instead of being handed out again.
// Returns (nil, nil) when no work is available.
func (q *WorkQueue) Claim(ctx context.Context, workerID string) (*pipeline.WorkItem, error) {
	for {
		item, exhausted, err := q.claimOnce(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if exhausted != nil {
			// A crashed-too-often item was retired; look for the next one.
			log.Warn().
				Str("work_date", exhausted.DateString()).
				Int("retry_count", exhausted.RetryCount).
				Msg("Work item exhausted its lease-loss budget, marked failed")
			if q.onRetired != nil {
				q.onRetired(ctx, exhausted)
			}
			continue
		}
		return item, nil
	}
}

func (q *WorkQueue) claimOnce(ctx context.Context, workerID string) (claimed, exhausted *pipeline.WorkItem, err error) {
	var item pipeline.WorkItem
	var retired bool

	err = q.db.Execute(ctx, func(tx *sql.Tx) error {
		var status string
		row := tx.QueryRowContext(ctx, `
			SELECT id, work_date, status, retry_count, created_at
			FROM work_items
			WHERE (status = 'pending' AND (not_before IS NULL OR not_before <= NOW()))
			   OR (status = 'claimed' AND lease_expires_at < NOW())
			ORDER BY work_date ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`)
		if err := row.Scan(&item.ID, &item.Date, &status, &item.RetryCount, &item.CreatedAt); err != nil {
			return err
		}

		if status == string(pipeline.WorkStatusClaimed) {
			// Expired lease: the previous holder crashed or stalled.
			item.RetryCount++
			if item.RetryCount > q.tuning.WorkMaxRetries {
				retired = true
				item.Status = pipeline.WorkStatusFailed
				_, err := tx.ExecContext(ctx, `
					UPDATE work_items
					SET status = 'failed', error = $1, retry_count = $2, completed_at = NOW()
					WHERE id = $3
				`, "lease-loss retry budget exhausted", item.RetryCount, item.ID)
				return err
			}
		}

		now := time.Now().UTC()
		item.Status = pipeline.WorkStatusClaimed
		item.ClaimedBy = workerID
		item.ClaimedAt = now
		item.LeaseExpiresAt = now.Add(q.tuning.LeaseDuration)

		_, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'claimed', claimed_by = $1, claimed_at = $2,
				lease_expires_at = $3, retry_count = $4
			WHERE id = $5
		`, workerID, item.ClaimedAt, item.LeaseExpiresAt, item.RetryCount, item.ID)
		if err != nil {
			return fmt.Errorf("failed to lease work item: %w", err)
		}
		return nil
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if retired {
		return nil, &item, nil
	}
	return &item, nil, nil
}

// Complete marks a claimed work item as done. The caller must still hold the
// lease; ErrLeaseLost means the item expired and was handed to someone else.
func (q *WorkQueue) Complete(ctx context.Context, workerID, itemID string) error {
	res, err := q.db.client.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'completed', completed_at = NOW(), error = NULL
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'
	`, itemID, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail releases a claimed work item after an unrecoverable per-date error.
// The item is requeued with backoff until its retry budget runs out, at
// which point it stays failed and is surfaced for operator attention.
// The returned flag reports whether the item was permanently retired.
func (q *WorkQueue) Fail(ctx context.Context, workerID, itemID, reason string) (retired bool, err error) {
	err = q.db.Execute(ctx, func(tx *sql.Tx) error {
		var retryCount int
		row := tx.QueryRowContext(ctx, `
			SELECT retry_count FROM work_items
			WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'
			FOR UPDATE
		`, itemID, workerID)
		if err := row.Scan(&retryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrLeaseLost
			}
			return fmt.Errorf("failed to load work item for failure: %w", err)
		}

		retryCount++
		if retryCount > q.tuning.WorkMaxRetries {
			retired = true
			_, err := tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = 'failed', error = $1, retry_count = $2, completed_at = NOW()
				WHERE id = $3
			`, reason, retryCount, itemID)
			return err
		}

		delay := Backoff(retryCount-1, q.tuning.RetryBaseDelay, q.tuning.RetryMaxDelay)
		_, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
				lease_expires_at = NULL, not_before = NOW() + $1 * INTERVAL '1 second',
				retry_count = $2, error = $3
			WHERE id = $4
		`, int(delay.Seconds()), retryCount, reason, itemID)
		return err
	})
	return retired, err
}

// ReleaseExpired sweeps work items whose lease lapsed without an explicit
// complete or fail. Items with budget left silently return to the pool
// (coordination loss is not an error); items past the budget are retired and
// returned so the caller can raise an operator alert.
func (q *WorkQueue) ReleaseExpired(ctx context.Context) ([]pipeline.WorkItem, error) {
	span := sentry.StartSpan(ctx, "workqueue.release_expired")
	defer span.Finish()

	var retiredItems []pipeline.WorkItem

	err := q.db.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
				lease_expires_at = NULL, retry_count = retry_count + 1
			WHERE status = 'claimed' AND lease_expires_at < NOW()
			  AND retry_count < $1
		`, q.tuning.WorkMaxRetries)
		if err != nil {
			return fmt.Errorf("failed to release expired leases: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Info().Int64("released", n).Msg("Returned expired work item leases to the pool")
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE work_items
			SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
				retry_count = retry_count + 1,
				error = 'lease-loss retry budget exhausted', completed_at = NOW()
			WHERE status = 'claimed' AND lease_expires_at < NOW()
			  AND retry_count >= $1
			RETURNING id, work_date, retry_count
		`, q.tuning.WorkMaxRetries)
		if err != nil {
			return fmt.Errorf("failed to retire expired work items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var item pipeline.WorkItem
			if err := rows.Scan(&item.ID, &item.Date, &item.RetryCount); err != nil {
				return err
			}
			item.Status = pipeline.WorkStatusFailed
			retiredItems = append(retiredItems, item)
		}
		return rows.Err()
	})
	if err != nil {
		span.SetTag("error", "true")
		return nil, err
	}
	return retiredItems, nil
}

// ListFailed returns permanently failed work items in chronological order,
// the work-level analogue of the DLQ.
func (q *WorkQueue) ListFailed(ctx context.Context) ([]pipeline.WorkItem, error) {
	rows, err := q.db.client.QueryContext(ctx, `
		SELECT id, work_date, retry_count, COALESCE(error, ''), created_at
		FROM work_items
		WHERE status = 'failed'
		ORDER BY work_date ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed work items: %w", err)
	}
	defer rows.Close()

	var items []pipeline.WorkItem
	for rows.Next() {
		var item pipeline.WorkItem
		if err := rows.Scan(&item.ID, &item.Date, &item.RetryCount, &item.Error, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Status = pipeline.WorkStatusFailed
		items = append(items, item)
	}
	return items, rows.Err()
}

// Redrive puts a permanently failed work item back on the queue with a fresh
// retry budget. Manual operator action only.
func (q *WorkQueue) Redrive(ctx context.Context, date time.Time) error {
	res, err := q.db.client.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'pending', retry_count = 0, error = NULL,
			claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
			not_before = NULL, completed_at = NULL
		WHERE work_date = $1 AND status = 'failed'
	`, pipeline.Day(date))
	if err != nil {
		return fmt.Errorf("failed to redrive work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed work item for date %s: %w", date.Format(pipeline.DateFormat), ErrNotFound)
	}
	return nil
}

// Depth returns the number of work items waiting to be claimed.
func (q *WorkQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items WHERE status = 'pending'
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending work items: %w", err)
	}
	return depth, nil
}

// CountsByStatus returns the current work item population per status.
func (q *WorkQueue) CountsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.client.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
