package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound wraps queue operations that targeted a row which does not
// exist, letting callers tell a bad identifier apart from an infrastructure
// failure.
var ErrNotFound = errors.New("not found")

// QueueTuning carries the lease, visibility and retry settings shared by the
// work and task queues.
type QueueTuning struct {
	MaxRetries        int           // task retry budget before quarantine
	WorkMaxRetries    int           // lease-loss budget before a work item is surfaced as failed
	LeaseDuration     time.Duration // exclusive claim duration for a work item
	VisibilityTimeout time.Duration // single-outstanding-delivery window for a task
	RetryBaseDelay    time.Duration // base of the exponential redelivery backoff
	RetryMaxDelay     time.Duration // ceiling of the redelivery backoff
}

// DefaultQueueTuning returns the production defaults.
func DefaultQueueTuning() QueueTuning {
	return QueueTuning{
		MaxRetries:        3,
		WorkMaxRetries:    5,
		LeaseDuration:     5 * time.Minute,
		VisibilityTimeout: 3 * time.Minute,
		RetryBaseDelay:    30 * time.Second,
		RetryMaxDelay:     15 * time.Minute,
	}
}

// Backoff returns the delay before redelivery attempt+1: min(base*2^attempt, max).
// The result is non-decreasing in attempt and capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 { // overflow guard
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Execute runs a database operation in a transaction
func (d *DB) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
