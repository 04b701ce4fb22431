package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// NotifyChannel is the pg_notify channel pinged whenever a task becomes
// deliverable, so idle processors wake up without waiting a full poll cycle.
const NotifyChannel = "new_tasks"

// TaskQueue is the PostgreSQL-backed delivery queue between the emitter and
// the processor pool. Delivery follows a visibility-timeout model: a received
// task stays invisible until it is acked, nacked, or its window expires, and
// an expired window counts as a failed attempt.
type TaskQueue struct {
	db     *DB
	tuning QueueTuning
}

// NewTaskQueue creates a task queue over an existing database connection.
func NewTaskQueue(db *DB, tuning QueueTuning) *TaskQueue {
	return &TaskQueue{db: db, tuning: tuning}
}

// Publish enqueues task messages in one transaction. The message ID is the
// URL fingerprint, so publishing the same link twice (emitter crash and
// re-claim, overlapping dates) inserts exactly one row. Returns the number of
// messages actually enqueued.
func (q *TaskQueue) Publish(ctx context.Context, msgs []pipeline.TaskMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	published := 0
	err := q.db.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (id, work_date, source_url, status, attempt, enqueued_at)
			VALUES ($1, $2, $3, 'ready', 0, NOW())
			ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare task insert: %w", err)
		}
		defer stmt.Close()

		for _, msg := range msgs {
			res, err := stmt.ExecContext(ctx, msg.ID, pipeline.Day(msg.Date), msg.SourceURL)
			if err != nil {
				return fmt.Errorf("failed to publish task %s: %w", msg.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				published++
			}
		}

		if published > 0 {
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, '')`, NotifyChannel); err != nil {
				return fmt.Errorf("failed to notify listeners: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

// Receive delivers the oldest deliverable task and starts its visibility
// window. A task whose previous delivery window lapsed is redelivered with
// the lapse counted as a failed attempt; if that pushes it over the retry
// budget it is quarantined instead. Returns (nil, nil) when the queue is
// empty.
func (q *TaskQueue) Receive(ctx context.Context, workerID string) (*pipeline.TaskMessage, error) {
	for {
		msg, quarantined, err := q.receiveOnce(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if quarantined != nil {
			log.Warn().
				Str("task_id", quarantined.ID).
				Str("source_url", quarantined.SourceURL).
				Int("attempt", quarantined.Attempt).
				Msg("Task exceeded its retry budget via expired deliveries, quarantined")
			continue
		}
		return msg, nil
	}
}

func (q *TaskQueue) receiveOnce(ctx context.Context, workerID string) (msg, quarantined *pipeline.TaskMessage, err error) {
	var task pipeline.TaskMessage
	var toDLQ bool

	err = q.db.Execute(ctx, func(tx *sql.Tx) error {
		var status string
		var lastError sql.NullString
		row := tx.QueryRowContext(ctx, `
			SELECT id, work_date, source_url, status, attempt, last_error, enqueued_at
			FROM tasks
			WHERE (status = 'ready' AND (not_before IS NULL OR not_before <= NOW()))
			   OR (status = 'delivered' AND delivery_expires_at < NOW())
			ORDER BY enqueued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`)
		if err := row.Scan(&task.ID, &task.Date, &task.SourceURL, &status, &task.Attempt, &lastError, &task.EnqueuedAt); err != nil {
			return err
		}
		task.LastError = lastError.String

		if status == string(pipeline.TaskStatusDelivered) {
			// The previous receiver never acked or nacked. That delivery is
			// spent: count it against the budget before handing out again.
			task.Attempt++
			task.LastError = "delivery window expired"
			if task.Attempt >= q.tuning.MaxRetries {
				toDLQ = true
				return quarantineTx(ctx, tx, &task)
			}
		}

		now := time.Now().UTC()
		task.Status = pipeline.TaskStatusDelivered
		task.DeliveredAt = now
		task.DeliveryExpiresAt = now.Add(q.tuning.VisibilityTimeout)

		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'delivered', attempt = $1, delivered_at = $2,
				delivery_expires_at = $3, last_error = $4
			WHERE id = $5
		`, task.Attempt, task.DeliveredAt, task.DeliveryExpiresAt, nullIfEmpty(task.LastError), task.ID)
		if err != nil {
			return fmt.Errorf("failed to deliver task %s to %s: %w", task.ID, workerID, err)
		}
		return nil
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if toDLQ {
		return nil, &task, nil
	}
	return &task, nil, nil
}

// Ack removes a successfully processed task. Acking a task that already left
// the delivered state (expired window, concurrent quarantine) is a no-op:
// the processor's durable write is idempotent, so the late ack is harmless.
func (q *TaskQueue) Ack(ctx context.Context, taskID string) error {
	_, err := q.db.client.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = $1 AND status = 'delivered'
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", taskID, err)
	}
	return nil
}

// Nack records a failed attempt. The task returns to the queue after the
// exponential backoff delay, or moves to the dead letter queue once the
// failure count reaches the retry budget. Returns whether the task was
// quarantined.
func (q *TaskQueue) Nack(ctx context.Context, taskID, reason string) (bool, error) {
	var toDLQ bool

	err := q.db.Execute(ctx, func(tx *sql.Tx) error {
		var task pipeline.TaskMessage
		row := tx.QueryRowContext(ctx, `
			SELECT id, work_date, source_url, attempt
			FROM tasks
			WHERE id = $1 AND status = 'delivered'
			FOR UPDATE
		`, taskID)
		if err := row.Scan(&task.ID, &task.Date, &task.SourceURL, &task.Attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Window already expired; the sweep or next receive settles it.
				return nil
			}
			return fmt.Errorf("failed to load task for nack: %w", err)
		}

		task.Attempt++
		task.LastError = reason

		if task.Attempt >= q.tuning.MaxRetries {
			toDLQ = true
			return quarantineTx(ctx, tx, &task)
		}

		delay := Backoff(task.Attempt-1, q.tuning.RetryBaseDelay, q.tuning.RetryMaxDelay)
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'ready', attempt = $1, last_error = $2,
				not_before = NOW() + $3 * INTERVAL '1 second',
				delivered_at = NULL, delivery_expires_at = NULL
			WHERE id = $4
		`, task.Attempt, reason, int(delay.Seconds()), taskID)
		return err
	})
	return toDLQ, err
}

// ReleaseExpired sweeps delivered tasks whose visibility window lapsed while
// no processor asked for work. Each lapse counts as a failed attempt, exactly
// as if the task had been redelivered and nacked.
func (q *TaskQueue) ReleaseExpired(ctx context.Context) error {
	return q.db.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'ready', attempt = attempt + 1,
				last_error = 'delivery window expired',
				not_before = NULL, delivered_at = NULL, delivery_expires_at = NULL
			WHERE status = 'delivered' AND delivery_expires_at < NOW()
			  AND attempt + 1 < $1
		`, q.tuning.MaxRetries)
		if err != nil {
			return fmt.Errorf("failed to release expired deliveries: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Info().Int64("released", n).Msg("Returned expired task deliveries to the queue")
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, work_date, source_url, attempt
			FROM tasks
			WHERE status = 'delivered' AND delivery_expires_at < NOW()
			  AND attempt + 1 >= $1
			FOR UPDATE SKIP LOCKED
		`, q.tuning.MaxRetries)
		if err != nil {
			return fmt.Errorf("failed to load exhausted deliveries: %w", err)
		}
		defer rows.Close()

		var exhausted []pipeline.TaskMessage
		for rows.Next() {
			var task pipeline.TaskMessage
			if err := rows.Scan(&task.ID, &task.Date, &task.SourceURL, &task.Attempt); err != nil {
				return err
			}
			task.Attempt++
			task.LastError = "delivery window expired"
			exhausted = append(exhausted, task)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range exhausted {
			if err := quarantineTx(ctx, tx, &exhausted[i]); err != nil {
				return err
			}
			log.Warn().
				Str("task_id", exhausted[i].ID).
				Int("attempt", exhausted[i].Attempt).
				Msg("Task exceeded its retry budget via expired deliveries, quarantined")
		}
		return nil
	})
}

// quarantineTx moves a task to the dead letter queue within an existing
// transaction: record the evidence, then drop the queue row. The DLQ row is
// upserted so a task that was redriven and failed again refreshes its entry.
func quarantineTx(ctx context.Context, tx *sql.Tx, task *pipeline.TaskMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dlq_entries (task_id, work_date, source_url, attempt, last_error, failed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (task_id) DO UPDATE
		SET attempt = EXCLUDED.attempt, last_error = EXCLUDED.last_error,
			failed_at = EXCLUDED.failed_at, redriven_at = NULL
	`, task.ID, pipeline.Day(task.Date), task.SourceURL, task.Attempt, task.LastError)
	if err != nil {
		return fmt.Errorf("failed to quarantine task %s: %w", task.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, task.ID); err != nil {
		return fmt.Errorf("failed to remove quarantined task %s: %w", task.ID, err)
	}
	return nil
}

// Depth returns the number of tasks awaiting delivery or redelivery.
func (q *TaskQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = 'ready'
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count ready tasks: %w", err)
	}
	return depth, nil
}

// DLQSize returns the number of quarantined tasks awaiting operator action.
func (q *TaskQueue) DLQSize(ctx context.Context) (int, error) {
	var size int
	err := q.db.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dlq_entries
	`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ entries: %w", err)
	}
	return size, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
