package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// DLQ is the operator surface over quarantined tasks. Nothing here runs
// automatically: entries enter via the task queue's retry state machine and
// leave only through explicit redrive or discard calls.
type DLQ struct {
	db *DB
}

// NewDLQ creates the dead letter queue view over an existing connection.
func NewDLQ(db *DB) *DLQ {
	return &DLQ{db: db}
}

// DLQFilter narrows List results. Zero values mean no filtering.
type DLQFilter struct {
	Date     time.Time // only entries for this work date
	Redriven *bool     // only entries that were (or were not) redriven
	Limit    uint64
}

// List returns quarantined entries, oldest failure first.
func (d *DLQ) List(ctx context.Context, filter DLQFilter) ([]pipeline.DLQEntry, error) {
	builder := sq.Select("task_id", "work_date", "source_url", "attempt",
		"COALESCE(last_error, '')", "failed_at", "redriven_at").
		From("dlq_entries").
		OrderBy("failed_at ASC").
		PlaceholderFormat(sq.Dollar)

	if !filter.Date.IsZero() {
		builder = builder.Where(sq.Eq{"work_date": pipeline.Day(filter.Date)})
	}
	if filter.Redriven != nil {
		if *filter.Redriven {
			builder = builder.Where("redriven_at IS NOT NULL")
		} else {
			builder = builder.Where("redriven_at IS NULL")
		}
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build DLQ query: %w", err)
	}

	rows, err := d.db.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.DLQEntry
	for rows.Next() {
		var entry pipeline.DLQEntry
		if err := rows.Scan(&entry.TaskID, &entry.Date, &entry.SourceURL,
			&entry.Attempt, &entry.LastError, &entry.FailedAt, &entry.RedrivenAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Redrive republishes a quarantined task with its attempt counter reset to
// zero. The DLQ entry stays behind, stamped with the redrive time, so the
// failure evidence survives until an explicit discard.
func (d *DLQ) Redrive(ctx context.Context, taskID string) error {
	return d.db.Execute(ctx, func(tx *sql.Tx) error {
		n, err := redriveTx(ctx, tx, sq.Eq{"task_id": taskID})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no quarantined task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// RedriveAll republishes every quarantined task not already redriven and
// returns the number redriven.
func (d *DLQ) RedriveAll(ctx context.Context) (int, error) {
	var redriven int64
	err := d.db.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		redriven, err = redriveTx(ctx, tx, sq.Expr("redriven_at IS NULL"))
		return err
	})
	if err != nil {
		return 0, err
	}
	if redriven > 0 {
		log.Info().Int64("count", redriven).Msg("Redrove DLQ entries back onto the task queue")
	}
	return int(redriven), nil
}

// redriveTx republishes the matching entries and stamps them, in one
// transaction so a crash cannot leave a republished task unstamped.
func redriveTx(ctx context.Context, tx *sql.Tx, pred sq.Sqlizer) (int64, error) {
	where, args, err := pred.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build redrive predicate: %w", err)
	}
	// Rebind ? placeholders to $n for the combined statements below.
	where, err = sq.Dollar.ReplacePlaceholders(where)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO tasks (id, work_date, source_url, status, attempt, enqueued_at)
		SELECT task_id, work_date, source_url, 'ready', 0, NOW()
		FROM dlq_entries
		WHERE %s
		ON CONFLICT (id) DO NOTHING
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to republish quarantined tasks: %w", err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dlq_entries SET redriven_at = NOW() WHERE %s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to stamp redriven entries: %w", err)
	}
	redriven, _ := res.RowsAffected()

	if redriven > 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, '')`, NotifyChannel); err != nil {
			return 0, fmt.Errorf("failed to notify listeners: %w", err)
		}
	}
	return redriven, nil
}

// Discard permanently deletes a quarantined entry.
func (d *DLQ) Discard(ctx context.Context, taskID string) error {
	res, err := d.db.client.ExecContext(ctx, `
		DELETE FROM dlq_entries WHERE task_id = $1
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to discard DLQ entry %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no quarantined task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// DiscardAll permanently deletes every quarantined entry and returns the
// number removed.
func (d *DLQ) DiscardAll(ctx context.Context) (int, error) {
	res, err := d.db.client.ExecContext(ctx, `DELETE FROM dlq_entries`)
	if err != nil {
		return 0, fmt.Errorf("failed to discard DLQ entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("count", n).Msg("Discarded all DLQ entries")
	}
	return int(n), nil
}
