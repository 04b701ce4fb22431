package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// RawStore persists the untouched scrape payloads that the dedup oracle
// consults. Rows are keyed by URL fingerprint and are append-only: a repeat
// write of the same fingerprint refreshes the payload but never creates a
// second record.
type RawStore struct {
	db *sql.DB
}

// NewRawStore creates a raw store over an open connection.
func NewRawStore(db *sql.DB) *RawStore {
	return &RawStore{db: db}
}

// Save upserts the raw payload for an article. Writing the same fingerprint
// twice is safe, which is what makes redelivered tasks harmless.
func (s *RawStore) Save(ctx context.Context, article *pipeline.Article) error {
	payload, err := json.Marshal(article)
	if err != nil {
		return fmt.Errorf("failed to encode raw payload for %s: %w", article.ID, err)
	}

	query, args, err := sq.Insert("raw_articles").
		Columns("id", "source_url", "published_date", "payload", "fetched_at").
		Values(article.ID, article.SourceURL, pipeline.Day(article.PublishedDate), payload, sq.Expr("NOW()")).
		Suffix(`ON CONFLICT (id) DO UPDATE
			SET payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build raw upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save raw article %s: %w", article.ID, err)
	}
	return nil
}

// HasRecord reports whether a payload with the given fingerprint exists.
func (s *RawStore) HasRecord(ctx context.Context, key string) (bool, error) {
	query, args, err := sq.Select("1").
		From("raw_articles").
		Where(sq.Eq{"id": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build existence query: %w", err)
	}

	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check raw article %s: %w", key, err)
	}
	return true, nil
}

// CountForDate returns the number of stored payloads published on date.
func (s *RawStore) CountForDate(ctx context.Context, date time.Time) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("raw_articles").
		Where(sq.Eq{"published_date": pipeline.Day(date)}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count raw articles for %s: %w", date.Format(pipeline.DateFormat), err)
	}
	return count, nil
}
