package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// ArticleStore persists the transformed records. Writes are upserts keyed by
// the URL fingerprint: processing the same task twice, or two tasks that
// canonicalise to the same URL, converges on a single row.
type ArticleStore struct {
	db *sql.DB
}

// NewArticleStore creates an article store over an open connection.
func NewArticleStore(db *sql.DB) *ArticleStore {
	return &ArticleStore{db: db}
}

// Upsert writes the transformed article, replacing any earlier version.
func (s *ArticleStore) Upsert(ctx context.Context, article *pipeline.Article) error {
	if article.ID == "" {
		return fmt.Errorf("article is missing a fingerprint")
	}
	if article.Title == "" {
		return fmt.Errorf("article %s is missing a title", article.ID)
	}

	query, args, err := sq.Insert("articles").
		Columns("id", "source_url", "title", "category", "sub_category",
			"summary", "content", "published_date", "scraped_at", "updated_at").
		Values(article.ID, article.SourceURL, article.Title, article.Category,
			article.SubCategory, article.Summary, article.Content,
			pipeline.Day(article.PublishedDate), article.ScrapedAt, sq.Expr("NOW()")).
		Suffix(`ON CONFLICT (id) DO UPDATE
			SET source_url = EXCLUDED.source_url, title = EXCLUDED.title,
				category = EXCLUDED.category, sub_category = EXCLUDED.sub_category,
				summary = EXCLUDED.summary, content = EXCLUDED.content,
				published_date = EXCLUDED.published_date,
				scraped_at = EXCLUDED.scraped_at, updated_at = EXCLUDED.updated_at`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build article upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert article %s: %w", article.ID, err)
	}
	return nil
}

// Get retrieves a transformed article by fingerprint.
func (s *ArticleStore) Get(ctx context.Context, id string) (*pipeline.Article, error) {
	query, args, err := sq.Select("id", "source_url", "title",
		"COALESCE(category, '')", "COALESCE(sub_category, '')",
		"COALESCE(summary, '')", "COALESCE(content, '')",
		"published_date", "scraped_at").
		From("articles").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build article query: %w", err)
	}

	var article pipeline.Article
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&article.ID, &article.SourceURL, &article.Title,
		&article.Category, &article.SubCategory,
		&article.Summary, &article.Content,
		&article.PublishedDate, &article.ScrapedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("article %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load article %s: %w", id, err)
	}
	return &article, nil
}

// CountForDate returns the number of transformed records for a calendar date.
func (s *ArticleStore) CountForDate(ctx context.Context, date time.Time) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("articles").
		Where(sq.Eq{"published_date": pipeline.Day(date)}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count articles for %s: %w", date.Format(pipeline.DateFormat), err)
	}
	return count, nil
}
