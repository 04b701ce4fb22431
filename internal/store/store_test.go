package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

func testArticle() *pipeline.Article {
	return &pipeline.Article{
		ID:            "fp-1",
		SourceURL:     "https://www.bbc.com/news/articles/one",
		Title:         "Example headline",
		Category:      "news",
		SubCategory:   "uk",
		Summary:       "A short summary.",
		Content:       "Body text.",
		PublishedDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		ScrapedAt:     time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestRawStoreSave(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO raw_articles").
		WithArgs("fp-1", "https://www.bbc.com/news/articles/one",
			time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewRawStore(sqlDB)
	require.NoError(t, s.Save(context.Background(), testArticle()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRawStoreHasRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows *sqlmock.Rows
		want bool
	}{
		{name: "record exists", rows: sqlmock.NewRows([]string{"1"}).AddRow(1), want: true},
		{name: "record missing", rows: sqlmock.NewRows([]string{"1"}), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			mock.ExpectQuery("SELECT 1 FROM raw_articles").
				WithArgs("fp-1").
				WillReturnRows(tt.rows)

			s := NewRawStore(sqlDB)
			exists, err := s.HasRecord(context.Background(), "fp-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRawStoreCountForDate(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	s := NewRawStore(sqlDB)
	// Hour-of-day must not change which date is counted.
	count, err := s.CountForDate(context.Background(), date.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArticleStoreUpsert(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	article := testArticle()
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(article.ID, article.SourceURL, article.Title, article.Category,
			article.SubCategory, article.Summary, article.Content,
			article.PublishedDate, article.ScrapedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewArticleStore(sqlDB)
	require.NoError(t, s.Upsert(context.Background(), article))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArticleStoreUpsertValidation(t *testing.T) {
	t.Parallel()

	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	s := NewArticleStore(sqlDB)

	missingID := testArticle()
	missingID.ID = ""
	assert.Error(t, s.Upsert(context.Background(), missingID))

	missingTitle := testArticle()
	missingTitle.Title = ""
	assert.Error(t, s.Upsert(context.Background(), missingTitle))
}

func TestArticleStoreGet(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, source_url, title").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_url", "title", "category", "sub_category",
			"summary", "content", "published_date", "scraped_at",
		}).AddRow("fp-1", "https://www.bbc.com/news/articles/one", "Example headline",
			"news", "uk", "A short summary.", "Body text.", date, date))

	s := NewArticleStore(sqlDB)
	article, err := s.Get(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "Example headline", article.Title)
	assert.Equal(t, "news", article.Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArticleStoreGetMissing(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("SELECT id, source_url, title").
		WithArgs("fp-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_url", "title", "category", "sub_category",
			"summary", "content", "published_date", "scraped_at",
		}))

	s := NewArticleStore(sqlDB)
	_, err = s.Get(context.Background(), "fp-missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
