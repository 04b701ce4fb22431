package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDLQ(t *testing.T) (*DLQ, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDLQ(&DB{client: sqlDB}), mock
}

func TestDLQList(t *testing.T) {
	t.Parallel()

	dlq, mock := newMockDLQ(t)

	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	failed := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT task_id, work_date, source_url, attempt").
		WillReturnRows(sqlmock.NewRows([]string{
			"task_id", "work_date", "source_url", "attempt", "last_error", "failed_at", "redriven_at",
		}).AddRow("fp-1", date, "https://www.bbc.com/news/articles/one", 3, "parse failed", failed, nil))

	entries, err := dlq.List(context.Background(), DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fp-1", entries[0].TaskID)
	assert.Equal(t, 3, entries[0].Attempt)
	assert.Equal(t, "parse failed", entries[0].LastError)
	assert.Nil(t, entries[0].RedrivenAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQListFiltersByDateAndRedriven(t *testing.T) {
	t.Parallel()

	dlq, mock := newMockDLQ(t)

	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	notRedriven := false

	mock.ExpectQuery("WHERE work_date = \\$1 AND redriven_at IS NULL").
		WithArgs(date).
		WillReturnRows(sqlmock.NewRows([]string{
			"task_id", "work_date", "source_url", "attempt", "last_error", "failed_at", "redriven_at",
		}))

	entries, err := dlq.List(context.Background(), DLQFilter{Date: date, Redriven: &notRedriven})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRedrive(t *testing.T) {
	t.Parallel()

	dlq, mock := newMockDLQ(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dlq_entries SET redriven_at").
		WithArgs("fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(NotifyChannel).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := dlq.Redrive(context.Background(), "fp-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRedriveUnknownTask(t *testing.T) {
	t.Parallel()

	dlq, mock := newMockDLQ(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("fp-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE dlq_entries SET redriven_at").
		WithArgs("fp-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := dlq.Redrive(context.Background(), "fp-missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no quarantined task")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQRedriveAll(t *testing.T) {
	t.Parallel()

	dlq, mock := newMockDLQ(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE dlq_entries SET redriven_at").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(NotifyChannel).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	redriven, err := dlq.RedriveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, redriven)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQDiscard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		rowsAffected int64
		wantErr      bool
	}{
		{name: "existing entry", rowsAffected: 1, wantErr: false},
		{name: "unknown entry", rowsAffected: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dlq, mock := newMockDLQ(t)

			mock.ExpectExec("DELETE FROM dlq_entries").
				WithArgs("fp-1").
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))

			err := dlq.Discard(context.Background(), "fp-1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDLQDiscardAll(t *testing.T) {
	t.Parallel()

	dlq, mock := newMockDLQ(t)

	mock.ExpectExec("DELETE FROM dlq_entries").
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := dlq.DiscardAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
