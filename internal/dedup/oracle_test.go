package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/cache"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

type fakeStore struct {
	records map[string]bool
	counts  map[string]int
	err     error
	lookups int
}

func (s *fakeStore) HasRecord(_ context.Context, key string) (bool, error) {
	s.lookups++
	if s.err != nil {
		return false, s.err
	}
	return s.records[key], nil
}

func (s *fakeStore) CountForDate(_ context.Context, date time.Time) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.counts[date.Format(pipeline.DateFormat)], nil
}

func TestOracleExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &fakeStore{records: map[string]bool{"fp-known": true}}
	oracle := NewOracle(store, nil)

	exists, err := oracle.Exists(ctx, "fp-known")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = oracle.Exists(ctx, "fp-unknown")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOracleExistsStoreDownIsTransient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &fakeStore{err: errors.New("connection refused")}
	oracle := NewOracle(store, nil)

	_, err := oracle.Exists(ctx, "fp-1")
	require.Error(t, err)
	assert.True(t, pipeline.IsTransientInfra(err))

	_, err = oracle.CountFor(ctx, time.Now())
	require.Error(t, err)
	assert.True(t, pipeline.IsTransientInfra(err))
}

func TestOracleCachesPositiveHitsOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &fakeStore{records: map[string]bool{"fp-known": true}}
	oracle := NewOracle(store, cache.NewInMemoryCache())

	// First positive lookup hits the store and seeds the cache.
	exists, err := oracle.Exists(ctx, "fp-known")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, store.lookups)

	// Second positive lookup is served from the cache.
	exists, err = oracle.Exists(ctx, "fp-known")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, store.lookups)

	// Negative answers always go to the store: another worker may have
	// ingested the record since the last look.
	for i := 0; i < 2; i++ {
		exists, err = oracle.Exists(ctx, "fp-unknown")
		require.NoError(t, err)
		assert.False(t, exists)
	}
	assert.Equal(t, 3, store.lookups)
}

func TestOracleCountFor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	date := time.Date(2025, 3, 1, 15, 4, 5, 0, time.UTC)
	store := &fakeStore{counts: map[string]int{"2025-03-01": 38}}
	oracle := NewOracle(store, nil)

	// Time-of-day is ignored; counts are per calendar date.
	count, err := oracle.CountFor(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 38, count)

	count, err = oracle.CountFor(ctx, date.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
