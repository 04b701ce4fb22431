package dedup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/cache"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// ExistenceStore is the slice of the raw artifact store the oracle needs:
// point lookups by fingerprint and per-date counts.
type ExistenceStore interface {
	HasRecord(ctx context.Context, key string) (bool, error)
	CountForDate(ctx context.Context, date time.Time) (int, error)
}

// Oracle answers "has this record already been ingested?" against the raw
// store. It never guesses: when the store cannot be reached the caller gets a
// transient infrastructure error, not a default answer, because a wrong "no"
// would duplicate work downstream and a wrong "yes" would silently drop it.
type Oracle struct {
	store ExistenceStore
	seen  cache.SeenCache
}

// NewOracle creates an oracle over the raw store. seen may be nil to disable
// caching; only positive lookups are ever cached, which is sound because
// ingested records are never deleted.
func NewOracle(store ExistenceStore, seen cache.SeenCache) *Oracle {
	return &Oracle{store: store, seen: seen}
}

// Exists reports whether a record with the given fingerprint has been
// ingested.
func (o *Oracle) Exists(ctx context.Context, key string) (bool, error) {
	if o.seen != nil {
		hit, err := o.seen.Seen(ctx, key)
		if err != nil {
			// Cache trouble is not worth failing the lookup over.
			log.Debug().Err(err).Msg("Seen-cache lookup failed, falling through to store")
		} else if hit {
			return true, nil
		}
	}

	exists, err := o.store.HasRecord(ctx, key)
	if err != nil {
		return false, pipeline.TransientInfra("dedup lookup", err)
	}

	if exists && o.seen != nil {
		if err := o.seen.MarkSeen(ctx, key); err != nil {
			log.Debug().Err(err).Msg("Seen-cache write failed")
		}
	}
	return exists, nil
}

// CountFor returns the number of ingested records for a calendar date.
func (o *Oracle) CountFor(ctx context.Context, date time.Time) (int, error) {
	count, err := o.store.CountForDate(ctx, pipeline.Day(date))
	if err != nil {
		return 0, pipeline.TransientInfra("dedup date count", err)
	}
	return count, nil
}
