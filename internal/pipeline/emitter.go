package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/observability"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/util"
)

// transientRetries bounds the local retries a worker spends on a transient
// infrastructure failure before giving the work item back to the queue.
const transientRetries = 3

// Emitter runs a pool of claimers over the work queue. For each claimed date
// it discovers candidate links, drops the ones the oracle already knows, and
// publishes the remainder as task messages before completing the work item.
type Emitter struct {
	workQueue WorkQueue
	taskQueue TaskQueue
	oracle    Oracle
	source    CandidateSource
	notifier  Notifier

	numWorkers int
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewEmitter creates an emitter pool. notifier may be nil.
func NewEmitter(workQueue WorkQueue, taskQueue TaskQueue, oracle Oracle, source CandidateSource, notifier Notifier, numWorkers int) *Emitter {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Emitter{
		workQueue:  workQueue,
		taskQueue:  taskQueue,
		oracle:     oracle,
		source:     source,
		notifier:   notifier,
		numWorkers: numWorkers,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the claimer goroutines.
func (e *Emitter) Start(ctx context.Context) {
	log.Info().Int("workers", e.numWorkers).Msg("Starting emitter pool")
	e.wg.Add(e.numWorkers)
	for i := 0; i < e.numWorkers; i++ {
		go e.worker(ctx, fmt.Sprintf("emitter-%d", i))
	}
}

// Stop signals the claimers and waits for them to finish their current item.
func (e *Emitter) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	log.Debug().Msg("Emitter pool stopped")
}

func (e *Emitter) worker(ctx context.Context, workerID string) {
	defer e.wg.Done()

	idleSleep := 500 * time.Millisecond
	maxSleep := 30 * time.Second

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, err := e.workQueue.Claim(ctx, workerID)
		if err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to claim work item")
			sleepOrStop(ctx, e.stopCh, idleSleep)
			continue
		}
		if item == nil {
			sleepOrStop(ctx, e.stopCh, idleSleep)
			idleSleep *= 2
			if idleSleep > maxSleep {
				idleSleep = maxSleep
			}
			continue
		}
		idleSleep = 500 * time.Millisecond

		e.processItem(ctx, workerID, item)
	}
}

// processItem emits the tasks for one claimed date. Transient infrastructure
// trouble is retried locally a few times; when it persists, or on any other
// failure, the item goes back through the work queue's retry path.
func (e *Emitter) processItem(ctx context.Context, workerID string, item *WorkItem) {
	logger := log.With().
		Str("worker_id", workerID).
		Str("work_date", item.DateString()).
		Logger()

	published, err := e.emitForDate(ctx, item.Date)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to emit tasks for date")
		retired, failErr := e.workQueue.Fail(ctx, workerID, item.ID, err.Error())
		if failErr != nil {
			// Lost the lease while working; the item is already back in play.
			logger.Warn().Err(failErr).Msg("Could not record work item failure")
			return
		}
		if retired {
			logger.Error().Msg("Work item exhausted its retry budget")
			sentry.CaptureException(fmt.Errorf("work item %s permanently failed: %w", item.DateString(), err))
			if e.notifier != nil {
				e.notifier.NotifyWorkFailed(ctx, item.DateString(), err.Error())
			}
		}
		return
	}

	if err := e.workQueue.Complete(ctx, workerID, item.ID); err != nil {
		// Publication is idempotent, so a lost lease here costs a re-run of
		// the same date, not duplicate tasks.
		logger.Warn().Err(err).Msg("Could not complete work item")
		return
	}

	logger.Info().Int("tasks_published", published).Msg("Work item completed")
}

func (e *Emitter) emitForDate(ctx context.Context, date time.Time) (int, error) {
	var candidates []string
	err := withTransientRetries(ctx, func() error {
		var err error
		candidates, err = e.source.ListCandidates(ctx, date)
		return err
	})
	if err != nil {
		return 0, err
	}

	var msgs []TaskMessage
	skipped := 0
	for _, sourceURL := range candidates {
		fingerprint, err := util.FingerprintURL(sourceURL)
		if err != nil {
			log.Debug().Err(err).Str("url", sourceURL).Msg("Skipping malformed candidate URL")
			continue
		}

		var exists bool
		err = withTransientRetries(ctx, func() error {
			var err error
			exists, err = e.oracle.Exists(ctx, fingerprint)
			return err
		})
		if err != nil {
			return 0, err
		}
		if exists {
			skipped++
			continue
		}

		msgs = append(msgs, TaskMessage{
			ID:        fingerprint,
			Date:      date,
			SourceURL: sourceURL,
		})
	}
	observability.RecordDuplicatesSkipped(ctx, skipped)

	var published int
	err = withTransientRetries(ctx, func() error {
		var err error
		published, err = e.taskQueue.Publish(ctx, msgs)
		return err
	})
	if err != nil {
		return 0, err
	}
	observability.RecordTasksPublished(ctx, published)

	log.Debug().
		Str("date", date.Format(DateFormat)).
		Int("candidates", len(candidates)).
		Int("duplicates_skipped", skipped).
		Int("published", published).
		Msg("Emitted tasks for date")
	return published, nil
}

// withTransientRetries retries fn on transient infrastructure failures with a
// short backoff. Other errors pass straight through.
func withTransientRetries(ctx context.Context, fn func() error) error {
	delay := time.Second
	var err error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if err = fn(); err == nil || !IsTransientInfra(err) {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("Transient failure, retrying locally")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func sleepOrStop(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-time.After(d):
	}
}
