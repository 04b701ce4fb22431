package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/observability"
)

// ProcessorConfig controls the processor pool.
type ProcessorConfig struct {
	NumWorkers int

	// WriteRaw and WriteClean choose which stores a processed article is
	// durably written to before the task is acknowledged. At least one must
	// be enabled.
	WriteRaw   bool
	WriteClean bool

	// ListenDSN enables LISTEN/NOTIFY wakeups when set. NotifyChannel names
	// the channel the task queue pings.
	ListenDSN     string
	NotifyChannel string
}

// Processor consumes task messages, fetches and transforms the article, and
// acknowledges only after the configured stores hold the result. Failures
// feed the task queue's bounded-retry state machine.
type Processor struct {
	config    ProcessorConfig
	taskQueue TaskQueue
	fetcher   ArticleFetcher
	raw       RawWriter
	clean     CleanWriter
	notifier  Notifier

	stopCh   chan struct{}
	notifyCh chan struct{}
	wg       sync.WaitGroup
}

// NewProcessor creates a processor pool. notifier may be nil.
func NewProcessor(config ProcessorConfig, taskQueue TaskQueue, fetcher ArticleFetcher, raw RawWriter, clean CleanWriter, notifier Notifier) (*Processor, error) {
	if !config.WriteRaw && !config.WriteClean {
		return nil, fmt.Errorf("processor needs at least one of raw and clean writes enabled")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	return &Processor{
		config:    config,
		taskQueue: taskQueue,
		fetcher:   fetcher,
		raw:       raw,
		clean:     clean,
		notifier:  notifier,
		stopCh:    make(chan struct{}),
		notifyCh:  make(chan struct{}, 1),
	}, nil
}

// Start launches the worker goroutines and, when configured, the
// notification listener.
func (p *Processor) Start(ctx context.Context) {
	log.Info().Int("workers", p.config.NumWorkers).Msg("Starting processor pool")

	p.wg.Add(p.config.NumWorkers)
	for i := 0; i < p.config.NumWorkers; i++ {
		go p.worker(ctx, fmt.Sprintf("processor-%d", i))
	}

	if p.config.ListenDSN != "" && p.config.NotifyChannel != "" {
		p.wg.Add(1)
		go p.listenForNotifications(ctx)
	}
}

// Stop signals the workers and waits for in-flight tasks to settle.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Debug().Msg("Processor pool stopped")
}

func (p *Processor) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	idleSleep := 200 * time.Millisecond
	maxSleep := 30 * time.Second

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.taskQueue.Receive(ctx, workerID)
		if err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to receive task")
			p.idleWait(ctx, idleSleep)
			continue
		}
		if msg == nil {
			if p.idleWait(ctx, idleSleep) {
				// A notification means work just arrived; poll again now.
				idleSleep = 200 * time.Millisecond
				continue
			}
			idleSleep *= 2
			if idleSleep > maxSleep {
				idleSleep = maxSleep
			}
			continue
		}
		idleSleep = 200 * time.Millisecond

		p.processTask(ctx, workerID, msg)
	}
}

// idleWait blocks for d or until the task queue announces new messages,
// whichever comes first. Reports whether a notification cut the wait short.
func (p *Processor) idleWait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
	case <-p.stopCh:
	case <-p.notifyCh:
		return true
	case <-time.After(d):
	}
	return false
}

// processTask handles one delivered message end to end. The write-then-ack
// order is the correctness core: a crash after the writes but before the ack
// only costs a redelivery, which the upserts absorb.
func (p *Processor) processTask(ctx context.Context, workerID string, msg *TaskMessage) {
	taskCtx, span := observability.StartTaskSpan(ctx, msg.ID, msg.SourceURL, msg.Attempt)
	defer span.End()
	started := time.Now()

	logger := log.With().
		Str("worker_id", workerID).
		Str("task_id", msg.ID).
		Str("source_url", msg.SourceURL).
		Int("attempt", msg.Attempt).
		Logger()

	if err := p.handle(taskCtx, msg); err != nil {
		status := "retryable"
		if IsFatalTask(err) {
			status = "fatal"
			// Fatal content failures carry enough detail to diagnose from
			// the DLQ entry alone.
			logger.Error().Err(err).Msg("Task content is unprocessable")
		} else {
			logger.Warn().Err(err).Msg("Task attempt failed")
		}
		observability.RecordTaskProcessed(taskCtx, status, time.Since(started))

		quarantined, nackErr := p.taskQueue.Nack(ctx, msg.ID, err.Error())
		if nackErr != nil {
			logger.Error().Err(nackErr).Msg("Failed to nack task")
			return
		}
		if quarantined {
			observability.RecordTaskQuarantined(taskCtx)
			sentry.CaptureException(fmt.Errorf("task %s quarantined after %d attempts: %w", msg.ID, msg.Attempt+1, err))
			if p.notifier != nil {
				p.notifier.NotifyQuarantine(ctx, msg.ID, msg.SourceURL, err.Error())
			}
		}
		return
	}

	if err := p.taskQueue.Ack(ctx, msg.ID); err != nil {
		// The write landed; a failed ack only means a future redelivery
		// re-runs an idempotent upsert.
		logger.Warn().Err(err).Msg("Failed to ack task after durable write")
	}
	observability.RecordTaskProcessed(taskCtx, "ok", time.Since(started))
	logger.Debug().Dur("duration", time.Since(started)).Msg("Task processed")
}

func (p *Processor) handle(ctx context.Context, msg *TaskMessage) error {
	article, err := p.fetcher.FetchArticle(ctx, msg.SourceURL, msg.Date)
	if err != nil {
		return err
	}

	// Store writes get local transient retries: a wobbly database should
	// slow the pipeline down, not burn task attempts.
	if p.config.WriteRaw {
		if err := withTransientRetries(ctx, func() error {
			if err := p.raw.Save(ctx, article); err != nil {
				return TransientInfra("raw store write", err)
			}
			return nil
		}); err != nil {
			return RetryableTask("persist raw artifact", err)
		}
	}

	if p.config.WriteClean {
		if err := withTransientRetries(ctx, func() error {
			if err := p.clean.Upsert(ctx, article); err != nil {
				return TransientInfra("clean store write", err)
			}
			return nil
		}); err != nil {
			return RetryableTask("persist transformed record", err)
		}
	}
	return nil
}

// listenForNotifications wakes idle workers when the task queue announces new
// messages, cutting the delivery latency below the poll interval.
func (p *Processor) listenForNotifications(ctx context.Context) {
	defer p.wg.Done()

	listener := pq.NewListener(p.config.ListenDSN, 10*time.Second, time.Minute,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Task notification listener event error")
			}
		})
	defer listener.Close()

	if err := listener.Listen(p.config.NotifyChannel); err != nil {
		log.Warn().Err(err).Msg("Could not LISTEN for task notifications, relying on polling")
		return
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-listener.Notify:
			select {
			case p.notifyCh <- struct{}{}:
			default:
			}
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}
