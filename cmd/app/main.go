package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/api"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/cache"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/config"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/db"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/dedup"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/notifications"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/observability"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/scraper"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/store"
)

const serviceName = "bbc-news-etl-pipeline"

// version is stamped by the build via -ldflags.
var version = "dev"

// depthSource adapts the queue accessors to the autoscaler gauges.
type depthSource struct {
	work  *db.WorkQueue
	tasks *db.TaskQueue
}

func (d depthSource) WorkQueueDepth(ctx context.Context) (int, error) {
	return d.work.Depth(ctx)
}

func (d depthSource) TaskQueueDepth(ctx context.Context) (int, error) {
	return d.tasks.Depth(ctx)
}

func (d depthSource) DLQSize(ctx context.Context) (int, error) {
	return d.tasks.DLQSize(ctx)
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	cfg := config.Load()
	setupLogging(&cfg)

	// Initialise Sentry for error tracking and performance monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			TracesSampleRate: func() float64 {
				if cfg.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            cfg.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if cfg.Observability.Enabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    cfg.Env,
			OTLPEndpoint:   strings.TrimSpace(cfg.Observability.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(cfg.Observability.OTLPHeaders),
			OTLPInsecure:   cfg.Observability.OTLPInsecure,
			MetricsAddress: cfg.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	// Connect to PostgreSQL
	pgDB, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	tuning := db.QueueTuning{
		MaxRetries:        cfg.Queue.MaxRetries,
		WorkMaxRetries:    cfg.Queue.WorkMaxRetries,
		LeaseDuration:     cfg.Queue.LeaseDuration,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		RetryBaseDelay:    cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
	}

	workQueue := db.NewWorkQueue(pgDB, tuning)
	taskQueue := db.NewTaskQueue(pgDB, tuning)
	dlq := db.NewDLQ(pgDB)

	rawStore := store.NewRawStore(pgDB.GetDB())
	articleStore := store.NewArticleStore(pgDB.GetDB())

	// The dedup oracle answers from the raw store, fronted by a positive-only
	// seen cache. Redis when configured, in-process otherwise.
	var seen cache.SeenCache
	if cfg.Redis.Addr != "" {
		seen = cache.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis dedup cache")
	} else {
		seen = cache.NewInMemoryCache()
	}
	oracle := dedup.NewOracle(rawStore, seen)

	bbc := scraper.New(&scraper.Config{
		BaseURL:        cfg.Scraper.BaseURL,
		UserAgent:      cfg.Scraper.UserAgent,
		RequestsPerSec: cfg.Scraper.RequestsPerSec,
		Timeout:        cfg.Scraper.Timeout,
	})

	notifier := notifications.NewSlackNotifier(cfg.Slack.WebhookURL)

	// Claim-side retirements raise the same operator alert as sweep-side ones.
	workQueue.OnRetired(func(ctx context.Context, item *pipeline.WorkItem) {
		notifier.NotifyWorkFailed(ctx, item.DateString(), "lease-loss retry budget exhausted")
	})

	// Enumerate the date range once at startup. Dates already satisfied in the
	// store are skipped; the rest join the work backlog.
	if cfg.Enumeration.StartDate != "" {
		start, end, err := cfg.DateRange(time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid enumeration date range")
		}

		policy := pipeline.ThresholdPolicy{
			ExpectedDailyCount: cfg.Enumeration.ExpectedDailyCount,
			MinCoverageRatio:   cfg.Enumeration.MinCoverageRatio,
		}
		enumerator := pipeline.NewEnumerator(workQueue, oracle, policy)

		enumerated, err := enumerator.Run(context.Background(), start, end)
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Work enumeration failed")
		}
		observability.RecordWorkEnumerated(context.Background(), enumerated)
		log.Info().
			Str("start", start.Format(pipeline.DateFormat)).
			Str("end", end.Format(pipeline.DateFormat)).
			Int("enumerated", enumerated).
			Msg("Work enumeration complete")
	} else {
		log.Warn().Msg("START_DATE not configured, skipping work enumeration")
	}

	// Root context for the worker pools. Cancelled during shutdown so blocked
	// workers unwind alongside the Stop calls.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	emitter := pipeline.NewEmitter(workQueue, taskQueue, oracle, bbc, notifier, cfg.Workers.Emitters)
	emitter.Start(runCtx)
	defer emitter.Stop()

	processor, err := pipeline.NewProcessor(pipeline.ProcessorConfig{
		NumWorkers:    cfg.Workers.Processors,
		WriteRaw:      cfg.Scraper.WriteRaw,
		WriteClean:    cfg.Scraper.WriteClean,
		ListenDSN:     pgDB.GetConfig().ConnectionString(),
		NotifyChannel: db.NotifyChannel,
	}, taskQueue, bbc, rawStore, articleStore, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid processor configuration")
	}
	processor.Start(runCtx)
	defer processor.Stop()

	monitor := pipeline.NewMonitor(workQueue, taskQueue, notifier, time.Minute)
	monitor.Start(runCtx)
	defer monitor.Stop()

	if obsProviders != nil {
		observability.RegisterScaleSignal(obsProviders.Registry, depthSource{work: workQueue, tasks: taskQueue})

		if obsProviders.MetricsHandler != nil && cfg.MetricsAddr != "" {
			metricsSrv = &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           obsProviders.MetricsHandler,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					sentry.CaptureException(err)
					log.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
				}
			}()
		}
	}

	apiHandler := api.NewHandler(workQueue, taskQueue, dlq, version)
	handler := observability.WrapHandler(apiHandler.Routes(), obsProviders)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down...")

		cancelRun()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", cfg.Port).Str("version", version).Msg("Starting operator API server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Server stopped")
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}
