package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	Registry       *prometheus.Registry
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	pipelineTracer trace.Tracer

	tasksProcessedTotal    metric.Int64Counter
	taskDuration           metric.Float64Histogram
	tasksPublishedTotal    metric.Int64Counter
	tasksQuarantinedTotal  metric.Int64Counter
	duplicatesSkippedTotal metric.Int64Counter
	workEnumeratedTotal    metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "bbc-news-etl-pipeline"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Observability is optional; the pipeline still runs without traces.
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		pipelineTracer = tracerProvider.Tracer("bbc-news-etl-pipeline/pipeline")
		_ = initPipelineInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		Registry:       registry,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initPipelineInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("bbc-news-etl-pipeline/pipeline")

	var err error
	taskDuration, err = meter.Float64Histogram(
		"etl.task.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to process one article task"),
	)
	if err != nil {
		return err
	}

	tasksProcessedTotal, err = meter.Int64Counter(
		"etl.tasks.processed.total",
		metric.WithDescription("Task outcomes by status (ok, retryable, fatal)"),
	)
	if err != nil {
		return err
	}

	tasksPublishedTotal, err = meter.Int64Counter(
		"etl.tasks.published.total",
		metric.WithDescription("Task messages published to the task queue"),
	)
	if err != nil {
		return err
	}

	tasksQuarantinedTotal, err = meter.Int64Counter(
		"etl.tasks.quarantined.total",
		metric.WithDescription("Tasks moved to the dead letter queue"),
	)
	if err != nil {
		return err
	}

	duplicatesSkippedTotal, err = meter.Int64Counter(
		"etl.duplicates.skipped.total",
		metric.WithDescription("Candidate links skipped because the record already exists"),
	)
	if err != nil {
		return err
	}

	workEnumeratedTotal, err = meter.Int64Counter(
		"etl.work_items.enumerated.total",
		metric.WithDescription("Work items enqueued by the enumerator"),
	)
	return err
}

// StartTaskSpan starts a span for processing one article task.
func StartTaskSpan(ctx context.Context, taskID, sourceURL string, attempt int) (context.Context, trace.Span) {
	t := pipelineTracer
	if t == nil {
		t = otel.Tracer("bbc-news-etl-pipeline/pipeline")
	}

	return t.Start(ctx, "pipeline.process_task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.source_url", sourceURL),
		attribute.Int("task.attempt", attempt),
	))
}

// RecordTaskProcessed emits the outcome and duration of one processed task.
func RecordTaskProcessed(ctx context.Context, status string, duration time.Duration) {
	if taskDuration != nil {
		taskDuration.Record(ctx, float64(duration.Milliseconds()),
			metric.WithAttributes(attribute.String("status", status)))
	}
	if tasksProcessedTotal != nil {
		tasksProcessedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordTasksPublished counts messages accepted by the task queue.
func RecordTasksPublished(ctx context.Context, n int) {
	if tasksPublishedTotal != nil && n > 0 {
		tasksPublishedTotal.Add(ctx, int64(n))
	}
}

// RecordTaskQuarantined counts a task entering the dead letter queue.
func RecordTaskQuarantined(ctx context.Context) {
	if tasksQuarantinedTotal != nil {
		tasksQuarantinedTotal.Add(ctx, 1)
	}
}

// RecordDuplicatesSkipped counts candidates dropped by the dedup oracle.
func RecordDuplicatesSkipped(ctx context.Context, n int) {
	if duplicatesSkippedTotal != nil && n > 0 {
		duplicatesSkippedTotal.Add(ctx, int64(n))
	}
}

// RecordWorkEnumerated counts work items enqueued by the enumerator.
func RecordWorkEnumerated(ctx context.Context, n int) {
	if workEnumeratedTotal != nil && n > 0 {
		workEnumeratedTotal.Add(ctx, int64(n))
	}
}
