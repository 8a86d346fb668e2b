// Package telemetry wires up Prometheus + OpenTelemetry exporters used
// across the pipeline.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/erfianugrah/dohcursor/pkg/config"
	"github.com/erfianugrah/dohcursor/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every counter/histogram/gauge the pipeline records.
type Metrics struct {
	// Server: datagrams received and how they were disposed of before
	// reaching the Queue.
	ServerDatagramsTotal metric.Int64Counter
	ServerDecodeErrors   metric.Int64Counter
	ServerQueuePublished metric.Int64Counter
	ServerQueueRejected  metric.Int64Counter

	// Queue: backlog depth, incremented by the Server on each publish and
	// decremented by the Processor on each dequeue.
	QueueDepth metric.Int64UpDownCounter

	// Processor: work handed to the worker pool and how it concluded.
	ProcessorDispatched metric.Int64Counter
	ProcessorSucceeded  metric.Int64Counter
	ProcessorFailed     metric.Int64Counter
	ProcessorDuration   metric.Float64Histogram

	// Resolver: per-question upstream fan-out. These are created by
	// InitMetrics, but the Resolver is not handed a *Metrics, so nothing
	// records them.
	ResolverQuestionsTotal   metric.Int64Counter
	ResolverQuestionErrors   metric.Int64Counter
	ResolverQuestionDuration metric.Float64Histogram
	ResolverRecordsDropped   metric.Int64Counter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns every pipeline metric.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dohcursor")

	serverDatagramsTotal, err := meter.Int64Counter("server.datagrams.total",
		metric.WithDescription("UDP datagrams received by the server"))
	if err != nil {
		return nil, fmt.Errorf("failed to create server.datagrams.total: %w", err)
	}

	serverDecodeErrors, err := meter.Int64Counter("server.decode_errors.total",
		metric.WithDescription("Datagrams that failed to decode as a DNS query"))
	if err != nil {
		return nil, fmt.Errorf("failed to create server.decode_errors.total: %w", err)
	}

	serverQueuePublished, err := meter.Int64Counter("server.queue_published.total",
		metric.WithDescription("Decoded queries successfully published to the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create server.queue_published.total: %w", err)
	}

	serverQueueRejected, err := meter.Int64Counter("server.queue_rejected.total",
		metric.WithDescription("Decoded queries dropped because the queue was closed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create server.queue_rejected.total: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter("queue.depth",
		metric.WithDescription("Items currently buffered in the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue.depth: %w", err)
	}

	processorDispatched, err := meter.Int64Counter("processor.dispatched.total",
		metric.WithDescription("Requests handed to a processor worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processor.dispatched.total: %w", err)
	}

	processorSucceeded, err := meter.Int64Counter("processor.succeeded.total",
		metric.WithDescription("Requests that received a response"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processor.succeeded.total: %w", err)
	}

	processorFailed, err := meter.Int64Counter("processor.failed.total",
		metric.WithDescription("Requests dropped after resolution failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processor.failed.total: %w", err)
	}

	processorDuration, err := meter.Float64Histogram("processor.duration",
		metric.WithDescription("End-to-end time spent resolving and responding to a request"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processor.duration: %w", err)
	}

	resolverQuestionsTotal, err := meter.Int64Counter("resolver.questions.total",
		metric.WithDescription("Questions sent to the upstream provider"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver.questions.total: %w", err)
	}

	resolverQuestionErrors, err := meter.Int64Counter("resolver.question_errors.total",
		metric.WithDescription("Questions whose upstream request failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver.question_errors.total: %w", err)
	}

	resolverQuestionDuration, err := meter.Float64Histogram("resolver.question_duration",
		metric.WithDescription("Time spent on a single upstream HTTPS round trip"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver.question_duration: %w", err)
	}

	resolverRecordsDropped, err := meter.Int64Counter("resolver.records_dropped.total",
		metric.WithDescription("Answer/Authority/Additional records dropped as unsupported or malformed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver.records_dropped.total: %w", err)
	}

	return &Metrics{
		ServerDatagramsTotal:     serverDatagramsTotal,
		ServerDecodeErrors:       serverDecodeErrors,
		ServerQueuePublished:     serverQueuePublished,
		ServerQueueRejected:      serverQueueRejected,
		QueueDepth:               queueDepth,
		ProcessorDispatched:      processorDispatched,
		ProcessorSucceeded:       processorSucceeded,
		ProcessorFailed:          processorFailed,
		ProcessorDuration:        processorDuration,
		ResolverQuestionsTotal:   resolverQuestionsTotal,
		ResolverQuestionErrors:   resolverQuestionErrors,
		ResolverQuestionDuration: resolverQuestionDuration,
		ResolverRecordsDropped:   resolverRecordsDropped,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
