package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry is valid and
// records nothing.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// RPC
	rpcCallsTotal   metric.Int64Counter
	rpcCallDuration metric.Float64Histogram

	// Monitor
	monitorEventsTotal   metric.Int64Counter
	monitorTicksTotal    metric.Int64Counter
	monitorTickDuration  metric.Float64Histogram
	monitorTrackedTasks  metric.Int64Gauge
	monitorPolledTasks   metric.Int64Gauge
	notificationsTotal   metric.Int64Counter
	notificationsDropped metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, pushes metrics over OTLP/gRPC in addition to the Prometheus endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordRPCCall records one aria2 RPC round trip.
func (t *Telemetry) RecordRPCCall(method, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)

	if t.rpcCallsTotal != nil {
		t.rpcCallsTotal.Add(context.Background(), 1, attrs)
	}

	if t.rpcCallDuration != nil {
		t.rpcCallDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordEvent counts an event emitted by the monitor.
func (t *Telemetry) RecordEvent(kind string) {
	if t != nil && t.monitorEventsTotal != nil {
		t.monitorEventsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordTick records one poll cycle. status is "success", "partial" or "error".
func (t *Telemetry) RecordTick(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.monitorTicksTotal != nil {
		t.monitorTicksTotal.Add(context.Background(), 1, attrs)
	}

	if t.monitorTickDuration != nil {
		t.monitorTickDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// SetTrackedTasks records the registry size.
func (t *Telemetry) SetTrackedTasks(n int) {
	if t != nil && t.monitorTrackedTasks != nil {
		t.monitorTrackedTasks.Record(context.Background(), int64(n))
	}
}

// SetPolledTasks records the number of gids polled for progress.
func (t *Telemetry) SetPolledTasks(n int) {
	if t != nil && t.monitorPolledTasks != nil {
		t.monitorPolledTasks.Record(context.Background(), int64(n))
	}
}

// RecordNotification records an outgoing notification. status is "success", "error" or
// "dropped".
func (t *Telemetry) RecordNotification(channel, status string) {
	if t == nil {
		return
	}

	if status == "dropped" {
		if t.notificationsDropped != nil {
			t.notificationsDropped.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("channel", channel)),
			)
		}

		return
	}

	if t.notificationsTotal != nil {
		t.notificationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("channel", channel),
				attribute.String("status", status),
			),
		)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes pending exports and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return errors.Join(mp.ForceFlush(ctx), mp.Shutdown(ctx))
	}

	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeRPCMetrics(); err != nil {
		return err
	}

	if err := t.initializeMonitorMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeRPCMetrics() error {
	var err error

	t.rpcCallsTotal, err = t.meter.Int64Counter(
		"rpc_calls_total",
		metric.WithDescription("Total number of aria2 RPC calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rpc_calls_total counter: %w", err)
	}

	t.rpcCallDuration, err = t.meter.Float64Histogram(
		"rpc_call_duration_seconds",
		metric.WithDescription("aria2 RPC round trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rpc_call_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeMonitorMetrics() error {
	var err error

	t.monitorEventsTotal, err = t.meter.Int64Counter(
		"monitor_events_total",
		metric.WithDescription("Total number of task events emitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor_events_total counter: %w", err)
	}

	t.monitorTicksTotal, err = t.meter.Int64Counter(
		"monitor_ticks_total",
		metric.WithDescription("Total number of poll ticks that queried aria2"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor_ticks_total counter: %w", err)
	}

	t.monitorTickDuration, err = t.meter.Float64Histogram(
		"monitor_tick_duration_seconds",
		metric.WithDescription("Poll tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor_tick_duration histogram: %w", err)
	}

	t.monitorTrackedTasks, err = t.meter.Int64Gauge(
		"monitor_tracked_tasks",
		metric.WithDescription("Number of tasks in the registry"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor_tracked_tasks gauge: %w", err)
	}

	t.monitorPolledTasks, err = t.meter.Int64Gauge(
		"monitor_polled_tasks",
		metric.WithDescription("Number of tasks polled for progress"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor_polled_tasks gauge: %w", err)
	}

	t.notificationsTotal, err = t.meter.Int64Counter(
		"notifications_total",
		metric.WithDescription("Total number of notifications sent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create notifications_total counter: %w", err)
	}

	t.notificationsDropped, err = t.meter.Int64Counter(
		"notifications_dropped_total",
		metric.WithDescription("Total number of notifications dropped by the rate limiter"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create notifications_dropped_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	return nil
}
