package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PushJob is the Pushgateway job label of every pushed run.
const PushJob = "event_bvt"

// Metrics holds the metrics of one verification run:
// - Control plane: REST latency and status
// - Event stream: received, ignored and rejected transitions per hub
// - Session: transport faults
// - Run: duration and outcome
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	EventsReceived      metric.Int64Counter
	EventsIgnored       metric.Int64Counter
	TransitionsRejected metric.Int64Counter
	TransportErrors     metric.Int64Counter

	RunDuration metric.Float64Histogram
	RunsTotal   metric.Int64Counter
}

// NewMetrics creates all instruments on a dedicated Prometheus registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("eventbvt")
	m := &Metrics{registry: registry}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"bvt_http_request_duration_seconds",
		metric.WithDescription("Control plane request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"bvt_http_requests_total",
		metric.WithDescription("Total number of control plane requests"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsReceived, err = meter.Int64Counter(
		"bvt_events_received_total",
		metric.WithDescription("State change events received from the push session"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsIgnored, err = meter.Int64Counter(
		"bvt_events_ignored_total",
		metric.WithDescription("State change events outside the watched scope"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsRejected, err = meter.Int64Counter(
		"bvt_transitions_rejected_total",
		metric.WithDescription("Transitions whose previous state did not match the last observed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TransportErrors, err = meter.Int64Counter(
		"bvt_transport_errors_total",
		metric.WithDescription("Push session faults"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram(
		"bvt_run_duration_seconds",
		metric.WithDescription("Verification run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 20, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter(
		"bvt_runs_total",
		metric.WithDescription("Total number of verification runs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Gatherer returns the registry holding the exported metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordHTTPRequest records control plane request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordEventReceived records a state change event delivered on a hub.
func (m *Metrics) RecordEventReceived(ctx context.Context, hub string) {
	m.EventsReceived.Add(ctx, 1, metric.WithAttributes(hubAttr(hub)))
}

// RecordEventIgnored records an event filtered out by scope.
func (m *Metrics) RecordEventIgnored(ctx context.Context, hub string) {
	m.EventsIgnored.Add(ctx, 1, metric.WithAttributes(hubAttr(hub)))
}

// RecordTransitionRejected records an ordering violation.
func (m *Metrics) RecordTransitionRejected(ctx context.Context, hub string) {
	m.TransitionsRejected.Add(ctx, 1, metric.WithAttributes(hubAttr(hub)))
}

// RecordTransportError records a push session fault.
func (m *Metrics) RecordTransportError(ctx context.Context) {
	m.TransportErrors.Add(ctx, 1)
}

// RecordRun records the outcome of a run.
func (m *Metrics) RecordRun(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.RunDuration.Record(ctx, durationSeconds, attrs)
	m.RunsTotal.Add(ctx, 1, attrs)
}

// Push sends the gathered metrics to a Prometheus Pushgateway, grouped by run id.
func (m *Metrics) Push(ctx context.Context, url, runID string) error {
	return push.New(url, PushJob).
		Gatherer(m.registry).
		Grouping("run_id", runID).
		PushContext(ctx)
}
