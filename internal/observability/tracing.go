package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

var dbSystem atomic.Value

// SetDBSystem sets the db.system attribute reported on database spans
func SetDBSystem(system string) {
	dbSystem.Store(system)
}

func currentDBSystem() string {
	if v, ok := dbSystem.Load().(string); ok {
		return v
	}
	return "sqlite"
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", currentDBSystem()),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// DatabaseMetrics holds query metrics for the repository layer
type DatabaseMetrics struct {
	queries  metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	lockWait metric.Float64Histogram
}

// NewDatabaseMetrics creates database metrics instruments
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &DatabaseMetrics{}
	var err error

	if m.queries, err = meter.Int64Counter("db.query.count",
		metric.WithDescription("Total number of database queries"), metric.WithUnit("{queries}")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("db.error.count",
		metric.WithDescription("Total number of failed database queries"), metric.WithUnit("{errors}")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("db.query.duration",
		metric.WithDescription("Database query duration in milliseconds"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.lockWait, err = meter.Float64Histogram("deviceguard.db.user_lock_wait",
		metric.WithDescription("Time spent acquiring the per-user admission lock in milliseconds"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordQuery records one query against a table
func (m *DatabaseMetrics) RecordQuery(ctx context.Context, operation, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("db.system", currentDBSystem()),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
	)
	m.queries.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}

// RecordLockWait records how long an admission waited for the user's lock row
func (m *DatabaseMetrics) RecordLockWait(ctx context.Context, wait time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Record(ctx, float64(wait.Microseconds())/1000,
		metric.WithAttributes(attribute.String("db.system", currentDBSystem())))
}

// DeviceMetrics holds admission and allow-list propagation metrics
type DeviceMetrics struct {
	admissions     metric.Int64Counter
	devicesCreated metric.Int64Counter
	syncDeliveries metric.Int64Counter
	syncLatency    metric.Float64Histogram
	connectedNodes metric.Int64UpDownCounter
	authAttempts   metric.Int64Counter
}

// NewDeviceMetrics creates device metrics instruments
func NewDeviceMetrics() (*DeviceMetrics, error) {
	meter := otel.Meter(instrumentationName)

	admissions, err := meter.Int64Counter(
		"deviceguard.admission.decisions",
		metric.WithDescription("Total number of admission decisions"),
		metric.WithUnit("{decisions}"),
	)
	if err != nil {
		return nil, err
	}

	devicesCreated, err := meter.Int64Counter(
		"deviceguard.devices.created",
		metric.WithDescription("Total number of devices registered"),
		metric.WithUnit("{devices}"),
	)
	if err != nil {
		return nil, err
	}

	syncDeliveries, err := meter.Int64Counter(
		"deviceguard.sync.deliveries",
		metric.WithDescription("Allow-list deliveries to proxy nodes by result"),
		metric.WithUnit("{deliveries}"),
	)
	if err != nil {
		return nil, err
	}

	syncLatency, err := meter.Float64Histogram(
		"deviceguard.sync.latency",
		metric.WithDescription("Time from allow-list change to node acknowledgement in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	connectedNodes, err := meter.Int64UpDownCounter(
		"deviceguard.nodes.connected",
		metric.WithDescription("Number of proxy nodes with an open control connection"),
		metric.WithUnit("{nodes}"),
	)
	if err != nil {
		return nil, err
	}

	authAttempts, err := meter.Int64Counter(
		"deviceguard.auth.attempts",
		metric.WithDescription("Total number of node authentication attempts"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	return &DeviceMetrics{
		admissions:     admissions,
		devicesCreated: devicesCreated,
		syncDeliveries: syncDeliveries,
		syncLatency:    syncLatency,
		connectedNodes: connectedNodes,
		authAttempts:   authAttempts,
	}, nil
}

// RecordAdmission records an admission decision
func (m *DeviceMetrics) RecordAdmission(ctx context.Context, outcome, reason string, isNew bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attrs...))
	if isNew {
		m.devicesCreated.Add(ctx, 1)
	}
}

// RecordSyncDelivery records one delivery attempt of an allow-list to a node
func (m *DeviceMetrics) RecordSyncDelivery(ctx context.Context, nodeID, result string, sinceChange time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("node_id", nodeID),
		attribute.String("result", result),
	}
	m.syncDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	if result == "acked" {
		m.syncLatency.Record(ctx, float64(sinceChange.Milliseconds()), metric.WithAttributes(attrs[0]))
	}
}

// RecordNodeConnection tracks node control connections
func (m *DeviceMetrics) RecordNodeConnection(ctx context.Context, connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connectedNodes.Add(ctx, 1)
	} else {
		m.connectedNodes.Add(ctx, -1)
	}
}

// RecordAuthAttempt records a node authentication attempt
func (m *DeviceMetrics) RecordAuthAttempt(ctx context.Context, method string, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("auth_method", method),
		attribute.Bool("success", success),
	}
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}
