package connector

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/gatherd/internal/connector"

// Metrics holds all connector-related metrics.
type Metrics struct {
	meter        metric.Meter
	logger       *zap.Logger
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter
	retries      metric.Int64Counter
	duration     metric.Float64Histogram
	liveSessions metric.Int64UpDownCounter
	poolSize     metric.Int64UpDownCounter
	evictions    metric.Int64Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.toolCalls, err = m.meter.Int64Counter(
		"gatherd.connector.tool.calls_total",
		metric.WithDescription("Total number of connector tool calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create tool calls counter", zap.Error(err))
	}

	m.toolErrors, err = m.meter.Int64Counter(
		"gatherd.connector.tool.errors_total",
		metric.WithDescription("Total number of connector tool call errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create tool errors counter", zap.Error(err))
	}

	m.retries, err = m.meter.Int64Counter(
		"gatherd.connector.tool.retries_total",
		metric.WithDescription("Total number of reconnect-and-retry cycles"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retries counter", zap.Error(err))
	}

	// Tool calls drive remote browser automation; buckets run long.
	m.duration, err = m.meter.Float64Histogram(
		"gatherd.connector.tool.duration_seconds",
		metric.WithDescription("Duration of connector tool calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0, 600.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.liveSessions, err = m.meter.Int64UpDownCounter(
		"gatherd.connector.sessions_live",
		metric.WithDescription("Number of currently open connector sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create live sessions gauge", zap.Error(err))
	}

	m.poolSize, err = m.meter.Int64UpDownCounter(
		"gatherd.connector.pool.clients",
		metric.WithDescription("Number of clients held by the pool"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		m.logger.Warn("failed to create pool size gauge", zap.Error(err))
	}

	m.evictions, err = m.meter.Int64Counter(
		"gatherd.connector.pool.evictions_total",
		metric.WithDescription("Total number of idle clients evicted from the pool"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		m.logger.Warn("failed to create evictions counter", zap.Error(err))
	}
}

// ToolCall records one tool call attempt with its duration and outcome.
func (m *Metrics) ToolCall(ctx context.Context, toolName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", toolName),
	}
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.toolErrors != nil {
		m.toolErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// Retry records one reconnect-and-retry cycle.
func (m *Metrics) Retry(ctx context.Context, toolName string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", toolName),
		))
	}
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m.liveSessions != nil {
		m.liveSessions.Add(ctx, 1)
	}
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m.liveSessions != nil {
		m.liveSessions.Add(ctx, -1)
	}
}

// PoolClientAdded increments the pool size gauge.
func (m *Metrics) PoolClientAdded(ctx context.Context) {
	if m.poolSize != nil {
		m.poolSize.Add(ctx, 1)
	}
}

// PoolClientRemoved decrements the pool size gauge.
func (m *Metrics) PoolClientRemoved(ctx context.Context, evicted bool) {
	if m.poolSize != nil {
		m.poolSize.Add(ctx, -1)
	}
	if evicted && m.evictions != nil {
		m.evictions.Add(ctx, 1)
	}
}
