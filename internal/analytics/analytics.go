// Package analytics emits connection lifecycle events.
//
// Events are fire-and-forget: emission failures are logged and never
// surfaced to callers, so analytics can never break a sign-in flow.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event names emitted across the sign-in and retrieval lifecycle.
const (
	EventConnectionAttempt       = "connection_attempt"
	EventConnectionSuccessful    = "connection_successful"
	EventConnectionFailed        = "connection_failed"
	EventBrandConnected          = "brand_connected_successful"
	EventDataRetrievedSuccessful = "data_retrieved_successful"
	EventDataCleared             = "data_cleared"
)

// SubjectPrefix is the NATS subject root for analytics events.
const SubjectPrefix = "gatherd.analytics"

// Emitter records one named event with optional properties.
type Emitter interface {
	Emit(ctx context.Context, event string, props map[string]any)
}

// envelope is the published wire form of an event.
type envelope struct {
	Event      string         `json:"event"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NATSEmitter publishes events to gatherd.analytics.<event>.
type NATSEmitter struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSEmitter creates an emitter over an established connection.
func NewNATSEmitter(nc *nats.Conn, logger *zap.Logger) *NATSEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSEmitter{nc: nc, logger: logger}
}

// Emit publishes the event. Marshal and publish errors are logged and
// dropped.
func (e *NATSEmitter) Emit(ctx context.Context, event string, props map[string]any) {
	data, err := json.Marshal(envelope{
		Event:      event,
		Timestamp:  time.Now().UTC(),
		Properties: props,
	})
	if err != nil {
		e.logger.Warn("marshal analytics event", zap.String("event", event), zap.Error(err))
		return
	}

	subject := SubjectPrefix + "." + event
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn("publish analytics event",
			zap.String("event", event),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// LogEmitter writes events to the logger, for development runs without
// a broker.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a logger-backed emitter.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, event string, props map[string]any) {
	e.logger.Info("analytics event",
		zap.String("event", event),
		zap.Any("properties", props))
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, event string, props map[string]any) {}
