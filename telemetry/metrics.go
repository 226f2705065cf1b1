// Package telemetry records tracker delivery metrics.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Recorder records delivery outcomes.
// Use NewRecorder() for OTel metrics or Noop{} when disabled.
type Recorder interface {
	// RecordDelivery records one payload handed to a sender and whether it was accepted.
	RecordDelivery(ctx context.Context, sender string, events int, err error)

	// RecordFlush records a queue flush and what triggered it.
	RecordFlush(ctx context.Context, reason string, size int)
}

type otelRecorder struct {
	deliveries metric.Int64Counter
	events     metric.Int64Counter
	failures   metric.Int64Counter
	flushes    metric.Int64Counter
	flushSize  metric.Int64Histogram
}

var (
	defaultRecorder     *otelRecorder
	defaultRecorderOnce sync.Once
	defaultRecorderErr  error
)

func newOtelRecorder() (*otelRecorder, error) {
	meter := otel.Meter("cdp")

	deliveries, err := meter.Int64Counter("cdp.delivery.requests",
		metric.WithDescription("Number of payloads handed to a sender"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter("cdp.delivery.events",
		metric.WithDescription("Number of events in accepted payloads"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("cdp.delivery.failures",
		metric.WithDescription("Number of payloads a sender rejected or failed"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter("cdp.queue.flushes",
		metric.WithDescription("Number of batch queue flushes"),
	)
	if err != nil {
		return nil, err
	}

	flushSize, err := meter.Int64Histogram("cdp.queue.flush_size",
		metric.WithDescription("Events per batch queue flush"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		deliveries: deliveries,
		events:     events,
		failures:   failures,
		flushes:    flushes,
		flushSize:  flushSize,
	}, nil
}

// NewRecorder returns a Recorder on the global OTel meter provider, falling back to Noop
// if the instruments cannot be created.
func NewRecorder(logger *zap.Logger) Recorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder, defaultRecorderErr = newOtelRecorder()
	})
	if defaultRecorderErr != nil {
		logger.Warn("metrics initialization failed, using no-op recorder", zap.Error(defaultRecorderErr))
		return Noop{}
	}
	return defaultRecorder
}

func (r *otelRecorder) RecordDelivery(ctx context.Context, sender string, events int, err error) {
	attrs := metric.WithAttributes(attribute.String("sender", sender))
	r.deliveries.Add(ctx, 1, attrs)
	if err != nil {
		r.failures.Add(ctx, 1, attrs)
		return
	}
	r.events.Add(ctx, int64(events), attrs)
}

func (r *otelRecorder) RecordFlush(ctx context.Context, reason string, size int) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	r.flushes.Add(ctx, 1, attrs)
	r.flushSize.Record(ctx, int64(size), attrs)
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) RecordDelivery(context.Context, string, int, error) {}
func (Noop) RecordFlush(context.Context, string, int)           {}
