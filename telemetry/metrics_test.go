package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestRecorder builds instruments against a private provider so tests do not depend on the
// process-wide recorder created by NewRecorder.
func newTestRecorder(t *testing.T) (*otelRecorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	meter := provider.Meter("cdp")
	deliveries, err := meter.Int64Counter("cdp.delivery.requests")
	require.NoError(t, err)
	events, err := meter.Int64Counter("cdp.delivery.events")
	require.NoError(t, err)
	failures, err := meter.Int64Counter("cdp.delivery.failures")
	require.NoError(t, err)
	flushes, err := meter.Int64Counter("cdp.queue.flushes")
	require.NoError(t, err)
	flushSize, err := meter.Int64Histogram("cdp.queue.flush_size")
	require.NoError(t, err)

	return &otelRecorder{
		deliveries: deliveries,
		events:     events,
		failures:   failures,
		flushes:    flushes,
		flushSize:  flushSize,
	}, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestRecordDelivery(t *testing.T) {
	r, reader := newTestRecorder(t)
	ctx := context.Background()

	r.RecordDelivery(ctx, "beacon", 3, nil)
	r.RecordDelivery(ctx, "beacon", 2, nil)
	r.RecordDelivery(ctx, "sync", 1, errors.New("boom"))

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "cdp.delivery.requests"), "sender", "beacon"))
	assert.Equal(t, int64(5), sumFor(t, findMetric(rm, "cdp.delivery.events"), "sender", "beacon"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cdp.delivery.failures"), "sender", "sync"))
	assert.Equal(t, int64(0), sumFor(t, findMetric(rm, "cdp.delivery.events"), "sender", "sync"))
}

func TestRecordFlush(t *testing.T) {
	r, reader := newTestRecorder(t)

	r.RecordFlush(context.Background(), "size", 10)
	r.RecordFlush(context.Background(), "timer", 1)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cdp.queue.flushes"), "reason", "size"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "cdp.queue.flushes"), "reason", "timer"))
	assert.NotNil(t, findMetric(rm, "cdp.queue.flush_size"))
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	assert.NotPanics(t, func() {
		r.RecordDelivery(context.Background(), "beacon", 1, nil)
		r.RecordFlush(context.Background(), "unload", 0)
	})
}
