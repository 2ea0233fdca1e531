package observability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/uppend"
)

// gather returns every sample value keyed by metric name and label pairs.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf(",%s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				out[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[name] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(WithRegisterer(reg), WithNamespace("test"))
	require.NoError(t, err)

	c.RecordAppend(10, time.Millisecond, nil)
	c.RecordAppend(5, time.Millisecond, nil)
	c.RecordAppend(7, time.Millisecond, fmt.Errorf("wrapped: %w", uppend.ErrBackpressure))
	c.RecordRead(3, time.Millisecond, nil)
	c.RecordFlush(time.Millisecond, nil)
	c.RecordBufferFlush(4, time.Millisecond, uppend.ErrFlushIncomplete)

	got := gather(t, reg)
	assert.Equal(t, 15.0, got["test_appended_bytes_total"])
	assert.Equal(t, 1.0, got["test_backpressure_events_total"])
	assert.Equal(t, 3.0, got["test_read_values_total"])
	assert.Equal(t, 4.0, got["test_buffer_pending_appends"])
	assert.Equal(t, 1.0, got["test_buffer_flushes_total,status=error"])
	assert.Equal(t, 2.0, got["test_operation_latency_seconds,op=append,status=success"])
	assert.Equal(t, 1.0, got["test_operation_latency_seconds,op=append,status=error"])
	assert.Equal(t, 1.0, got["test_operation_latency_seconds,op=flush,status=success"])

	t.Run("DuplicateRegistration", func(t *testing.T) {
		_, err := NewPrometheusCollector(WithRegisterer(reg), WithNamespace("test"))
		assert.Error(t, err)
	})

	t.Run("ConstLabels", func(t *testing.T) {
		_, err := NewPrometheusCollector(WithRegisterer(reg), WithNamespace("other"),
			WithConstLabels(prometheus.Labels{"store": "b"}), WithBuckets([]float64{0.001, 0.1}))
		assert.NoError(t, err)
	})
}

func TestPrometheusCollector_Store(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(WithRegisterer(reg))
	require.NoError(t, err)

	db, err := uppend.Open(t.TempDir(), uppend.WithMetricsCollector(c))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Append(ctx, "p", "k", []byte("abc")))
	require.NoError(t, db.Flush(ctx))
	for _, err := range db.Read(ctx, "p", "k") {
		require.NoError(t, err)
	}

	got := gather(t, reg)
	assert.Equal(t, 3.0, got["uppend_appended_bytes_total"])
	assert.Equal(t, 1.0, got["uppend_read_values_total"])
	assert.Equal(t, 1.0, got["uppend_buffer_flushes_total,status=success"])
}
