package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/uppend"
)

var _ uppend.MetricsCollector = (*PrometheusCollector)(nil)

type options struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
	labels     prometheus.Labels
}

// Option configures a PrometheusCollector.
type Option func(*options)

// WithNamespace sets the metric name prefix. Defaults to "uppend".
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithRegisterer registers the metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(b []float64) Option {
	return func(o *options) { o.buckets = b }
}

// WithConstLabels attaches labels to every metric, e.g. to tell stores apart.
func WithConstLabels(l prometheus.Labels) Option {
	return func(o *options) { o.labels = l }
}

// PrometheusCollector implements uppend.MetricsCollector with Prometheus
// metrics.
type PrometheusCollector struct {
	opLatency     *prometheus.HistogramVec
	appendedBytes prometheus.Counter
	readValues    prometheus.Counter
	backpressure  prometheus.Counter
	bufferPending prometheus.Gauge
	bufferFlushes *prometheus.CounterVec
}

// NewPrometheusCollector creates and registers the store metrics.
func NewPrometheusCollector(optFns ...Option) (*PrometheusCollector, error) {
	o := options{
		namespace:  "uppend",
		registerer: prometheus.DefaultRegisterer,
		buckets:    prometheus.DefBuckets,
	}
	for _, fn := range optFns {
		fn(&o)
	}

	c := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   o.namespace,
			Name:        "operation_latency_seconds",
			Help:        "Latency of store operations",
			Buckets:     o.buckets,
			ConstLabels: o.labels,
		}, []string{"op", "status"}),
		appendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "appended_bytes_total",
			Help:        "Payload bytes appended",
			ConstLabels: o.labels,
		}),
		readValues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "read_values_total",
			Help:        "Values returned by reads",
			ConstLabels: o.labels,
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "backpressure_events_total",
			Help:        "Appends rejected because the buffer memory budget was exhausted",
			ConstLabels: o.labels,
		}),
		bufferPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "buffer_pending_appends",
			Help:        "Buffered appends not yet applied after the last flush",
			ConstLabels: o.labels,
		}),
		bufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "buffer_flushes_total",
			Help:        "Append buffer flushes",
			ConstLabels: o.labels,
		}, []string{"status"}),
	}

	for _, col := range []prometheus.Collector{
		c.opLatency, c.appendedBytes, c.readValues, c.backpressure, c.bufferPending, c.bufferFlushes,
	} {
		if err := o.registerer.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordAppend implements uppend.MetricsCollector.
func (c *PrometheusCollector) RecordAppend(bytes int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("append", status(err)).Observe(d.Seconds())
	if err == nil {
		c.appendedBytes.Add(float64(bytes))
	} else if errors.Is(err, uppend.ErrBackpressure) {
		c.backpressure.Inc()
	}
}

// RecordRead implements uppend.MetricsCollector.
func (c *PrometheusCollector) RecordRead(values int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("read", status(err)).Observe(d.Seconds())
	c.readValues.Add(float64(values))
}

// RecordFlush implements uppend.MetricsCollector.
func (c *PrometheusCollector) RecordFlush(d time.Duration, err error) {
	c.opLatency.WithLabelValues("flush", status(err)).Observe(d.Seconds())
}

// RecordBufferFlush implements uppend.MetricsCollector.
func (c *PrometheusCollector) RecordBufferFlush(pending int64, _ time.Duration, err error) {
	c.bufferPending.Set(float64(pending))
	c.bufferFlushes.WithLabelValues(status(err)).Inc()
}
