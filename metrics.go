package uppend

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; see
// observability.PrometheusCollector.
type MetricsCollector interface {
	// RecordAppend is called after each append.
	// bytes is the payload size, err is nil if successful.
	RecordAppend(bytes int, duration time.Duration, err error)

	// RecordRead is called when a read sequence finishes.
	// values is the number of payloads yielded.
	RecordRead(values int, duration time.Duration, err error)

	// RecordFlush is called after each store flush.
	RecordFlush(duration time.Duration, err error)

	// RecordBufferFlush is called after the append buffer was drained as
	// part of a flush. pending is the number of entries still buffered.
	RecordBufferFlush(pending int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAppend(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordRead(int, time.Duration, error)          {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)              {}
func (NoopMetricsCollector) RecordBufferFlush(int64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AppendCount      atomic.Int64
	AppendErrors     atomic.Int64
	AppendBytes      atomic.Int64
	AppendTotalNanos atomic.Int64
	ReadCount        atomic.Int64
	ReadErrors       atomic.Int64
	ReadValues       atomic.Int64
	ReadTotalNanos   atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushTotalNanos  atomic.Int64
	BufferFlushes    atomic.Int64
	BufferPending    atomic.Int64
}

// RecordAppend implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAppend(bytes int, duration time.Duration, err error) {
	b.AppendCount.Add(1)
	b.AppendTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AppendErrors.Add(1)
		return
	}
	b.AppendBytes.Add(int64(bytes))
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(values int, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadValues.Add(int64(values))
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordBufferFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBufferFlush(pending int64, _ time.Duration, _ error) {
	b.BufferFlushes.Add(1)
	b.BufferPending.Store(pending)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AppendCount:    b.AppendCount.Load(),
		AppendErrors:   b.AppendErrors.Load(),
		AppendBytes:    b.AppendBytes.Load(),
		AppendAvgNanos: avg(b.AppendTotalNanos.Load(), b.AppendCount.Load()),
		ReadCount:      b.ReadCount.Load(),
		ReadErrors:     b.ReadErrors.Load(),
		ReadValues:     b.ReadValues.Load(),
		ReadAvgNanos:   avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		FlushCount:     b.FlushCount.Load(),
		FlushErrors:    b.FlushErrors.Load(),
		FlushAvgNanos:  avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
		BufferFlushes:  b.BufferFlushes.Load(),
		BufferPending:  b.BufferPending.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AppendCount    int64
	AppendErrors   int64
	AppendBytes    int64
	AppendAvgNanos int64
	ReadCount      int64
	ReadErrors     int64
	ReadValues     int64
	ReadAvgNanos   int64
	FlushCount     int64
	FlushErrors    int64
	FlushAvgNanos  int64
	BufferFlushes  int64
	BufferPending  int64
}
