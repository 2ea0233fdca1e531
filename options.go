package uppend

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/hupe1980/uppend/internal/blob"
	"github.com/hupe1980/uppend/internal/fs"
)

// Defaults.
const (
	DefaultCacheSize         = 64 << 20
	DefaultReadConcurrency   = 8
	DefaultBackgroundWorkers = 4
)

// Compression selects the payload codec. Every payload records its own
// codec, so the setting may change between opens.
type Compression = blob.Compression

// Payload codecs.
const (
	CompressionNone = blob.CompressionNone
	CompressionLZ4  = blob.CompressionLZ4
	CompressionZstd = blob.CompressionZstd
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return blob.ParseCompression(s)
}

type options struct {
	readOnly          bool
	valuesPerBlock    int
	hashDepth         int
	compression       Compression
	compressionSet    bool
	unbuffered        bool
	bufferMinSize     int
	bufferMaxSize     int
	workers           int
	flushTimeout      time.Duration
	flushInterval     time.Duration
	flusher           *Flusher
	cache             BlockCache
	cacheSize         int64
	memoryLimit       int64
	ioLimit           int64
	backgroundWorkers int
	readConcurrency   int
	maxPages          int
	metricsCollector  MetricsCollector
	logger            *Logger
	fs                fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithReadOnly opens the store without write access. Several read-only
// processes may share a directory; a writer excludes everybody else.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithValuesPerBlock sets the capacity of a value-chain block.
//
// The block width is fixed when the store is created. Reopening with a
// different value fails with ErrIncompatibleFormat; leaving it unset adopts
// the stored value. Small blocks waste less space on keys with few values,
// large blocks make long chains cheaper to walk.
func WithValuesPerBlock(n int) Option {
	return func(o *options) {
		o.valuesPerBlock = n
	}
}

// WithHashDepth sets how many hash-byte directory levels (1..3) each
// partition's key index is spread over. Fixed at creation like
// WithValuesPerBlock.
func WithHashDepth(depth int) Option {
	return func(o *options) {
		o.hashDepth = depth
	}
}

// WithCompression sets the codec for newly appended payloads.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
		o.compressionSet = true
	}
}

// WithBufferSize bounds the per-shard batch size of the append buffer. Each
// shard flushes after a randomly drawn number of entries in [min, max), so
// shards filled at the same rate do not all flush at once.
func WithBufferSize(minSize, maxSize int) Option {
	return func(o *options) {
		o.bufferMinSize = minSize
		o.bufferMaxSize = maxSize
	}
}

// WithUnbufferedAppends applies every append to the index and value chain
// immediately. Appended values are visible at once, at the cost of
// throughput under many concurrent writers.
func WithUnbufferedAppends() Option {
	return func(o *options) {
		o.unbuffered = true
	}
}

// WithWorkers sets the number of goroutines applying buffered batches.
// Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithFlushTimeout bounds how long Flush waits for outstanding batches.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) {
		o.flushTimeout = d
	}
}

// WithFlushInterval flushes the store periodically with a Flusher owned by
// the store.
//
// Example:
//
//	db, _ := uppend.Open("./data", uppend.WithFlushInterval(30*time.Second))
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.flushInterval = d
	}
}

// WithFlusher registers the store with a shared Flusher. The store
// deregisters itself on Close; the caller closes the Flusher.
//
// Example:
//
//	f := uppend.NewFlusher(time.Minute)
//	defer f.Close()
//	a, _ := uppend.Open("./a", uppend.WithFlusher(f))
//	b, _ := uppend.Open("./b", uppend.WithFlusher(f))
func WithFlusher(f *Flusher) Option {
	return func(o *options) {
		o.flusher = f
	}
}

// WithBlockCache shares a payload cache between stores. The caller closes
// it after the stores.
func WithBlockCache(c BlockCache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithCacheSize sets the capacity in bytes of the payload cache the store
// creates when none is shared. 0 disables caching.
func WithCacheSize(bytes int64) Option {
	return func(o *options) {
		o.cacheSize = bytes
	}
}

// WithMemoryLimit caps the memory of buffered appends and cached payloads.
// Appends beyond the limit fail with ErrBackpressure until a flush frees
// buffer space.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithIOLimit throttles backup and restore transfers to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithBackgroundWorkers bounds how many shards are flushed concurrently.
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.backgroundWorkers = n
	}
}

// WithReadConcurrency bounds the payloads Read fetches in parallel.
func WithReadConcurrency(n int) Option {
	return func(o *options) {
		o.readConcurrency = n
	}
}

// WithMaxPages bounds the mmap pages of each value-chain file.
func WithMaxPages(n int) Option {
	return func(o *options) {
		o.maxPages = n
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &uppend.BasicMetricsCollector{}
//	db, _ := uppend.Open("./data", uppend.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Appends: %d, Avg latency: %dns\n", stats.AppendCount, stats.AppendAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := uppend.NewJSONLogger(slog.LevelInfo)
//	db, _ := uppend.Open("./data", uppend.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		cacheSize:         DefaultCacheSize,
		workers:           runtime.GOMAXPROCS(0),
		backgroundWorkers: DefaultBackgroundWorkers,
		readConcurrency:   DefaultReadConcurrency,
		metricsCollector:  NoopMetricsCollector{},
		logger:            NoopLogger(),
		fs:                fs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.readConcurrency <= 0 {
		o.readConcurrency = 1
	}
	return o
}
