package bufmgr

import (
	"log/slog"

	"github.com/hupe1980/bufmgr/internal/compress"
)

const (
	// DefaultProcessorBatchSize is the base row count of processor batches.
	DefaultProcessorBatchSize = 256
	// DefaultConnectorBatchSize is the base row count of connector batches.
	DefaultConnectorBatchSize = 512
	// DefaultMaxStorageObjectSize is the largest serialized batch that is spilled.
	DefaultMaxStorageObjectSize = 8 << 20
	// DefaultMaxFileSize is the largest single spill file.
	DefaultMaxFileSize = 2 << 30
	// AutoSize lets the manager derive a memory limit from the process limit.
	AutoSize = -1
)

// Compression selects the codec of spilled batches.
type Compression = compress.Type

const (
	CompressionNone = compress.None
	CompressionLZ4  = compress.LZ4
	CompressionZSTD = compress.ZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return compress.ParseType(s)
}

type options struct {
	processorBatchSize   int
	connectorBatchSize   int
	maxProcessingKB      int64
	maxReserveKB         int64
	memoryBufferSpace    int64
	maxStorageObjectSize int64
	maxFileSize          int64
	maxStorageBytes      int64
	storageDir           string
	compression          Compression
	blockSize            int64
	ioLimit              int64
	backgroundWorkers    int64
	inlineLobs           bool
	metricsCollector     MetricsCollector
	logger               *Logger
}

// Option configures a BufferManager.
type Option func(*options)

// WithProcessorBatchSize sets the base row count of batches created for
// processing. Batches of narrow rows grow and batches of wide rows shrink.
func WithProcessorBatchSize(n int) Option {
	return func(o *options) {
		o.processorBatchSize = n
	}
}

// WithConnectorBatchSize sets the base row count of batches arriving from sources.
func WithConnectorBatchSize(n int) Option {
	return func(o *options) {
		o.connectorBatchSize = n
	}
}

// WithMaxProcessingKB sets the working memory budget operators reserve from.
// AutoSize derives it from the reserve.
func WithMaxProcessingKB(kb int64) Option {
	return func(o *options) {
		o.maxProcessingKB = kb
	}
}

// WithMaxReserveKB sets the soft ceiling of cached batch memory. Exceeding it
// spills; it never fails an operation. 0 spills every batch as soon as possible.
// AutoSize uses half of GOMEMLIMIT, or 256 MiB when no limit is set.
func WithMaxReserveKB(kb int64) Option {
	return func(o *options) {
		o.maxReserveKB = kb
	}
}

// WithMemoryBufferSpace keeps up to n bytes of serialized spilled batches in
// memory so that re-reads avoid storage.
func WithMemoryBufferSpace(n int64) Option {
	return func(o *options) {
		o.memoryBufferSpace = n
	}
}

// WithMaxStorageObjectSize sets the largest serialized batch that is spilled.
// Larger batches stay in memory.
func WithMaxStorageObjectSize(n int64) Option {
	return func(o *options) {
		o.maxStorageObjectSize = n
	}
}

// WithMaxFileSize sets the size at which spill files are split.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		o.maxFileSize = n
	}
}

// WithStorageDir spills to files below dir instead of memory.
func WithStorageDir(dir string) Option {
	return func(o *options) {
		o.storageDir = dir
	}
}

// WithMaxStorageBytes caps the disk space spill files may use. Writes beyond it
// fail with ErrStorageExhausted.
func WithMaxStorageBytes(n int64) Option {
	return func(o *options) {
		o.maxStorageBytes = n
	}
}

// WithCompression selects the codec of spilled batches.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithBlockSize sets the allocation unit of spill stores.
func WithBlockSize(n int64) Option {
	return func(o *options) {
		o.blockSize = n
	}
}

// WithIOLimit limits spill and load throughput in bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithBackgroundWorkers bounds concurrent spill store compactions.
func WithBackgroundWorkers(n int64) Option {
	return func(o *options) {
		o.backgroundWorkers = n
	}
}

// WithInlineLobs sets whether new tuple buffers embed LOB content in their
// batches. Buffers can change it with SetInlineLobs.
func WithInlineLobs(inline bool) Option {
	return func(o *options) {
		o.inlineLobs = inline
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &bufmgr.BasicMetricsCollector{}
//	bm, _ := bufmgr.New(bufmgr.WithMetricsCollector(metrics))
//	// ... use bm ...
//	stats := metrics.GetStats()
//	fmt.Printf("Spills: %d, Avg latency: %dns\n", stats.SpillCount, stats.SpillAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := bufmgr.NewJSONLogger(slog.LevelInfo)
//	bm, _ := bufmgr.New(bufmgr.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
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
		processorBatchSize:   DefaultProcessorBatchSize,
		connectorBatchSize:   DefaultConnectorBatchSize,
		maxProcessingKB:      AutoSize,
		maxReserveKB:         AutoSize,
		maxStorageObjectSize: DefaultMaxStorageObjectSize,
		maxFileSize:          DefaultMaxFileSize,
		compression:          CompressionLZ4,
		inlineLobs:           true,
		metricsCollector:     NoopMetricsCollector{},
		logger:               NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
