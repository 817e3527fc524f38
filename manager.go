package bufmgr

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/cache"
	"github.com/hupe1980/bufmgr/internal/resource"
	"github.com/hupe1980/bufmgr/storage"
	"github.com/hupe1980/bufmgr/stree"
	"github.com/hupe1980/bufmgr/types"
)

const (
	kindTupleBuffer = "tuple_buffer"
	kindSTree       = "stree"
	kindFileStore   = "file_store"
)

const (
	defaultAutoReserve   = 256 << 20
	minProcessingBytes   = 8 << 20
	targetRowBytes       = 512
	maxBatchScaleDoubles = 3
)

// SourceType tells CreateTupleBuffer which base batch size applies.
type SourceType uint8

const (
	// SourceProcessor buffers rows produced by query processing.
	SourceProcessor SourceType = iota
	// SourceConnector buffers rows arriving from a data source.
	SourceConnector
)

// ReserveMode selects how ReserveBuffers behaves when the processing budget is
// short.
type ReserveMode = resource.Mode

const (
	// ReserveWait blocks until the request, clamped to the budget, is available.
	ReserveWait = resource.ModeWait
	// ReserveNoWait grants whatever part of the request is free without blocking.
	ReserveNoWait = resource.ModeNoWait
	// ReserveForce grants the full request, overdrawing the budget if needed.
	ReserveForce = resource.ModeForce
)

// Stats is a snapshot of budget usage and spill activity.
type Stats struct {
	ReserveUsedBytes     int64
	ReserveLimitBytes    int64
	ProcessingUsedBytes  int64
	ProcessingLimitBytes int64
	ResidentBytes        int64
	Spills               int64
	Loads                int64
	MemoryHits           int64
	Evictions            int64
	Compactions          int64
	Relocations          int64
	Unspillable          int64
	SpillStoreBytes      int64
	FreeBlocks           uint64
	StorageBytes         int64
	TupleBuffers         int
	STrees               int
	FileStores           int
}

// BufferManager owns the memory budgets and spill storage shared by concurrent
// queries, and creates the buffers, trees and stores they work with.
type BufferManager struct {
	opts    options
	logger  *Logger
	metrics MetricsCollector
	rc      *resource.Controller
	storage storage.Manager
	cache   *cache.Cache

	mu      sync.Mutex
	names   map[string]int
	stores  map[*storage.FileStore]struct{}
	buffers map[*TupleBuffer]struct{}
	trees   map[*stree.STree]struct{}
	closed  bool
}

// New creates a buffer manager.
func New(optFns ...Option) (*BufferManager, error) {
	o := applyOptions(optFns)
	if o.processorBatchSize < 1 || o.connectorBatchSize < 1 {
		return nil, errs.Violation("new buffer manager", "batch sizes must be positive")
	}

	reserve := o.maxReserveKB * 1024
	if o.maxReserveKB < 0 {
		reserve = autoReserveBytes()
	}
	processing := o.maxProcessingKB * 1024
	if o.maxProcessingKB < 0 {
		processing = max(reserve/8, minProcessingBytes)
	}

	var sm storage.Manager = storage.NewMemoryManager()
	if o.storageDir != "" {
		dm, err := storage.NewDiskManager(storage.DiskConfig{
			Dir:      o.storageDir,
			MaxBytes: o.maxStorageBytes,
			Logger:   o.logger.Logger,
		})
		if err != nil {
			return nil, err
		}
		sm = storage.NewSplittableManager(dm, o.maxFileSize)
	}

	rc := resource.NewController(resource.Config{
		ReserveLimitBytes:    reserve,
		ProcessingLimitBytes: processing,
		MaxBackgroundWorkers: o.backgroundWorkers,
		IOLimitBytesPerSec:   o.ioLimit,
	})

	bm := &BufferManager{
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
		rc:      rc,
		storage: sm,
		names:   make(map[string]int),
		stores:  make(map[*storage.FileStore]struct{}),
		buffers: make(map[*TupleBuffer]struct{}),
		trees:   make(map[*stree.STree]struct{}),
	}
	bm.cache = cache.New(cache.Config{
		Controller:           rc,
		MemoryBufferSpace:    o.memoryBufferSpace,
		MaxStorageObjectSize: o.maxStorageObjectSize,
		Compression:          o.compression,
		BlockSize:            o.blockSize,
		Logger:               o.logger.Logger,
		Observer:             observer{mc: o.metricsCollector},
	})

	bm.logger.Info("buffer manager started",
		"reserve_bytes", reserve,
		"processing_bytes", processing,
		"storage_dir", o.storageDir,
	)
	return bm, nil
}

// autoReserveBytes returns half of the process memory limit, or a fixed default
// when none is set.
func autoReserveBytes() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return defaultAutoReserve
	}
	return limit / 2
}

// ProcessorBatchSize returns the batch row count for processing rows of schema.
func (bm *BufferManager) ProcessorBatchSize(schema types.Schema) int {
	return scaleBatchSize(bm.opts.processorBatchSize, schema)
}

// ConnectorBatchSize returns the batch row count for source rows of schema.
func (bm *BufferManager) ConnectorBatchSize(schema types.Schema) int {
	return scaleBatchSize(bm.opts.connectorBatchSize, schema)
}

// scaleBatchSize adjusts base by powers of two so that a batch holds about
// base*targetRowBytes bytes. Narrow rows grow the batch at most eightfold.
func scaleBatchSize(base int, schema types.Schema) int {
	if len(schema) == 0 {
		return max(base, 1)
	}
	width := schema.EstimateRowSize()
	size := base
	for i := 0; i < maxBatchScaleDoubles && width*2 <= targetRowBytes; i++ {
		size *= 2
		width *= 2
	}
	for width > targetRowBytes && size > 1 {
		size /= 2
		width /= 2
	}
	return max(size, 1)
}

func (bm *BufferManager) checkOpen(op string) error {
	if bm.closed {
		return errs.ViolationOf(op, errs.ErrClosed, "buffer manager closed")
	}
	return nil
}

// CreateFileStore returns a new store. Repeated names get a numeric suffix so
// that every store of one manager has a distinct name.
func (bm *BufferManager) CreateFileStore(name string) (*storage.FileStore, error) {
	bm.mu.Lock()
	if err := bm.checkOpen("create file store"); err != nil {
		bm.mu.Unlock()
		return nil, err
	}
	n := bm.names[name]
	bm.names[name] = n + 1
	bm.mu.Unlock()

	unique := name
	if n > 0 {
		unique = fmt.Sprintf("%s_%d", name, n)
	}
	region, err := bm.storage.CreateRegion(unique)
	if err != nil {
		return nil, errs.Component("create file store", err)
	}
	fs := storage.NewFileStore(unique, region)
	fs.OnRemove(func(s *storage.FileStore) {
		bm.mu.Lock()
		delete(bm.stores, s)
		bm.mu.Unlock()
		bm.metrics.RecordBuffer(kindFileStore, -1)
	})

	bm.mu.Lock()
	bm.stores[fs] = struct{}{}
	bm.mu.Unlock()
	bm.metrics.RecordBuffer(kindFileStore, 1)
	return fs, nil
}

func (bm *BufferManager) storeFactory() cache.StoreFactory {
	return bm.CreateFileStore
}

// CreateTupleBuffer creates an empty buffer for rows of schema. id names the
// buffer in logs and spill files.
func (bm *BufferManager) CreateTupleBuffer(schema types.Schema, id string, src SourceType) (*TupleBuffer, error) {
	if err := schema.Validate(); err != nil {
		return nil, errs.Violation("create tuple buffer", "%v", err)
	}
	batchSize := bm.ProcessorBatchSize(schema)
	if src == SourceConnector {
		batchSize = bm.ConnectorBatchSize(schema)
	}

	tb, err := newTupleBuffer(bm, schema, id, batchSize)
	if err != nil {
		return nil, err
	}

	bm.mu.Lock()
	if err := bm.checkOpen("create tuple buffer"); err != nil {
		bm.mu.Unlock()
		_ = tb.release()
		return nil, err
	}
	bm.buffers[tb] = struct{}{}
	bm.mu.Unlock()
	bm.metrics.RecordBuffer(kindTupleBuffer, 1)
	return tb, nil
}

func (bm *BufferManager) forgetBuffer(tb *TupleBuffer) {
	bm.mu.Lock()
	_, ok := bm.buffers[tb]
	delete(bm.buffers, tb)
	bm.mu.Unlock()
	if ok {
		bm.metrics.RecordBuffer(kindTupleBuffer, -1)
	}
}

// CreateSTree creates an empty search tree over rows of schema whose first
// keyLength columns form the key. Leaf pages hold ProcessorBatchSize(schema)
// rows and internal pages ProcessorBatchSize of the key columns.
func (bm *BufferManager) CreateSTree(schema types.Schema, id string, keyLength int) (*stree.STree, error) {
	if keyLength <= 0 || keyLength > len(schema) {
		return nil, errs.Violation("create stree", "key length %d outside 1..%d", keyLength, len(schema))
	}
	bm.mu.Lock()
	if err := bm.checkOpen("create stree"); err != nil {
		bm.mu.Unlock()
		return nil, err
	}
	bm.mu.Unlock()

	t, err := stree.New(bm.cache, id, bm.storeFactory(), stree.Config{
		Schema:    schema,
		KeyLength: keyLength,
		LeafSize:  bm.ProcessorBatchSize(schema),
		KeySize:   bm.ProcessorBatchSize(schema[:keyLength]),
		Logger:    bm.logger.Logger,
	})
	if err != nil {
		return nil, err
	}

	bm.mu.Lock()
	bm.trees[t] = struct{}{}
	bm.mu.Unlock()
	bm.metrics.RecordBuffer(kindSTree, 1)
	return t, nil
}

// ReleaseSTree releases a tree created by this manager.
func (bm *BufferManager) ReleaseSTree(t *stree.STree) error {
	bm.mu.Lock()
	_, ok := bm.trees[t]
	delete(bm.trees, t)
	bm.mu.Unlock()
	if ok {
		bm.metrics.RecordBuffer(kindSTree, -1)
	}
	return t.Release()
}

// ReserveBuffers reserves kb of processing memory and returns the amount
// granted. Release it with ReleaseBuffers.
func (bm *BufferManager) ReserveBuffers(ctx context.Context, kb int, mode ReserveMode) (int, error) {
	if kb < 0 {
		return 0, errs.Violation("reserve buffers", "negative request %d", kb)
	}
	granted, err := bm.rc.ReserveProcessing(ctx, int64(kb)*1024, mode)
	if rem := granted % 1024; rem > 0 {
		// Grants are handed out and returned in whole KB.
		bm.rc.ReleaseProcessing(rem)
	}
	grantedKB := int(granted / 1024)
	bm.logger.LogReserve(ctx, mode, kb, grantedKB, err)
	bm.metrics.RecordReservation(kb, grantedKB, err)
	return grantedKB, err
}

// ReleaseBuffers returns kb previously granted by ReserveBuffers.
func (bm *BufferManager) ReleaseBuffers(kb int) {
	bm.rc.ReleaseProcessing(int64(kb) * 1024)
}

// Stats returns a snapshot of budget usage and spill activity.
func (bm *BufferManager) Stats() Stats {
	cs := bm.cache.Stats()
	bm.mu.Lock()
	buffers, trees, stores := len(bm.buffers), len(bm.trees), len(bm.stores)
	bm.mu.Unlock()
	return Stats{
		ReserveUsedBytes:     bm.rc.ReserveUsage(),
		ReserveLimitBytes:    bm.rc.ReserveLimit(),
		ProcessingUsedBytes:  bm.rc.ProcessingUsage(),
		ProcessingLimitBytes: bm.rc.ProcessingLimit(),
		ResidentBytes:        cs.ResidentBytes,
		Spills:               cs.Spills,
		Loads:                cs.Loads,
		MemoryHits:           cs.MemoryHits,
		Evictions:            cs.Evictions,
		Compactions:          cs.Compactions,
		Relocations:          cs.Relocations,
		Unspillable:          cs.Unspillable,
		SpillStoreBytes:      cs.StoreBytes,
		FreeBlocks:           cs.FreeBlocks,
		StorageBytes:         bm.storage.UsedBytes(),
		TupleBuffers:         buffers,
		STrees:               trees,
		FileStores:           stores,
	}
}

// Close releases every buffer, tree and store still alive and the spill
// storage. Objects left open are logged as leaks.
func (bm *BufferManager) Close() error {
	bm.mu.Lock()
	if bm.closed {
		bm.mu.Unlock()
		return nil
	}
	bm.closed = true
	buffers := make([]*TupleBuffer, 0, len(bm.buffers))
	for tb := range bm.buffers {
		buffers = append(buffers, tb)
	}
	trees := make([]*stree.STree, 0, len(bm.trees))
	for t := range bm.trees {
		trees = append(trees, t)
	}
	bm.mu.Unlock()

	ctx := context.Background()
	bm.logger.LogLeaks(ctx, len(buffers), len(trees), 0)

	var g errgroup.Group
	for _, tb := range buffers {
		g.Go(tb.Remove)
	}
	for _, t := range trees {
		g.Go(func() error { return bm.ReleaseSTree(t) })
	}
	err := g.Wait()

	if cerr := bm.cache.Close(); err == nil {
		err = cerr
	}

	bm.mu.Lock()
	stores := make([]*storage.FileStore, 0, len(bm.stores))
	for s := range bm.stores {
		stores = append(stores, s)
	}
	bm.mu.Unlock()
	if len(stores) > 0 {
		bm.logger.LogLeaks(ctx, 0, 0, len(stores))
	}
	for _, s := range stores {
		if rerr := s.Remove(); err == nil {
			err = rerr
		}
	}

	if serr := bm.storage.Close(); err == nil {
		err = serr
	}
	return err
}
