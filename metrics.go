package bufmgr

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/bufmgr/internal/cache"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// promcollector package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordSpill is called after a batch or page was written to spill storage.
	// bytes is the compressed frame size.
	RecordSpill(bytes int, duration time.Duration)

	// RecordLoad is called after a spilled batch was read back. fromMemory is
	// true when the memory buffer space served it.
	RecordLoad(bytes int, fromMemory bool, duration time.Duration)

	// RecordCompaction is called after a spill store compaction cycle.
	RecordCompaction(relocated int, freedBytes int64)

	// RecordReservation is called after each processing reservation.
	RecordReservation(requestedKB, grantedKB int, err error)

	// RecordBuffer is called when a buffer, tree or store is created (delta 1)
	// or released (delta -1). kind is "tuple_buffer", "stree" or "file_store".
	RecordBuffer(kind string, delta int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSpill(int, time.Duration)      {}
func (NoopMetricsCollector) RecordLoad(int, bool, time.Duration) {}
func (NoopMetricsCollector) RecordCompaction(int, int64)         {}
func (NoopMetricsCollector) RecordReservation(int, int, error)   {}
func (NoopMetricsCollector) RecordBuffer(string, int)            {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	SpillCount         atomic.Int64
	SpillBytes         atomic.Int64
	SpillTotalNanos    atomic.Int64
	LoadCount          atomic.Int64
	LoadBytes          atomic.Int64
	LoadMemoryHits     atomic.Int64
	LoadTotalNanos     atomic.Int64
	CompactionCount    atomic.Int64
	RelocatedFrames    atomic.Int64
	CompactedBytes     atomic.Int64
	ReservationCount   atomic.Int64
	ReservationErrors  atomic.Int64
	ReservationShortKB atomic.Int64
	LiveBuffers        atomic.Int64
	LiveTrees          atomic.Int64
	LiveStores         atomic.Int64
}

// RecordSpill implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSpill(bytes int, duration time.Duration) {
	b.SpillCount.Add(1)
	b.SpillBytes.Add(int64(bytes))
	b.SpillTotalNanos.Add(duration.Nanoseconds())
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(bytes int, fromMemory bool, duration time.Duration) {
	b.LoadCount.Add(1)
	b.LoadBytes.Add(int64(bytes))
	b.LoadTotalNanos.Add(duration.Nanoseconds())
	if fromMemory {
		b.LoadMemoryHits.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(relocated int, freedBytes int64) {
	b.CompactionCount.Add(1)
	b.RelocatedFrames.Add(int64(relocated))
	b.CompactedBytes.Add(freedBytes)
}

// RecordReservation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReservation(requestedKB, grantedKB int, err error) {
	b.ReservationCount.Add(1)
	if err != nil {
		b.ReservationErrors.Add(1)
		return
	}
	if grantedKB < requestedKB {
		b.ReservationShortKB.Add(int64(requestedKB - grantedKB))
	}
}

// RecordBuffer implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuffer(kind string, delta int) {
	switch kind {
	case kindTupleBuffer:
		b.LiveBuffers.Add(int64(delta))
	case kindSTree:
		b.LiveTrees.Add(int64(delta))
	case kindFileStore:
		b.LiveStores.Add(int64(delta))
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		SpillCount:         b.SpillCount.Load(),
		SpillBytes:         b.SpillBytes.Load(),
		SpillAvgNanos:      avg(b.SpillTotalNanos.Load(), b.SpillCount.Load()),
		LoadCount:          b.LoadCount.Load(),
		LoadBytes:          b.LoadBytes.Load(),
		LoadMemoryHits:     b.LoadMemoryHits.Load(),
		LoadAvgNanos:       avg(b.LoadTotalNanos.Load(), b.LoadCount.Load()),
		CompactionCount:    b.CompactionCount.Load(),
		RelocatedFrames:    b.RelocatedFrames.Load(),
		CompactedBytes:     b.CompactedBytes.Load(),
		ReservationCount:   b.ReservationCount.Load(),
		ReservationErrors:  b.ReservationErrors.Load(),
		ReservationShortKB: b.ReservationShortKB.Load(),
		LiveBuffers:        b.LiveBuffers.Load(),
		LiveTrees:          b.LiveTrees.Load(),
		LiveStores:         b.LiveStores.Load(),
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
	SpillCount         int64
	SpillBytes         int64
	SpillAvgNanos      int64
	LoadCount          int64
	LoadBytes          int64
	LoadMemoryHits     int64
	LoadAvgNanos       int64
	CompactionCount    int64
	RelocatedFrames    int64
	CompactedBytes     int64
	ReservationCount   int64
	ReservationErrors  int64
	ReservationShortKB int64
	LiveBuffers        int64
	LiveTrees          int64
	LiveStores         int64
}

// observer forwards cache events to a MetricsCollector.
type observer struct {
	mc MetricsCollector
}

var _ cache.Observer = observer{}

func (o observer) ObserveSpill(bytes int, d time.Duration) { o.mc.RecordSpill(bytes, d) }

func (o observer) ObserveLoad(bytes int, fromMemory bool, d time.Duration) {
	o.mc.RecordLoad(bytes, fromMemory, d)
}

func (o observer) ObserveCompaction(relocated int, freed int64) {
	o.mc.RecordCompaction(relocated, freed)
}
