package cache

import (
	"context"
	"time"
)

// CacheKey identifies a serialized frame in the memory buffer.
type CacheKey struct {
	// Group is the id of the group that owns the frame.
	Group uint64
	// Offset is the first block of the frame in the group's spill store.
	Offset uint64
}

// BlockCache is a byte-oriented cache for serialized frames.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached frame. ok=false if missing.
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	// Set caches a frame. Implementations may retain b; callers must treat it as immutable.
	Set(ctx context.Context, key CacheKey, b []byte)
	// Delete drops a single frame.
	Delete(key CacheKey)
	// DropGroup removes every frame of a group.
	DropGroup(group uint64)
	// Close releases any resources.
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}

// Serializer converts cached values to bytes and back.
type Serializer interface {
	Serialize(dst []byte, v any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// Observer receives spill activity. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveSpill(bytes int, d time.Duration)
	ObserveLoad(bytes int, fromMemory bool, d time.Duration)
	ObserveCompaction(relocated int, freedBytes int64)
}

type noopObserver struct{}

func (noopObserver) ObserveSpill(int, time.Duration)      {}
func (noopObserver) ObserveLoad(int, bool, time.Duration) {}
func (noopObserver) ObserveCompaction(int, int64)         {}

// Stats is a snapshot of cache activity.
type Stats struct {
	ResidentBytes int64
	Slots         int
	Groups        int
	Spills        int64
	Loads         int64
	MemoryHits    int64
	Evictions     int64
	Compactions   int64
	Relocations   int64
	Unspillable   int64
	StoreBytes    int64
	FreeBlocks    uint64
}
