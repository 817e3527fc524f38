package storage

import (
	"fmt"
	"sync"
)

// Region is a single growable byte range.
//
// Implementations must allow concurrent ReadAt calls and concurrent WriteAt calls
// to disjoint ranges. Length bookkeeping is done by the FileStore.
type Region interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// SetLength truncates or extends the region.
	SetLength(n int64) error
	// Remove releases the region's storage. The region must not be used afterwards.
	Remove() error
}

// Manager creates regions.
type Manager interface {
	CreateRegion(name string) (Region, error)
	// UsedBytes returns the storage currently held by live regions.
	UsedBytes() int64
	Close() error
}

// MemoryManager keeps regions on the heap.
type MemoryManager struct {
	mu   sync.Mutex
	used int64
}

// NewMemoryManager creates a heap-backed manager.
func NewMemoryManager() *MemoryManager { return &MemoryManager{} }

// CreateRegion returns an empty heap region.
func (m *MemoryManager) CreateRegion(string) (Region, error) {
	return &memRegion{m: m}, nil
}

// UsedBytes returns the capacity of all live regions.
func (m *MemoryManager) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Close is a no-op; regions are reclaimed by the garbage collector.
func (m *MemoryManager) Close() error { return nil }

func (m *MemoryManager) account(delta int64) {
	m.mu.Lock()
	m.used += delta
	m.mu.Unlock()
}

type memRegion struct {
	mu      sync.RWMutex
	m       *MemoryManager
	data    []byte
	removed bool
}

func (r *memRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.removed {
		return 0, errRegionRemoved
	}
	if off >= int64(len(r.data)) {
		return 0, fmt.Errorf("read at %d past region end %d", off, len(r.data))
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at %d: %d of %d bytes", off, n, len(p))
	}
	return n, nil
}

func (r *memRegion) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return 0, errRegionRemoved
	}
	if old := int64(len(r.data)); off+int64(len(p)) > old {
		r.grow(off + int64(len(p)))
		if off > old {
			clear(r.data[old:off])
		}
	}
	return copy(r.data[off:], p), nil
}

func (r *memRegion) grow(end int64) {
	if end <= int64(cap(r.data)) {
		r.data = r.data[:end]
		return
	}
	newCap := max(end, int64(cap(r.data))*2, 256)
	data := make([]byte, end, newCap)
	copy(data, r.data)
	r.m.account(newCap - int64(cap(r.data)))
	r.data = data
}

func (r *memRegion) SetLength(n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return errRegionRemoved
	}
	if n > int64(len(r.data)) {
		old := len(r.data)
		r.grow(n)
		clear(r.data[old:])
		return nil
	}
	if n <= int64(cap(r.data))/4 {
		// Give memory back once the region shrinks substantially.
		data := make([]byte, n)
		copy(data, r.data)
		r.m.account(n - int64(cap(r.data)))
		r.data = data
		return nil
	}
	r.data = r.data[:n]
	return nil
}

func (r *memRegion) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return nil
	}
	r.removed = true
	r.m.account(-int64(cap(r.data)))
	r.data = nil
	return nil
}
