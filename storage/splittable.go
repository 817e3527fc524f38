package storage

import (
	"fmt"
	"sync"
)

// DefaultMaxFileSize is the default segment size of a SplittableManager.
const DefaultMaxFileSize = 2 << 30

// SplittableManager splits every region into segments of at most MaxFileSize
// bytes, each a region of the base manager. This bounds per-file size and lets
// truncation release whole segments.
type SplittableManager struct {
	base        Manager
	maxFileSize int64
}

// NewSplittableManager wraps base. maxFileSize <= 0 selects DefaultMaxFileSize.
func NewSplittableManager(base Manager, maxFileSize int64) *SplittableManager {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &SplittableManager{base: base, maxFileSize: maxFileSize}
}

// MaxFileSize returns the segment size.
func (m *SplittableManager) MaxFileSize() int64 { return m.maxFileSize }

// CreateRegion returns a region whose segments are created lazily.
func (m *SplittableManager) CreateRegion(name string) (Region, error) {
	return &splitRegion{m: m, name: name}, nil
}

// UsedBytes delegates to the base manager.
func (m *SplittableManager) UsedBytes() int64 { return m.base.UsedBytes() }

// Close closes the base manager.
func (m *SplittableManager) Close() error { return m.base.Close() }

type splitRegion struct {
	m    *SplittableManager
	name string

	mu       sync.RWMutex
	segments []Region
}

// SegmentCount returns the number of backing segments.
func (r *splitRegion) SegmentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}

func (r *splitRegion) segment(i int) (Region, error) {
	r.mu.RLock()
	if i < len(r.segments) {
		s := r.segments[i]
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.segments) <= i {
		s, err := r.m.base.CreateRegion(fmt.Sprintf("%s.%d", r.name, len(r.segments)))
		if err != nil {
			return nil, err
		}
		r.segments = append(r.segments, s)
	}
	return r.segments[i], nil
}

// span calls fn for each segment piece of [off, off+len(p)).
func (r *splitRegion) span(p []byte, off int64, create bool, fn func(Region, []byte, int64) (int, error)) (int, error) {
	size := r.m.maxFileSize
	total := 0
	for len(p) > 0 {
		idx := int(off / size)
		segOff := off % size
		n := int(min(int64(len(p)), size-segOff))

		var s Region
		var err error
		if create {
			s, err = r.segment(idx)
		} else {
			r.mu.RLock()
			if idx < len(r.segments) {
				s = r.segments[idx]
			} else {
				err = fmt.Errorf("read at %d past last segment", off)
			}
			r.mu.RUnlock()
		}
		if err != nil {
			return total, err
		}

		m, err := fn(s, p[:n], segOff)
		total += m
		if err != nil {
			return total, err
		}
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

func (r *splitRegion) ReadAt(p []byte, off int64) (int, error) {
	return r.span(p, off, false, Region.ReadAt)
}

func (r *splitRegion) WriteAt(p []byte, off int64) (int, error) {
	return r.span(p, off, true, Region.WriteAt)
}

func (r *splitRegion) SetLength(n int64) error {
	size := r.m.maxFileSize
	keep := int((n + size - 1) / size)

	r.mu.Lock()
	defer r.mu.Unlock()
	start := max(min(len(r.segments), keep)-1, 0)
	for len(r.segments) > keep {
		last := r.segments[len(r.segments)-1]
		if err := last.Remove(); err != nil {
			return err
		}
		r.segments = r.segments[:len(r.segments)-1]
	}
	for len(r.segments) < keep {
		s, err := r.m.base.CreateRegion(fmt.Sprintf("%s.%d", r.name, len(r.segments)))
		if err != nil {
			return err
		}
		r.segments = append(r.segments, s)
	}
	for i := start; i < keep; i++ {
		want := size
		if i == keep-1 {
			want = n - int64(i)*size
		}
		if err := r.segments[i].SetLength(want); err != nil {
			return err
		}
	}
	return nil
}

func (r *splitRegion) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.segments {
		if err := s.Remove(); err != nil && first == nil {
			first = err
		}
	}
	r.segments = nil
	return first
}
