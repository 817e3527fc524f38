package storage

import (
	"sync"

	"github.com/hupe1980/bufmgr/errs"
)

// FileStore is a named, growable, byte-addressable store exclusively owned by
// one buffer, tree or LOB manager. Reads are bounds-checked against Length;
// writes extend it.
type FileStore struct {
	name   string
	region Region

	mu       sync.RWMutex
	length   int64
	removed  bool
	onRemove []func(*FileStore)
}

// NewFileStore wraps a region.
func NewFileStore(name string, r Region) *FileStore {
	return &FileStore{name: name, region: r}
}

// Name returns the store name.
func (s *FileStore) Name() string { return s.name }

// Length returns the current length in bytes.
func (s *FileStore) Length() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Removed reports whether Remove was called.
func (s *FileStore) Removed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removed
}

// ReadAt fills p from off. Reading past Length fails with errs.ErrOutOfBounds.
func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.removed {
		return 0, errs.ViolationOf("filestore read", errs.ErrClosed, "store %s removed", s.name)
	}
	if off < 0 || off+int64(len(p)) > s.length {
		return 0, errs.ViolationOf("filestore read", errs.ErrOutOfBounds,
			"store %s: read [%d, %d) beyond length %d", s.name, off, off+int64(len(p)), s.length)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.region.ReadAt(p, off)
	if err != nil {
		return n, errs.Component("filestore read", err)
	}
	return n, nil
}

// Read returns n bytes starting at off.
func (s *FileStore) Read(off int64, n int) ([]byte, error) {
	p := make([]byte, n)
	if _, err := s.ReadAt(p, off); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteAt writes p at off, extending Length when the write ends past it.
// The store is unchanged if the write fails.
func (s *FileStore) WriteAt(p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p, off)
}

func (s *FileStore) writeLocked(p []byte, off int64) error {
	if s.removed {
		return errs.ViolationOf("filestore write", errs.ErrClosed, "store %s removed", s.name)
	}
	if off < 0 {
		return errs.ViolationOf("filestore write", errs.ErrOutOfBounds, "negative offset %d", off)
	}
	if _, err := s.region.WriteAt(p, off); err != nil {
		return errs.Component("filestore write", err)
	}
	if end := off + int64(len(p)); end > s.length {
		s.length = end
	}
	return nil
}

// Append writes p at the end of the store and returns its offset.
func (s *FileStore) Append(p []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.length
	return off, s.writeLocked(p, off)
}

// SetLength truncates or zero-extends the store.
func (s *FileStore) SetLength(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return errs.ViolationOf("filestore truncate", errs.ErrClosed, "store %s removed", s.name)
	}
	if n < 0 {
		return errs.ViolationOf("filestore truncate", errs.ErrOutOfBounds, "negative length %d", n)
	}
	if err := s.region.SetLength(n); err != nil {
		return errs.Component("filestore truncate", err)
	}
	s.length = n
	return nil
}

// OnRemove registers fn to run once when the store is removed.
func (s *FileStore) OnRemove(fn func(*FileStore)) {
	s.mu.Lock()
	s.onRemove = append(s.onRemove, fn)
	s.mu.Unlock()
}

// Remove releases the backing storage. It is idempotent.
func (s *FileStore) Remove() error {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil
	}
	s.removed = true
	s.length = 0
	hooks := s.onRemove
	s.onRemove = nil
	err := s.region.Remove()
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	return errs.Component("filestore remove", err)
}
