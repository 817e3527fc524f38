package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/fs"
)

// DefaultPreallocChunk is the granularity in which disk regions reserve space.
const DefaultPreallocChunk = 1 << 20

// DiskConfig configures a DiskManager.
type DiskConfig struct {
	// Dir is the parent directory. A private scratch directory is created inside it.
	Dir string
	// FS defaults to fs.Default.
	FS fs.FileSystem
	// MaxBytes caps the space all regions may hold. 0 means unlimited.
	MaxBytes int64
	// PreallocChunk defaults to DefaultPreallocChunk.
	PreallocChunk int64
	Logger        *slog.Logger
}

// DiskManager stores each region in its own file.
type DiskManager struct {
	cfg    DiskConfig
	dir    string
	used   atomic.Int64
	seq    atomic.Uint64
	closed atomic.Bool
}

// NewDiskManager creates the scratch directory and returns the manager.
func NewDiskManager(cfg DiskConfig) (*DiskManager, error) {
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	if cfg.PreallocChunk <= 0 {
		cfg.PreallocChunk = DefaultPreallocChunk
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errs.Component("create buffer directory", err)
	}
	dir, err := cfg.FS.MkdirTemp(cfg.Dir, "bufmgr-")
	if err != nil {
		return nil, errs.Component("create buffer directory", err)
	}
	if cfg.Logger != nil {
		cfg.Logger.Debug("buffer directory created", slog.String("dir", dir))
	}
	return &DiskManager{cfg: cfg, dir: dir}, nil
}

// Dir returns the scratch directory.
func (m *DiskManager) Dir() string { return m.dir }

// UsedBytes returns the space reserved by live regions.
func (m *DiskManager) UsedBytes() int64 { return m.used.Load() }

// CreateRegion opens a new file for name.
func (m *DiskManager) CreateRegion(name string) (Region, error) {
	if m.closed.Load() {
		return nil, errs.ViolationOf("create region", errs.ErrClosed, "disk manager closed")
	}
	path := filepath.Join(m.dir, fmt.Sprintf("%06d-%s", m.seq.Add(1), sanitize(name)))
	f, err := m.cfg.FS.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.Component("create region", err)
	}
	return &diskRegion{m: m, f: f, path: path}, nil
}

// Close removes the scratch directory and everything in it.
func (m *DiskManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.cfg.FS.RemoveAll(m.dir); err != nil {
		return errs.Component("remove buffer directory", err)
	}
	return nil
}

// reserve charges n bytes against MaxBytes.
func (m *DiskManager) reserve(n int64) error {
	used := m.used.Add(n)
	if m.cfg.MaxBytes > 0 && used > m.cfg.MaxBytes {
		m.used.Add(-n)
		return fmt.Errorf("%w: buffer space limit of %d bytes reached", errs.ErrStorageExhausted, m.cfg.MaxBytes)
	}
	return nil
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

type diskRegion struct {
	m    *DiskManager
	f    fs.File
	path string

	mu        sync.Mutex
	allocated int64
	removed   bool
}

var errRegionRemoved = errors.New("region removed")

func (r *diskRegion) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *diskRegion) WriteAt(p []byte, off int64) (int, error) {
	if err := r.ensure(off + int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.f.WriteAt(p, off)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// ensure preallocates space up to end, rounded up to the chunk size. When the
// rounded reservation does not fit, the exact size is tried before giving up.
func (r *diskRegion) ensure(end int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return errRegionRemoved
	}
	if end <= r.allocated {
		return nil
	}
	chunk := r.m.cfg.PreallocChunk
	var err error
	for _, target := range []int64{(end + chunk - 1) / chunk * chunk, end} {
		grow := target - r.allocated
		if err = r.m.reserve(grow); err != nil {
			continue
		}
		if err = fs.Preallocate(r.f, r.allocated, grow); err != nil {
			r.m.used.Add(-grow)
			err = classify(err)
			continue
		}
		r.allocated = target
		return nil
	}
	return err
}

func (r *diskRegion) SetLength(n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return errRegionRemoved
	}
	if n > r.allocated {
		if err := r.m.reserve(n - r.allocated); err != nil {
			return err
		}
	} else {
		r.m.used.Add(n - r.allocated)
	}
	r.allocated = n
	return classify(r.f.Truncate(n))
}

func (r *diskRegion) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return nil
	}
	r.removed = true
	r.m.used.Add(-r.allocated)
	r.allocated = 0
	closeErr := r.f.Close()
	if err := r.m.cfg.FS.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}

// classify marks out-of-space errors as storage exhaustion.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if fs.IsNoSpace(err) {
		return fmt.Errorf("%w: %w", errs.ErrStorageExhausted, err)
	}
	return err
}
