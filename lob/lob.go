// Package lob tracks large object values referenced from tuples, independently of
// the batches those tuples are stored in.
package lob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/storage"
	"github.com/hupe1980/bufmgr/types"
)

// Mode selects what UpdateReferences does with a tuple's LOB values.
type Mode uint8

const (
	// ModeCreate registers unknown LOBs and counts another reference to known ones.
	ModeCreate Mode = iota
	// ModeRemove drops one reference; a LOB with no references is forgotten.
	ModeRemove
	// ModeAttach rebinds the tuple's LOB values to the tracked instances.
	ModeAttach
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeRemove:
		return "remove"
	case ModeAttach:
		return "attach"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// DefaultMaxMemoryBytes is the size above which Persist moves a LOB into the store.
const DefaultMaxMemoryBytes = 8 << 10

type entry struct {
	lob       *types.Lob
	refs      int
	persisted bool
	offset    int64
	length    int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator replaces the reference id generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager counts references to the LOB values of a tuple source and persists
// large ones into a FileStore on request.
type Manager struct {
	columns []int
	store   *storage.FileStore
	logger  *slog.Logger
	newID   func() string

	persistMu sync.Mutex

	mu             sync.Mutex
	maxMemoryBytes int64
	refs           map[string]*entry
	// borrowed counts tracked LOBs still reading from another manager's store.
	borrowed int
}

// NewManager tracks the LOB columns at columnIndexes, persisting into store.
func NewManager(columnIndexes []int, store *storage.FileStore, opts ...Option) *Manager {
	m := &Manager{
		columns:        columnIndexes,
		store:          store,
		newID:          uuid.NewString,
		maxMemoryBytes: DefaultMaxMemoryBytes,
		refs:           make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetMaxMemoryBytes sets the size above which Persist moves a LOB into the store.
func (m *Manager) SetMaxMemoryBytes(n int64) {
	m.mu.Lock()
	m.maxMemoryBytes = n
	m.mu.Unlock()
}

// Columns returns the tracked column positions.
func (m *Manager) Columns() []int { return m.columns }

// UpdateReferences applies mode to the LOB values of t. ModeAttach rewrites t in
// place, and so does ModeCreate for a LOB already carrying a reference id the
// manager does not track: the tuple is rebound to a private handle.
func (m *Manager) UpdateReferences(t types.Tuple, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, col := range m.columns {
		if col >= len(t) {
			return errs.Violation("update lob references", "column %d outside tuple of %d values", col, len(t))
		}
		v := t[col]
		if v.IsNull() || v.Lob == nil {
			continue
		}
		id := v.Lob.ReferenceID()

		switch mode {
		case ModeCreate:
			if e, ok := m.refs[id]; ok && id != "" {
				e.refs++
				t[col] = types.LobValue(e.lob)
				continue
			}
			l := v.Lob
			if id == "" {
				id = m.newID()
				l.SetReferenceID(id)
			} else {
				// Registered by another manager, which may rebind it to its own store.
				l = l.Clone()
				t[col] = types.LobValue(l)
				if m.foreign(l) {
					m.borrowed++
				}
			}
			m.refs[id] = &entry{lob: l, refs: 1}

		case ModeRemove:
			e, ok := m.refs[id]
			if !ok {
				continue
			}
			e.refs--
			if e.refs <= 0 {
				if m.foreign(e.lob) {
					m.borrowed--
				}
				delete(m.refs, id)
			}

		case ModeAttach:
			if e, ok := m.refs[id]; ok {
				t[col] = types.LobValue(e.lob)
			}

		default:
			return errs.Violation("update lob references", "unknown mode %d", mode)
		}
	}

	if mode == ModeRemove && len(m.refs) == 0 && m.store != nil && m.store.Length() > 0 {
		if err := m.store.SetLength(0); err != nil {
			return err
		}
	}
	return nil
}

// Persist copies every tracked LOB larger than the memory threshold, and every
// LOB backed by a different store, into the store and rebinds it to a lazy
// stream over the copy. Persisted LOBs are skipped, so repeated calls are cheap.
func (m *Manager) Persist(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	type job struct {
		id string
		e  *entry
	}
	m.mu.Lock()
	var jobs []job
	for id, e := range m.refs {
		if e.persisted {
			continue
		}
		f, stored := e.lob.StreamFactory().(*storage.InputStreamFactory)
		if stored && f.Store() == m.store {
			e.persisted = true
			continue
		}
		// Content held in another manager's store is copied whatever its size.
		if n := e.lob.Length(); !stored && n >= 0 && n <= m.maxMemoryBytes {
			continue
		}
		jobs = append(jobs, job{id, e})
	}
	m.mu.Unlock()

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		off, n, err := m.copyToStore(j.e.lob)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if m.foreign(j.e.lob) {
			m.borrowed--
		}
		j.e.lob.SetStreamFactory(m.store.NewInputStreamFactory(off, n))
		j.e.persisted, j.e.offset, j.e.length = true, off, n
		m.mu.Unlock()

		if m.logger != nil {
			m.logger.Debug("lob persisted", slog.String("id", j.id), slog.Int64("bytes", n), slog.Int64("offset", off))
		}
	}
	return nil
}

func (m *Manager) copyToStore(l *types.Lob) (int64, int64, error) {
	if m.store == nil {
		return 0, 0, errs.Violation("persist lob", "manager has no store")
	}
	r, err := l.Open()
	if err != nil {
		return 0, 0, errs.Component("persist lob", err)
	}
	defer r.Close()

	off := m.store.Length()
	out := m.store.OutputStream(off)
	n, err := io.Copy(out, r)
	if err != nil {
		return 0, 0, errs.Component("persist lob", err)
	}
	if err := out.Close(); err != nil {
		return 0, 0, err
	}
	return off, n, nil
}

// foreign reports whether l reads from a store other than m's.
func (m *Manager) foreign(l *types.Lob) bool {
	f, ok := l.StreamFactory().(*storage.InputStreamFactory)
	return ok && f.Store() != m.store
}

// HasBorrowed reports whether a tracked LOB still reads from another manager's
// store. Such LOBs should be persisted before that store can be truncated.
func (m *Manager) HasBorrowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.borrowed > 0
}

// GetLobReference returns the tracked LOB with the given reference id.
func (m *Manager) GetLobReference(id string) (*types.Lob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.refs[id]
	if !ok {
		return nil, errs.ViolationOf("get lob reference", errs.ErrLobNotFound, "no lob with reference id %q", id)
	}
	return e.lob, nil
}

// LobCount returns the number of tracked LOBs.
func (m *Manager) LobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}

// PersistedBytes returns the bytes held in the store for persisted LOBs.
func (m *Manager) PersistedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.refs {
		if e.persisted {
			n += e.length
		}
	}
	return n
}

// Remove forgets every LOB and removes the store.
func (m *Manager) Remove() error {
	m.mu.Lock()
	m.refs = make(map[string]*entry)
	m.borrowed = 0
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Remove()
}
