package bufmgr

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/storage"
	"github.com/hupe1980/bufmgr/stree"
	"github.com/hupe1980/bufmgr/types"
)

// Scope tracks the buffers, trees and stores of one query and releases them
// together, either through Release or when the query's context is done.
type Scope struct {
	bm   *BufferManager
	stop func() bool

	mu       sync.Mutex
	buffers  []*TupleBuffer
	trees    []*stree.STree
	stores   []*storage.FileStore
	released bool
}

// NewScope returns a scope whose objects are released once ctx is done.
func (bm *BufferManager) NewScope(ctx context.Context) *Scope {
	s := &Scope{bm: bm}
	s.stop = context.AfterFunc(ctx, func() {
		if err := s.Release(); err != nil {
			bm.logger.Warn("scope release failed", "error", err)
		}
	})
	return s
}

func (s *Scope) track(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errs.ViolationOf("scope", errs.ErrClosed, "scope released")
	}
	fn()
	return nil
}

// CreateTupleBuffer creates a buffer owned by the scope.
func (s *Scope) CreateTupleBuffer(schema types.Schema, id string, src SourceType) (*TupleBuffer, error) {
	tb, err := s.bm.CreateTupleBuffer(schema, id, src)
	if err != nil {
		return nil, err
	}
	if err := s.track(func() { s.buffers = append(s.buffers, tb) }); err != nil {
		_ = tb.Remove()
		return nil, err
	}
	return tb, nil
}

// CreateSTree creates a tree owned by the scope.
func (s *Scope) CreateSTree(schema types.Schema, id string, keyLength int) (*stree.STree, error) {
	t, err := s.bm.CreateSTree(schema, id, keyLength)
	if err != nil {
		return nil, err
	}
	if err := s.track(func() { s.trees = append(s.trees, t) }); err != nil {
		_ = s.bm.ReleaseSTree(t)
		return nil, err
	}
	return t, nil
}

// CreateFileStore creates a store owned by the scope.
func (s *Scope) CreateFileStore(name string) (*storage.FileStore, error) {
	fs, err := s.bm.CreateFileStore(name)
	if err != nil {
		return nil, err
	}
	if err := s.track(func() { s.stores = append(s.stores, fs) }); err != nil {
		_ = fs.Remove()
		return nil, err
	}
	return fs, nil
}

// Released reports whether the scope has been released.
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release removes every object of the scope. It is idempotent.
func (s *Scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	buffers, trees, stores := s.buffers, s.trees, s.stores
	s.buffers, s.trees, s.stores = nil, nil, nil
	s.mu.Unlock()
	s.stop()

	var g errgroup.Group
	for _, tb := range buffers {
		g.Go(tb.Remove)
	}
	for _, t := range trees {
		g.Go(func() error { return s.bm.ReleaseSTree(t) })
	}
	for _, fs := range stores {
		g.Go(fs.Remove)
	}
	return g.Wait()
}
