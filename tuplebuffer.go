package bufmgr

import (
	"context"
	"slices"
	"sync"

	"github.com/google/btree"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/cache"
	"github.com/hupe1980/bufmgr/lob"
	"github.com/hupe1980/bufmgr/types"
)

type batchEntry struct {
	begin int
	count int
	h     cache.Handle
}

func lessEntry(a, b batchEntry) bool { return a.begin < b.begin }

// TupleBuffer is an ordered sequence of rows stored in batches. Sealed batches
// live in the batch cache and spill under memory pressure; the batch being
// filled stays with the buffer.
//
// A buffer has a single writer. Its methods are serialized so that Remove can
// be called from a cancelled query's cleanup at any time.
type TupleBuffer struct {
	bm     *BufferManager
	id     string
	schema types.Schema
	logger *Logger
	group  *cache.Group
	ser    *batchSerializer
	lobs   *lob.Manager

	mu          sync.Mutex
	batchSize   int
	batches     *btree.BTreeG[batchEntry]
	pending     []types.Tuple
	rowCount    int
	forwardOnly bool
	lastBegin   int
	lastPending bool
	closed      bool
	removed     bool
}

func newTupleBuffer(bm *BufferManager, schema types.Schema, id string, batchSize int) (*TupleBuffer, error) {
	tb := &TupleBuffer{
		bm:        bm,
		id:        id,
		schema:    schema,
		logger:    bm.logger.WithBuffer(id),
		ser:       &batchSerializer{schema: schema},
		batchSize: batchSize,
		batches:   btree.NewG(8, lessEntry),
	}
	tb.ser.inline.Store(bm.opts.inlineLobs)

	if idx := schema.LobIndexes(); len(idx) > 0 {
		store, err := bm.CreateFileStore(id + "_lobs")
		if err != nil {
			return nil, err
		}
		tb.lobs = lob.NewManager(idx, store, lob.WithLogger(tb.logger.Logger))
		tb.ser.resolve = tb.lobs.GetLobReference
	}
	tb.group = bm.cache.NewGroup(id, tb.ser, bm.storeFactory())
	return tb, nil
}

// ID returns the buffer id.
func (tb *TupleBuffer) ID() string { return tb.id }

// Schema returns the row schema.
func (tb *TupleBuffer) Schema() types.Schema { return tb.schema }

// BatchSize returns the number of rows per sealed batch.
func (tb *TupleBuffer) BatchSize() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.batchSize
}

// SetBatchSize changes the number of rows per batch for batches sealed from now on.
func (tb *TupleBuffer) SetBatchSize(n int) error {
	if n < 1 {
		return errs.Violation("set batch size", "batch size %d must be positive", n)
	}
	tb.mu.Lock()
	tb.batchSize = n
	tb.mu.Unlock()
	return nil
}

// SetForwardOnly restricts reads to increasing batch order. Batches before the
// most recently returned one are released.
func (tb *TupleBuffer) SetForwardOnly(forwardOnly bool) {
	tb.mu.Lock()
	tb.forwardOnly = forwardOnly
	tb.lastBegin = 0
	tb.lastPending = false
	tb.mu.Unlock()
}

// IsForwardOnly reports whether the buffer is forward-only.
func (tb *TupleBuffer) IsForwardOnly() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.forwardOnly
}

// SetInlineLobs selects whether LOB content is embedded in spilled batches. With
// false, LOB values are registered with the buffer's LOB manager when added and
// persisted to its own store, and batches only carry reference ids.
func (tb *TupleBuffer) SetInlineLobs(inline bool) {
	tb.ser.inline.Store(inline)
}

// RowCount returns the number of rows.
func (tb *TupleBuffer) RowCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rowCount
}

// ManagedRowCount returns the number of rows held in sealed batches.
func (tb *TupleBuffer) ManagedRowCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rowCount - len(tb.pending)
}

// IsClosed reports whether the buffer was closed or truncated.
func (tb *TupleBuffer) IsClosed() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.closed
}

// LobManager returns the buffer's LOB manager, or nil when the schema has no
// LOB columns.
func (tb *TupleBuffer) LobManager() *lob.Manager { return tb.lobs }

// GetLobReference returns a LOB registered by this buffer. It stays available
// when the batch holding the row was spilled.
func (tb *TupleBuffer) GetLobReference(id string) (*types.Lob, error) {
	if tb.lobs == nil {
		return nil, errs.ViolationOf("get lob reference", errs.ErrLobNotFound, "buffer %s has no lob columns", tb.id)
	}
	return tb.lobs.GetLobReference(id)
}

func (tb *TupleBuffer) checkLive(op string) error {
	if tb.removed {
		return errs.ViolationOf(op, errs.ErrClosed, "buffer %s removed", tb.id)
	}
	return nil
}

func (tb *TupleBuffer) registersLobs() bool {
	return tb.lobs != nil && !tb.ser.inline.Load()
}

// AddTuple appends row. A full batch is sealed and handed to the cache, which
// may spill older batches to make room.
func (tb *TupleBuffer) AddTuple(ctx context.Context, row types.Tuple) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if err := tb.checkLive("add tuple"); err != nil {
		return err
	}
	if tb.closed {
		return errs.ViolationOf("add tuple", errs.ErrClosed, "buffer %s closed", tb.id)
	}
	if err := tb.schema.Check(row); err != nil {
		return errs.Violation("add tuple", "%v", err)
	}
	if tb.registersLobs() {
		row = row.Clone()
		if err := tb.lobs.UpdateReferences(row, lob.ModeCreate); err != nil {
			return err
		}
		if tb.lobs.HasBorrowed() {
			if err := tb.lobs.Persist(ctx); err != nil {
				_ = tb.lobs.UpdateReferences(row, lob.ModeRemove)
				return err
			}
		}
	}
	tb.pending = append(tb.pending, row)
	tb.rowCount++
	if len(tb.pending) >= tb.batchSize {
		return tb.flush(ctx, false)
	}
	return nil
}

// flush seals the pending rows into a cached batch. On failure the rows stay
// pending.
func (tb *TupleBuffer) flush(ctx context.Context, terminal bool) error {
	if len(tb.pending) == 0 {
		return nil
	}
	if tb.registersLobs() {
		if err := tb.lobs.Persist(ctx); err != nil {
			return err
		}
	}
	b := &TupleBatch{
		BeginRow: tb.rowCount - len(tb.pending) + 1,
		Rows:     tb.pending,
		Terminal: terminal,
	}
	h, err := tb.group.Add(ctx, b, b.size())
	if err != nil {
		return err
	}
	tb.batches.ReplaceOrInsert(batchEntry{begin: b.BeginRow, count: len(b.Rows), h: h})
	tb.pending = nil
	return nil
}

// Close seals the buffer; its last batch is flagged terminal. Adding rows or
// closing again afterwards is a contract violation.
func (tb *TupleBuffer) Close(ctx context.Context) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if err := tb.checkLive("close buffer"); err != nil {
		return err
	}
	if tb.closed {
		return errs.ViolationOf("close buffer", errs.ErrClosed, "buffer %s already closed", tb.id)
	}
	if len(tb.pending) > 0 {
		if err := tb.flush(ctx, true); err != nil {
			return err
		}
	} else if last, ok := tb.batches.Max(); ok {
		if err := tb.markTerminal(ctx, last); err != nil {
			return err
		}
	}
	tb.closed = true
	return nil
}

func (tb *TupleBuffer) markTerminal(ctx context.Context, e batchEntry) error {
	v, err := tb.group.Get(ctx, e.h)
	if err != nil {
		return err
	}
	b := v.(*TupleBatch)
	if b.Terminal {
		return nil
	}
	nb := &TupleBatch{BeginRow: b.BeginRow, Rows: b.Rows, Terminal: true}
	return tb.group.Replace(ctx, e.h, nb, nb.size())
}

// floor returns the batch holding row, if it is still managed.
func (tb *TupleBuffer) floor(row int) (batchEntry, bool) {
	var (
		found batchEntry
		ok    bool
	)
	tb.batches.DescendLessOrEqual(batchEntry{begin: row}, func(e batchEntry) bool {
		found, ok = e, true
		return false
	})
	if ok && row >= found.begin+found.count {
		return batchEntry{}, false
	}
	return found, ok
}

// GetBatch returns the batch holding row. The returned batch is shared with the
// cache and must not be modified. Reading past the end of a closed buffer
// returns an empty terminal batch. In forward-only mode, asking again for the
// last batch returned, or for any batch before it, is a contract violation.
func (tb *TupleBuffer) GetBatch(ctx context.Context, row int) (*TupleBatch, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if err := tb.checkLive("get batch"); err != nil {
		return nil, err
	}
	if row < 1 {
		return nil, errs.ViolationOf("get batch", errs.ErrOutOfBounds, "row %d before first row", row)
	}
	if row > tb.rowCount {
		if tb.closed {
			return &TupleBatch{BeginRow: row, Terminal: true}, nil
		}
		return nil, errs.ViolationOf("get batch", errs.ErrOutOfBounds, "row %d beyond %d rows", row, tb.rowCount)
	}

	managed := tb.rowCount - len(tb.pending)
	if row > managed {
		begin := managed + 1
		if err := tb.advance("get batch", begin, true); err != nil {
			return nil, err
		}
		return &TupleBatch{BeginRow: begin, Rows: slices.Clone(tb.pending)}, nil
	}

	e, ok := tb.floor(row)
	if !ok {
		return nil, errs.Violation("get batch", "row %d was released by forward-only reading", row)
	}
	if err := tb.checkForward("get batch", e.begin); err != nil {
		return nil, err
	}
	v, err := tb.group.Get(ctx, e.h)
	if err != nil {
		return nil, err
	}
	if err := tb.advance("get batch", e.begin, false); err != nil {
		return nil, err
	}
	return v.(*TupleBatch), nil
}

// checkForward rejects a batch whose begin row is not past the last returned
// one. A snapshot of the unsealed rows does not consume its batch: the same
// begin row may be read again until the sealed batch has been returned.
func (tb *TupleBuffer) checkForward(op string, begin int) error {
	if !tb.forwardOnly || tb.lastBegin == 0 {
		return nil
	}
	if begin < tb.lastBegin || (begin == tb.lastBegin && !tb.lastPending) {
		return errs.Violation(op, "forward-only buffer %s: batch at row %d requested after row %d", tb.id, begin, tb.lastBegin)
	}
	return nil
}

// advance records begin as the current forward-only position and releases the
// batches before it.
func (tb *TupleBuffer) advance(op string, begin int, pending bool) error {
	if !tb.forwardOnly {
		return nil
	}
	if err := tb.checkForward(op, begin); err != nil {
		return err
	}
	tb.lastBegin = begin
	tb.lastPending = pending
	var stale []batchEntry
	tb.batches.AscendLessThan(batchEntry{begin: begin}, func(e batchEntry) bool {
		stale = append(stale, e)
		return true
	})
	for _, e := range stale {
		tb.batches.Delete(e)
		if err := tb.group.Remove(e.h); err != nil {
			return err
		}
	}
	return nil
}

// TruncateTo keeps the first n rows and seals the buffer. The batch holding row
// n is rewritten as the terminal batch, re-reading it if it was spilled.
func (tb *TupleBuffer) TruncateTo(ctx context.Context, n int) (err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	from := tb.rowCount
	defer func() { tb.logger.LogTruncate(ctx, tb.id, from, n, err) }()

	if err := tb.checkLive("truncate"); err != nil {
		return err
	}
	if n < 0 || n > tb.rowCount {
		return errs.ViolationOf("truncate", errs.ErrOutOfBounds, "cannot truncate %d rows to %d", tb.rowCount, n)
	}
	if err := tb.flush(ctx, false); err != nil {
		return err
	}

	var tail []batchEntry
	tb.batches.AscendGreaterOrEqual(batchEntry{begin: n + 1}, func(e batchEntry) bool {
		tail = append(tail, e)
		return true
	})

	// Read everything first so that a failed read leaves the buffer untouched.
	var (
		boundary    batchEntry
		hasBoundary bool
		kept        *TupleBatch
		dropped     []types.Tuple
	)
	if n > 0 {
		boundary, hasBoundary = tb.floor(n)
		if !hasBoundary {
			return errs.Violation("truncate", "row %d was released by forward-only reading", n)
		}
		v, err := tb.group.Get(ctx, boundary.h)
		if err != nil {
			return err
		}
		b := v.(*TupleBatch)
		cut := n - b.BeginRow + 1
		kept = &TupleBatch{BeginRow: b.BeginRow, Rows: slices.Clone(b.Rows[:cut]), Terminal: true}
		dropped = append(dropped, b.Rows[cut:]...)
	}
	if tb.lobs != nil {
		for _, e := range tail {
			v, err := tb.group.Get(ctx, e.h)
			if err != nil {
				return err
			}
			dropped = append(dropped, v.(*TupleBatch).Rows...)
		}
	}

	if hasBoundary {
		if err := tb.group.Replace(ctx, boundary.h, kept, kept.size()); err != nil {
			return err
		}
		tb.batches.ReplaceOrInsert(batchEntry{begin: boundary.begin, count: len(kept.Rows), h: boundary.h})
	}
	for _, e := range tail {
		tb.batches.Delete(e)
		if err := tb.group.Remove(e.h); err != nil {
			return err
		}
	}
	tb.rowCount = n
	tb.closed = true

	if tb.lobs != nil {
		for _, row := range dropped {
			if err := tb.lobs.UpdateReferences(row, lob.ModeRemove); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateIndexedTupleSource returns a cursor over the rows.
func (tb *TupleBuffer) CreateIndexedTupleSource() *TupleSource {
	return &TupleSource{tb: tb}
}

// Remove releases the buffer's batches and LOB storage. It is idempotent.
func (tb *TupleBuffer) Remove() error {
	tb.mu.Lock()
	if tb.removed {
		tb.mu.Unlock()
		return nil
	}
	tb.removed = true
	tb.pending = nil
	tb.batches.Clear(false)
	tb.mu.Unlock()

	err := tb.release()
	tb.bm.forgetBuffer(tb)
	tb.logger.LogRemove(context.Background(), kindTupleBuffer, tb.id, err)
	return err
}

func (tb *TupleBuffer) release() error {
	err := tb.group.Close()
	if tb.lobs != nil {
		if lerr := tb.lobs.Remove(); err == nil {
			err = lerr
		}
	}
	return err
}
