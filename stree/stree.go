// Package stree implements a paged, ordered, disk-capable search tree over the
// batch cache. It backs sorting, grouping and duplicate removal that do not fit
// in memory.
//
// Pages live in their own cache group and spill like any other batch. Updates are
// copy-on-write: a changed page is cloned and replaced under the same handle, and
// every read an update needs happens before the first page is replaced, so a
// failed insert or remove leaves the tree unchanged.
package stree

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/cache"
	"github.com/hupe1980/bufmgr/types"
)

// InsertMode selects how Insert treats keys.
type InsertMode uint8

const (
	// ModeNew inserts a new key. An existing entry is kept and returned.
	ModeNew InsertMode = iota
	// ModeOrdered is ModeNew for keys arriving in non-decreasing order. Pages
	// filled by appending are split full, leaving no room behind the right edge.
	ModeOrdered
	// ModeUpdate inserts or replaces, returning the replaced entry.
	ModeUpdate
)

func (m InsertMode) String() string {
	switch m {
	case ModeNew:
		return "new"
	case ModeOrdered:
		return "ordered"
	case ModeUpdate:
		return "update"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

const (
	// MinPageSize is the smallest leaf or key page capacity.
	MinPageSize = 4

	// rootOverflow bounds how far the root may grow past its capacity while the
	// tree sits at its expected height.
	rootOverflow = 8
)

// Config configures a tree.
type Config struct {
	Schema types.Schema
	// KeyLength is the number of leading columns forming the key.
	KeyLength int
	// LeafSize is the row capacity of a leaf page.
	LeafSize int
	// KeySize is the child capacity of an internal page.
	KeySize int
	Logger  *slog.Logger
}

// Stats describes the shape and activity of a tree.
type Stats struct {
	RowCount int
	Height   int
	Pages    int
	Splits   int64
	Merges   int64
	Borrows  int64
}

// STree is an ordered map from key columns to tuples.
//
// A tree is single-writer. Its operations are serialized so that Release may be
// called from another goroutine, but browsing concurrently with a writer gives
// unspecified results.
type STree struct {
	schema    types.Schema
	keyLength int
	leafSize  int
	keySize   int
	group     *cache.Group
	logger    *slog.Logger

	mu       sync.Mutex
	root     cache.Handle
	height   int
	rowCount int
	pages    int
	released bool

	splits, merges, borrows int64
}

// New creates an empty tree whose pages are held in a new group of c.
func New(c *cache.Cache, name string, stores cache.StoreFactory, cfg Config) (*STree, error) {
	if err := cfg.Schema.Validate(); err != nil {
		return nil, errs.Violation("create stree", "%v", err)
	}
	if cfg.KeyLength <= 0 || cfg.KeyLength > len(cfg.Schema) {
		return nil, errs.Violation("create stree", "key length %d outside 1..%d", cfg.KeyLength, len(cfg.Schema))
	}
	for i, col := range cfg.Schema[:cfg.KeyLength] {
		if col.Type.IsLob() {
			return nil, errs.Violation("create stree", "key column %d (%s) has lob type %s", i, col.Name, col.Type)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	t := &STree{
		schema:    cfg.Schema,
		keyLength: cfg.KeyLength,
		leafSize:  max(cfg.LeafSize, MinPageSize),
		keySize:   max(cfg.KeySize, MinPageSize),
		logger:    cfg.Logger.With(slog.String("stree", name)),
	}
	t.group = c.NewGroup(name, newPageSerializer(cfg.Schema, cfg.KeyLength), stores)
	if err := t.reset(); err != nil {
		_ = t.group.Close()
		return nil, err
	}
	return t, nil
}

func (t *STree) reset() error {
	root := &page{}
	h, err := t.group.AddResident(root, root.size())
	if err != nil {
		return err
	}
	t.root, t.height, t.rowCount, t.pages = h, 1, 0, 1
	return nil
}

// Schema returns the tuple schema.
func (t *STree) Schema() types.Schema { return t.schema }

// KeyLength returns the number of key columns.
func (t *STree) KeyLength() int { return t.keyLength }

// LeafSize returns the row capacity of a leaf page.
func (t *STree) LeafSize() int { return t.leafSize }

// KeySize returns the child capacity of an internal page.
func (t *STree) KeySize() int { return t.keySize }

// RowCount returns the number of entries.
func (t *STree) RowCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowCount
}

// Height returns the number of levels from the root to the leaves inclusive.
func (t *STree) Height() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height
}

// ExpectedHeight returns the height a tree of size entries settles at. Passing it
// to Insert keeps a bulk load from growing taller.
func (t *STree) ExpectedHeight(size int) int {
	if size <= 0 {
		return 0
	}
	h := 1
	for size > t.leafSize {
		h++
		size /= t.keySize
	}
	return h
}

// Stats returns a snapshot of the tree shape and its rebalancing counters.
func (t *STree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		RowCount: t.rowCount,
		Height:   t.height,
		Pages:    t.pages,
		Splits:   t.splits,
		Merges:   t.merges,
		Borrows:  t.borrows,
	}
}

// StoreLength returns the size of the spill store backing the pages.
func (t *STree) StoreLength() int64 { return t.group.StoreLength() }

func (t *STree) checkOpen(op string) error {
	if t.released {
		return errs.ViolationOf(op, errs.ErrClosed, "tree released")
	}
	return nil
}

func (t *STree) get(ctx context.Context, h cache.Handle) (*page, error) {
	v, err := t.group.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	return v.(*page), nil
}

type step struct {
	h   cache.Handle
	p   *page
	idx int
}

// descend walks from the root to the leaf that holds or would hold key. The idx
// of each internal step is the child taken; the leaf's idx is the key position.
func (t *STree) descend(ctx context.Context, key types.Tuple) ([]step, bool, error) {
	path := make([]step, 0, t.height)
	h := t.root
	for {
		p, err := t.get(ctx, h)
		if err != nil {
			return nil, false, err
		}
		if p.leaf() {
			idx, found := p.search(key, t.keyLength)
			return append(path, step{h, p, idx}), found, nil
		}
		idx := p.childIndex(key, t.keyLength)
		path = append(path, step{h, p, idx})
		h = p.children[idx]
	}
}

func (t *STree) checkKey(op string, key types.Tuple) error {
	if len(key) < t.keyLength {
		return errs.Violation(op, "key has %d values, need %d", len(key), t.keyLength)
	}
	return nil
}

// Find returns the entry with the given key, or nil.
func (t *STree) Find(ctx context.Context, key types.Tuple) (types.Tuple, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("stree find"); err != nil {
		return nil, err
	}
	if err := t.checkKey("stree find", key); err != nil {
		return nil, err
	}
	path, found, err := t.descend(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	leaf := path[len(path)-1]
	return leaf.p.rows[leaf.idx], nil
}

// capacity returns how many rows or children p may hold. While the tree is at
// its expected height the root absorbs splits up to rootOverflow times its
// normal capacity.
func (t *STree) capacity(p *page, isRoot bool, expectedHeight int) int {
	c := t.leafSize
	if !p.leaf() {
		c = t.keySize
	}
	if isRoot && expectedHeight > 0 && t.height >= expectedHeight {
		c *= rootOverflow
	}
	return c
}

func (t *STree) minFill(p *page) int {
	if p.leaf() {
		return max(1, t.leafSize/4)
	}
	return max(2, t.keySize/4)
}

// Insert adds tuple according to mode and returns the entry previously stored
// under its key, if any. expectedHeight is -1 to let the tree size itself, or the
// result of ExpectedHeight for the anticipated row count.
func (t *STree) Insert(ctx context.Context, tuple types.Tuple, mode InsertMode, expectedHeight int) (types.Tuple, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("stree insert"); err != nil {
		return nil, err
	}
	if err := t.schema.Check(tuple); err != nil {
		return nil, errs.Violation("stree insert", "%v", err)
	}
	path, found, err := t.descend(ctx, tuple)
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1]

	if found {
		prev := leaf.p.rows[leaf.idx]
		if mode != ModeUpdate {
			return prev, nil
		}
		np := leaf.p.clone()
		np.rows[leaf.idx] = tuple
		if err := t.group.Replace(ctx, leaf.h, np, np.size()); err != nil {
			return nil, err
		}
		return prev, nil
	}

	// Every page on the path may be rewritten, plus one sibling per level and a
	// new root.
	need := int64(tuple.SizeEstimate()) + int64(pageOverhead*(len(path)+1))
	for _, s := range path {
		need += s.p.size()
	}
	if err := t.group.MakeRoom(ctx, need); err != nil {
		return nil, err
	}

	cur := leaf.p.clone()
	cur.rows = slices.Insert(cur.rows, leaf.idx, tuple)
	atEnd := leaf.idx == len(leaf.p.rows)

	for lvl := len(path) - 1; lvl >= 0; lvl-- {
		s := path[lvl]
		isRoot := lvl == 0
		if len(cur.rows) <= t.capacity(cur, isRoot, expectedHeight) {
			if err := t.group.ReplaceResident(s.h, cur, cur.size()); err != nil {
				return nil, err
			}
			break
		}

		left, right := t.split(cur, mode == ModeOrdered && atEnd)
		if err := t.group.ReplaceResident(s.h, left, left.size()); err != nil {
			return nil, err
		}
		rh, err := t.group.AddResident(right, right.size())
		if err != nil {
			return nil, err
		}
		t.pages++
		t.splits++
		sep := keyOf(right.rows[0], t.keyLength)

		if isRoot {
			root := &page{
				level:    left.level + 1,
				rows:     []types.Tuple{keyOf(left.rows[0], t.keyLength), sep},
				children: []cache.Handle{s.h, rh},
			}
			h, err := t.group.AddResident(root, root.size())
			if err != nil {
				return nil, err
			}
			t.root = h
			t.height++
			t.pages++
			t.logger.Debug("stree grew", slog.Int("height", t.height), slog.Int("rows", t.rowCount+1))
			break
		}

		parent := path[lvl-1]
		cur = parent.p.clone()
		cur.rows = slices.Insert(cur.rows, parent.idx+1, sep)
		cur.children = slices.Insert(cur.children, parent.idx+1, rh)
		atEnd = parent.idx+1 == len(parent.p.children)
	}

	t.rowCount++
	return nil, nil
}

// split divides an overfull page. An append split keeps the full page on the left
// and moves only the last entry to the right.
func (t *STree) split(p *page, appendSplit bool) (*page, *page) {
	mid := len(p.rows) / 2
	if appendSplit {
		mid = len(p.rows) - 1
	}
	left := &page{level: p.level, rows: slices.Clone(p.rows[:mid])}
	right := &page{level: p.level, rows: slices.Clone(p.rows[mid:])}
	if !p.leaf() {
		left.children = slices.Clone(p.children[:mid])
		right.children = slices.Clone(p.children[mid:])
	}
	return left, right
}

// removal collects the page writes of one Remove so they can be applied after
// every sibling has been read.
type removal struct {
	writes  []step
	drops   []cache.Handle
	merges  int64
	borrows int64
	root    cache.Handle
	height  int
}

func (r *removal) write(h cache.Handle, p *page) { r.writes = append(r.writes, step{h: h, p: p}) }

// Remove deletes the entry with the given key and returns it, or nil if absent.
// Underfull pages borrow from or merge with a sibling; a root left with one
// child is collapsed.
func (t *STree) Remove(ctx context.Context, key types.Tuple) (types.Tuple, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("stree remove"); err != nil {
		return nil, err
	}
	if err := t.checkKey("stree remove", key); err != nil {
		return nil, err
	}
	path, found, err := t.descend(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	leaf := path[len(path)-1]
	prev := leaf.p.rows[leaf.idx]

	r := &removal{root: t.root, height: t.height}
	cur := leaf.p.clone()
	cur.rows = slices.Delete(cur.rows, leaf.idx, leaf.idx+1)

	for lvl := len(path) - 1; lvl >= 0; lvl-- {
		s := path[lvl]
		if lvl == 0 {
			if !cur.leaf() && len(cur.children) == 1 {
				r.drops = append(r.drops, s.h)
				r.root = cur.children[0]
				r.height--
			} else {
				r.write(s.h, cur)
			}
			break
		}
		if len(cur.rows) >= t.minFill(cur) {
			r.write(s.h, cur)
			break
		}

		parent := path[lvl-1]
		np := parent.p.clone()
		pi := parent.idx
		si := pi + 1
		if si >= len(np.children) {
			si = pi - 1
		}
		if si < 0 {
			// Only child of a page split off by an ordered append.
			r.write(s.h, cur)
			break
		}
		sib, err := t.get(ctx, np.children[si])
		if err != nil {
			return nil, err
		}
		sib = sib.clone()

		left, right, li := cur, sib, pi
		if si < pi {
			left, right, li = sib, cur, si
		}
		lh, rh := np.children[li], np.children[li+1]

		if len(left.rows)+len(right.rows) <= t.capacity(left, false, -1) {
			left.rows = append(left.rows, right.rows...)
			left.children = append(left.children, right.children...)
			r.write(lh, left)
			r.drops = append(r.drops, rh)
			np.rows = slices.Delete(np.rows, li+1, li+2)
			np.children = slices.Delete(np.children, li+1, li+2)
			r.merges++
			cur = np
			continue
		}

		rows := append(slices.Clone(left.rows), right.rows...)
		children := append(slices.Clone(left.children), right.children...)
		mid := len(rows) / 2
		left.rows, right.rows = rows[:mid:mid], slices.Clone(rows[mid:])
		if !left.leaf() {
			left.children, right.children = children[:mid:mid], slices.Clone(children[mid:])
		}
		np.rows[li+1] = keyOf(right.rows[0], t.keyLength)
		r.write(lh, left)
		r.write(rh, right)
		r.write(parent.h, np)
		r.borrows++
		break
	}

	var need int64
	for _, w := range r.writes {
		need += w.p.size()
	}
	if err := t.group.MakeRoom(ctx, need); err != nil {
		return nil, err
	}
	for _, w := range r.writes {
		if err := t.group.ReplaceResident(w.h, w.p, w.p.size()); err != nil {
			return nil, err
		}
	}
	for _, h := range r.drops {
		if err := t.group.Remove(h); err != nil {
			return nil, err
		}
	}

	t.root, t.height = r.root, r.height
	t.pages -= len(r.drops)
	t.merges += r.merges
	t.borrows += r.borrows
	t.rowCount--
	return prev, nil
}

// Truncate removes every entry and leaves an empty, insertable tree.
func (t *STree) Truncate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("stree truncate"); err != nil {
		return err
	}
	var handles []cache.Handle
	level := []cache.Handle{t.root}
	for len(level) > 0 {
		handles = append(handles, level...)
		var next []cache.Handle
		for _, h := range level {
			p, err := t.get(ctx, h)
			if err != nil {
				return err
			}
			if p.leaf() {
				break
			}
			next = append(next, p.children...)
		}
		level = next
	}
	for _, h := range handles {
		if err := t.group.Remove(h); err != nil {
			return err
		}
	}
	return t.reset()
}

// Release drops every page and the spill store. The tree cannot be used afterwards.
func (t *STree) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true
	return t.group.Close()
}
