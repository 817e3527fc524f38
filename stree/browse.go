package stree

import (
	"context"
	"iter"

	"github.com/hupe1980/bufmgr/types"
)

type frame struct {
	p   *page
	idx int
}

// Browser walks the entries of a key range in order. It reads a snapshot of the
// pages it has already visited; modifying the tree while browsing gives
// unspecified results for the remaining range.
type Browser struct {
	t       *STree
	lower   types.Tuple
	upper   types.Tuple
	reverse bool
	stack   []frame
	started bool
	done    bool
}

// Browse returns a browser over the keys between lower and upper inclusive. A nil
// bound is open. With reverse the entries are returned from upper down to lower.
func (t *STree) Browse(lower, upper types.Tuple, reverse bool) (*Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen("stree browse"); err != nil {
		return nil, err
	}
	for _, b := range []types.Tuple{lower, upper} {
		if b != nil {
			if err := t.checkKey("stree browse", b); err != nil {
				return nil, err
			}
		}
	}
	return &Browser{t: t, lower: lower, upper: upper, reverse: reverse}, nil
}

// start positions the stack on the first entry of the range.
func (b *Browser) start(ctx context.Context) error {
	t := b.t
	t.mu.Lock()
	h := t.root
	t.mu.Unlock()
	bound := b.lower
	if b.reverse {
		bound = b.upper
	}
	for {
		p, err := t.get(ctx, h)
		if err != nil {
			return err
		}
		var idx int
		switch {
		case p.leaf() && bound == nil && b.reverse:
			idx = len(p.rows) - 1
		case p.leaf() && bound == nil:
			idx = 0
		case p.leaf():
			i, found := p.search(bound, t.keyLength)
			idx = i
			if b.reverse && !found {
				idx = i - 1
			}
		case bound == nil && b.reverse:
			idx = len(p.children) - 1
		case bound == nil:
			idx = 0
		default:
			idx = p.childIndex(bound, t.keyLength)
		}
		b.stack = append(b.stack, frame{p, idx})
		if p.leaf() {
			return nil
		}
		h = p.children[idx]
	}
}

// advance moves past an exhausted leaf to the next one in browse order.
func (b *Browser) advance(ctx context.Context) (bool, error) {
	for {
		b.stack = b.stack[:len(b.stack)-1]
		if len(b.stack) == 0 {
			return false, nil
		}
		top := &b.stack[len(b.stack)-1]
		if b.reverse {
			top.idx--
		} else {
			top.idx++
		}
		if top.idx >= 0 && top.idx < len(top.p.children) {
			break
		}
	}
	for {
		top := b.stack[len(b.stack)-1]
		if top.p.leaf() {
			return true, nil
		}
		p, err := b.t.get(ctx, top.p.children[top.idx])
		if err != nil {
			return false, err
		}
		idx := 0
		if b.reverse {
			if p.leaf() {
				idx = len(p.rows) - 1
			} else {
				idx = len(p.children) - 1
			}
		}
		b.stack = append(b.stack, frame{p, idx})
	}
}

// Next returns the next entry, or false when the range is exhausted.
func (b *Browser) Next(ctx context.Context) (types.Tuple, bool, error) {
	if b.done {
		return nil, false, nil
	}
	if !b.started {
		b.started = true
		if err := b.start(ctx); err != nil {
			return nil, false, err
		}
	}
	for {
		top := &b.stack[len(b.stack)-1]
		if top.idx >= 0 && top.idx < len(top.p.rows) {
			row := top.p.rows[top.idx]
			if b.reverse {
				top.idx--
				if b.lower != nil && types.CompareKeys(row, b.lower, b.t.keyLength) < 0 {
					break
				}
			} else {
				top.idx++
				if b.upper != nil && types.CompareKeys(row, b.upper, b.t.keyLength) > 0 {
					break
				}
			}
			return row, true, nil
		}
		ok, err := b.advance(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
	}
	b.done = true
	return nil, false, nil
}

// All iterates every entry in key order.
func (t *STree) All(ctx context.Context) iter.Seq2[types.Tuple, error] {
	return func(yield func(types.Tuple, error) bool) {
		b, err := t.Browse(nil, nil, false)
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			row, ok, err := b.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || !yield(row, nil) {
				return
			}
		}
	}
}
