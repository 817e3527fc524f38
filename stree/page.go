package stree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/bufmgr/internal/cache"
	"github.com/hupe1980/bufmgr/types"
)

const pageOverhead = 64

// page is one tree node. Leaves hold full tuples; internal pages hold one key per
// child, where child i covers keys from rows[i] up to rows[i+1].
//
// Pages stored in the cache are never mutated. Every change clones the page and
// replaces it under the same handle.
type page struct {
	level    int
	rows     []types.Tuple
	children []cache.Handle
}

func (p *page) leaf() bool { return p.level == 0 }

func (p *page) clone() *page {
	return &page{
		level:    p.level,
		rows:     slices.Clone(p.rows),
		children: slices.Clone(p.children),
	}
}

func (p *page) size() int64 {
	return pageOverhead + types.SizeEstimateRows(p.rows) + int64(8*len(p.children))
}

// search returns the position of key in a leaf and whether it is present.
func (p *page) search(key types.Tuple, keyLength int) (int, bool) {
	return slices.BinarySearchFunc(p.rows, key, func(row, k types.Tuple) int {
		return types.CompareKeys(row, k, keyLength)
	})
}

// childIndex returns the child of an internal page whose range holds key.
func (p *page) childIndex(key types.Tuple, keyLength int) int {
	i, found := p.search(key, keyLength)
	if found {
		return i
	}
	return max(i-1, 0)
}

// keyOf returns the first keyLength values of t as a separate tuple.
func keyOf(t types.Tuple, keyLength int) types.Tuple {
	return slices.Clone(t[:keyLength])
}

// pageSerializer encodes pages for the spill store: the level, the child
// handles of internal pages and then the rows in the tuple codec.
type pageSerializer struct {
	rows types.Codec
	keys types.Codec
}

func newPageSerializer(schema types.Schema, keyLength int) *pageSerializer {
	return &pageSerializer{
		rows: types.Codec{Schema: schema, InlineLobs: true},
		keys: types.Codec{Schema: schema[:keyLength], InlineLobs: true},
	}
}

func (s *pageSerializer) Serialize(dst []byte, v any) ([]byte, error) {
	p, ok := v.(*page)
	if !ok {
		return nil, fmt.Errorf("stree: unexpected value %T", v)
	}
	dst = binary.AppendUvarint(dst, uint64(p.level))
	if p.leaf() {
		return s.rows.AppendRows(dst, p.rows)
	}
	dst = binary.AppendUvarint(dst, uint64(len(p.children)))
	for _, h := range p.children {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(h))
	}
	return s.keys.AppendRows(dst, p.rows)
}

func (s *pageSerializer) Deserialize(data []byte) (any, error) {
	level, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errors.New("stree: bad page level")
	}
	data = data[n:]
	p := &page{level: int(level)}

	codec := &s.rows
	if !p.leaf() {
		count, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < count*8 {
			return nil, errors.New("stree: bad child table")
		}
		data = data[n:]
		p.children = make([]cache.Handle, count)
		for i := range p.children {
			p.children[i] = cache.Handle(binary.LittleEndian.Uint64(data))
			data = data[8:]
		}
		codec = &s.keys
	}
	rows, err := codec.DecodeRows(data)
	if err != nil {
		return nil, fmt.Errorf("stree: %w", err)
	}
	p.rows = rows
	return p, nil
}
