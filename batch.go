package bufmgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/bufmgr/types"
)

// TupleBatch is a contiguous run of rows of a TupleBuffer.
type TupleBatch struct {
	// BeginRow is the 1-based row number of the first row.
	BeginRow int
	Rows     []types.Tuple
	// Terminal is set on the last batch of a closed buffer.
	Terminal bool
}

// EndRow returns the row number of the last row, or BeginRow-1 when empty.
func (b *TupleBatch) EndRow() int { return b.BeginRow + len(b.Rows) - 1 }

// RowCount returns the number of rows.
func (b *TupleBatch) RowCount() int { return len(b.Rows) }

// ContainsRow reports whether row falls inside the batch.
func (b *TupleBatch) ContainsRow(row int) bool {
	return row >= b.BeginRow && row <= b.EndRow()
}

// Row returns the row with the given 1-based row number.
func (b *TupleBatch) Row(row int) types.Tuple {
	return b.Rows[row-b.BeginRow]
}

func (b *TupleBatch) size() int64 {
	return 64 + types.SizeEstimateRows(b.Rows)
}

// batchSerializer encodes batches for the spill store. LOB values are embedded
// unless the owning buffer registers them with its LOB manager, in which case
// only their reference ids are written.
type batchSerializer struct {
	schema  types.Schema
	inline  atomic.Bool
	resolve func(id string) (*types.Lob, error)
}

func (s *batchSerializer) codec() *types.Codec {
	return &types.Codec{Schema: s.schema, InlineLobs: s.inline.Load(), Resolve: s.resolve}
}

func (s *batchSerializer) Serialize(dst []byte, v any) ([]byte, error) {
	b, ok := v.(*TupleBatch)
	if !ok {
		return nil, fmt.Errorf("bufmgr: unexpected batch value %T", v)
	}
	dst = binary.AppendUvarint(dst, uint64(b.BeginRow))
	if b.Terminal {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return s.codec().AppendRows(dst, b.Rows)
}

func (s *batchSerializer) Deserialize(data []byte) (any, error) {
	begin, n := binary.Uvarint(data)
	if n <= 0 || len(data) < n+1 {
		return nil, errors.New("bufmgr: bad batch header")
	}
	rows, err := s.codec().DecodeRows(data[n+1:])
	if err != nil {
		return nil, fmt.Errorf("bufmgr: %w", err)
	}
	return &TupleBatch{BeginRow: int(begin), Rows: rows, Terminal: data[n] == 1}, nil
}
