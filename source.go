package bufmgr

import (
	"context"
	"iter"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/types"
)

// TupleSource is a cursor over the rows of a TupleBuffer. It fetches one batch
// at a time through GetBatch, so forward-only rules apply.
type TupleSource struct {
	tb      *TupleBuffer
	pos     int
	reverse bool
	started bool
	batch   *TupleBatch
}

// SetReverse walks from the highest row down when reverse is set. It restarts
// the cursor.
func (s *TupleSource) SetReverse(reverse bool) {
	s.reverse = reverse
	s.started = false
}

// SetPosition moves the cursor so that Next returns row.
func (s *TupleSource) SetPosition(row int) {
	s.pos = row
	s.started = true
}

// Position returns the row Next returns, or 0 before the first call.
func (s *TupleSource) Position() int { return s.pos }

func (s *TupleSource) init() {
	if s.started {
		return
	}
	s.started = true
	if s.reverse {
		s.pos = s.tb.RowCount()
	} else {
		s.pos = 1
	}
}

// HasNext reports whether Next has another row to return.
func (s *TupleSource) HasNext() bool {
	s.init()
	if s.reverse {
		return s.pos >= 1
	}
	return s.pos >= 1 && s.pos <= s.tb.RowCount()
}

// Next returns the row at the cursor and moves past it.
func (s *TupleSource) Next(ctx context.Context) (types.Tuple, error) {
	if !s.HasNext() {
		return nil, errs.ViolationOf("tuple source next", errs.ErrOutOfBounds, "no row at %d", s.pos)
	}
	if s.batch == nil || !s.batch.ContainsRow(s.pos) {
		b, err := s.tb.GetBatch(ctx, s.pos)
		if err != nil {
			return nil, err
		}
		if !b.ContainsRow(s.pos) {
			return nil, errs.ViolationOf("tuple source next", errs.ErrOutOfBounds, "no row at %d", s.pos)
		}
		s.batch = b
	}
	row := s.batch.Row(s.pos)
	if s.reverse {
		s.pos--
	} else {
		s.pos++
	}
	return row, nil
}

// All iterates the remaining rows.
func (s *TupleSource) All(ctx context.Context) iter.Seq2[types.Tuple, error] {
	return func(yield func(types.Tuple, error) bool) {
		for s.HasNext() {
			row, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
