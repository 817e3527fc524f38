package types

import (
	"fmt"
	"strings"
)

// Tuple is one row. Position i holds the value of schema column i.
type Tuple []Value

// Clone returns a shallow copy of t. LOB handles are shared.
func (t Tuple) Clone() Tuple {
	if t == nil {
		return nil
	}
	c := make(Tuple, len(t))
	copy(c, t)
	return c
}

// SizeEstimate returns the approximate in-memory footprint of t in bytes.
func (t Tuple) SizeEstimate() int {
	n := 24
	for _, v := range t {
		n += v.SizeEstimate()
	}
	return n
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// CompareKeys orders a and b by their first keyLength columns.
func CompareKeys(a, b Tuple, keyLength int) int {
	for i := 0; i < keyLength; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// SizeEstimateRows sums the footprint of rows.
func SizeEstimateRows(rows []Tuple) int64 {
	var n int64
	for _, r := range rows {
		n += int64(r.SizeEstimate())
	}
	return n
}

// Column describes one schema column.
type Column struct {
	Name string
	Type Type
}

// Schema is the ordered list of column descriptors of a tuple buffer or tree.
type Schema []Column

// NewSchema builds a schema with generated column names from types.
func NewSchema(ts ...Type) Schema {
	s := make(Schema, len(ts))
	for i, t := range ts {
		s[i] = Column{Name: fmt.Sprintf("c%d", i), Type: t}
	}
	return s
}

// Validate checks that the schema is non-empty and every column type is legal.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema must have at least one column")
	}
	for i, c := range s {
		if !c.Type.Valid() {
			return fmt.Errorf("column %d (%s): invalid type %s", i, c.Name, c.Type)
		}
	}
	return nil
}

// Types returns the column types in order.
func (s Schema) Types() []Type {
	ts := make([]Type, len(s))
	for i, c := range s {
		ts[i] = c.Type
	}
	return ts
}

// LobIndexes returns the positions of LOB-typed columns.
func (s Schema) LobIndexes() []int {
	var idx []int
	for i, c := range s {
		if c.Type.IsLob() {
			idx = append(idx, i)
		}
	}
	return idx
}

// EstimateRowSize returns the estimated encoded width of one row in bytes,
// including a fixed per-row overhead.
func (s Schema) EstimateRowSize() int {
	n := 16
	for _, c := range s {
		n += c.Type.estimatedSize()
	}
	return n
}

// Check verifies that t conforms to the schema: same arity and every non-null
// value carries the column's type.
func (s Schema) Check(t Tuple) error {
	if len(t) != len(s) {
		return fmt.Errorf("tuple has %d values, schema has %d columns", len(t), len(s))
	}
	for i, v := range t {
		if v.Type != TypeNull && v.Type != s[i].Type {
			return fmt.Errorf("column %d (%s): value type %s does not match %s", i, s[i].Name, v.Type, s[i].Type)
		}
		if v.Type.IsLob() && v.Lob == nil {
			return fmt.Errorf("column %d (%s): lob value without handle", i, s[i].Name)
		}
	}
	return nil
}
