package types

import (
	"bytes"
	"cmp"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a single tagged column value.
//
// The representation avoids reflection: the Type tag selects which field is
// meaningful. Values are immutable once placed into a Tuple handed to a buffer.
type Value struct {
	Type Type
	I64  int64
	F64  float64
	S    string
	B    []byte
	Lob  *Lob
}

// Null returns the null value.
func Null() Value { return Value{Type: TypeNull} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{Type: TypeBoolean}
	if b {
		v.I64 = 1
	}
	return v
}

// Int returns an integer value.
func Int(i int64) Value { return Value{Type: TypeInteger, I64: i} }

// Double returns a double value.
func Double(f float64) Value { return Value{Type: TypeDouble, F64: f} }

// String returns a string value.
func String(s string) Value { return Value{Type: TypeString, S: s} }

// Date returns a date value truncated to the UTC day of t.
func Date(t time.Time) Value {
	secs := t.UTC().Unix()
	days := secs / 86400
	if secs%86400 < 0 {
		days--
	}
	return Value{Type: TypeDate, I64: days}
}

// Timestamp returns a timestamp value with nanosecond precision.
func Timestamp(t time.Time) Value { return Value{Type: TypeTimestamp, I64: t.UnixNano()} }

// Varbinary returns an inline byte string value. b is not copied.
func Varbinary(b []byte) Value { return Value{Type: TypeVarbinary, B: b} }

// LobValue wraps a LOB handle. A nil handle yields a null value.
func LobValue(l *Lob) Value {
	if l == nil {
		return Null()
	}
	return Value{Type: l.Type(), Lob: l}
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.Type == TypeNull }

// AsBool returns the boolean value if Type is TypeBoolean.
func (v Value) AsBool() (bool, bool) {
	if v.Type != TypeBoolean {
		return false, false
	}
	return v.I64 != 0, true
}

// AsInt64 returns the integer value if Type is TypeInteger.
func (v Value) AsInt64() (int64, bool) {
	if v.Type != TypeInteger {
		return 0, false
	}
	return v.I64, true
}

// AsString returns the string value if Type is TypeString.
func (v Value) AsString() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	return v.S, true
}

// AsTime returns the time for date and timestamp values.
func (v Value) AsTime() (time.Time, bool) {
	switch v.Type {
	case TypeDate:
		return time.Unix(v.I64*86400, 0).UTC(), true
	case TypeTimestamp:
		return time.Unix(0, v.I64).UTC(), true
	default:
		return time.Time{}, false
	}
}

// SizeEstimate returns the approximate in-memory footprint of v in bytes.
func (v Value) SizeEstimate() int {
	const header = 16
	switch v.Type {
	case TypeString:
		return header + len(v.S)
	case TypeVarbinary:
		return header + len(v.B)
	case TypeBlob, TypeClob:
		// LOB payloads are accounted by their LobManager, not by the batch.
		return header + 48
	default:
		return header
	}
}

// Compare orders two values. Nulls sort first; values of different types order by
// type tag. LOBs compare by reference id only.
func Compare(a, b Value) int {
	if a.Type != b.Type {
		return cmp.Compare(a.Type, b.Type)
	}
	switch a.Type {
	case TypeNull:
		return 0
	case TypeBoolean, TypeInteger, TypeDate, TypeTimestamp:
		return cmp.Compare(a.I64, b.I64)
	case TypeDouble:
		return cmp.Compare(a.F64, b.F64)
	case TypeString:
		return strings.Compare(a.S, b.S)
	case TypeVarbinary:
		return bytes.Compare(a.B, b.B)
	case TypeBlob, TypeClob:
		return strings.Compare(a.Lob.ReferenceID(), b.Lob.ReferenceID())
	default:
		return 0
	}
}

// Equal reports whether a and b compare equal.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// String renders v for diagnostics.
func (v Value) String() string {
	switch v.Type {
	case TypeNull:
		return "null"
	case TypeBoolean:
		return strconv.FormatBool(v.I64 != 0)
	case TypeInteger:
		return strconv.FormatInt(v.I64, 10)
	case TypeDouble:
		if math.IsInf(v.F64, 0) || math.IsNaN(v.F64) {
			return strconv.FormatFloat(v.F64, 'g', -1, 64)
		}
		return strconv.FormatFloat(v.F64, 'f', -1, 64)
	case TypeString:
		return strconv.Quote(v.S)
	case TypeDate:
		t, _ := v.AsTime()
		return t.Format(time.DateOnly)
	case TypeTimestamp:
		t, _ := v.AsTime()
		return t.Format(time.RFC3339Nano)
	case TypeVarbinary:
		return "varbinary(" + strconv.Itoa(len(v.B)) + ")"
	case TypeBlob, TypeClob:
		return v.Type.String() + "(" + v.Lob.ReferenceID() + ")"
	default:
		return "invalid"
	}
}
