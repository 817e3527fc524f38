package types

import "fmt"

// Type identifies a column type. The set is closed; values never carry a type
// outside this enumeration.
type Type uint8

const (
	// TypeNull is the type of a null Value. It is not a valid column type.
	TypeNull Type = iota
	// TypeBoolean is a boolean column.
	TypeBoolean
	// TypeInteger is a 64-bit signed integer column.
	TypeInteger
	// TypeDouble is a 64-bit float column.
	TypeDouble
	// TypeString is a UTF-8 string column.
	TypeString
	// TypeDate is a calendar date column, stored as days since the Unix epoch.
	TypeDate
	// TypeTimestamp is a timestamp column, stored as Unix nanoseconds.
	TypeTimestamp
	// TypeVarbinary is an inline byte string column.
	TypeVarbinary
	// TypeBlob is a binary large object reference column.
	TypeBlob
	// TypeClob is a character large object reference column.
	TypeClob

	typeCount
)

var typeNames = [...]string{
	TypeNull:      "null",
	TypeBoolean:   "boolean",
	TypeInteger:   "integer",
	TypeDouble:    "double",
	TypeString:    "string",
	TypeDate:      "date",
	TypeTimestamp: "timestamp",
	TypeVarbinary: "varbinary",
	TypeBlob:      "blob",
	TypeClob:      "clob",
}

func (t Type) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a legal column type.
func (t Type) Valid() bool {
	return t > TypeNull && t < typeCount
}

// IsLob reports whether t is a large object type.
func (t Type) IsLob() bool {
	return t == TypeBlob || t == TypeClob
}

// estimatedSize is the per-value byte estimate used for batch sizing and memory
// accounting of values whose payload length is unknown up front.
func (t Type) estimatedSize() int {
	switch t {
	case TypeBoolean:
		return 1
	case TypeInteger, TypeDouble, TypeDate, TypeTimestamp:
		return 8
	case TypeString:
		return 36
	case TypeVarbinary, TypeBlob, TypeClob:
		return 64
	default:
		return 8
	}
}
