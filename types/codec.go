package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	errShortBuffer = errors.New("short buffer")
	errBadVarint   = errors.New("invalid varint")
)

const (
	lobInline    byte = 0
	lobReference byte = 1
)

// Codec serializes rows of one schema into a compact binary form.
//
// Each value is a type tag byte followed by its payload; integers use zig-zag
// varints and variable-length payloads carry a uvarint length prefix. LOB
// values are either embedded with their reference id (InlineLobs) or written as
// the reference id alone and resolved on decode through Resolve.
type Codec struct {
	Schema     Schema
	InlineLobs bool
	// Resolve maps a reference id back to a LOB handle. Required for decoding
	// reference-encoded LOBs.
	Resolve func(id string) (*Lob, error)
}

// AppendRows appends the encoding of rows to dst.
func (c *Codec) AppendRows(dst []byte, rows []Tuple) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(rows)))
	for i, row := range rows {
		if len(row) != len(c.Schema) {
			return nil, fmt.Errorf("row %d: %d values for %d columns", i, len(row), len(c.Schema))
		}
		for _, v := range row {
			var err error
			dst, err = c.appendValue(dst, v)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
	}
	return dst, nil
}

// DecodeRows decodes a buffer produced by AppendRows.
func (c *Codec) DecodeRows(data []byte) ([]Tuple, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errBadVarint
	}
	data = data[n:]
	rows := make([]Tuple, 0, count)
	for range count {
		row := make(Tuple, len(c.Schema))
		for col := range row {
			v, rest, err := c.parseValue(data)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", len(rows), col, err)
			}
			row[col] = v
			data = rest
		}
		rows = append(rows, row)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(data))
	}
	return rows, nil
}

func (c *Codec) appendValue(dst []byte, v Value) ([]byte, error) {
	dst = append(dst, byte(v.Type))
	switch v.Type {
	case TypeNull:
	case TypeBoolean, TypeInteger, TypeDate, TypeTimestamp:
		dst = binary.AppendVarint(dst, v.I64)
	case TypeDouble:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.F64))
	case TypeString:
		dst = binary.AppendUvarint(dst, uint64(len(v.S)))
		dst = append(dst, v.S...)
	case TypeVarbinary:
		dst = binary.AppendUvarint(dst, uint64(len(v.B)))
		dst = append(dst, v.B...)
	case TypeBlob, TypeClob:
		id := v.Lob.ReferenceID()
		if c.InlineLobs || id == "" {
			b, err := v.Lob.Bytes()
			if err != nil {
				return nil, fmt.Errorf("read lob: %w", err)
			}
			dst = append(dst, lobInline)
			dst = binary.AppendUvarint(dst, uint64(len(id)))
			dst = append(dst, id...)
			dst = binary.AppendUvarint(dst, uint64(len(b)))
			dst = append(dst, b...)
			return dst, nil
		}
		dst = append(dst, lobReference)
		dst = binary.AppendUvarint(dst, uint64(len(id)))
		dst = append(dst, id...)
	default:
		return nil, fmt.Errorf("unsupported type %s", v.Type)
	}
	return dst, nil
}

func (c *Codec) parseValue(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, errShortBuffer
	}
	typ := Type(data[0])
	data = data[1:]

	switch typ {
	case TypeNull:
		return Null(), data, nil
	case TypeBoolean, TypeInteger, TypeDate, TypeTimestamp:
		i, n := binary.Varint(data)
		if n <= 0 {
			return Value{}, nil, errBadVarint
		}
		return Value{Type: typ, I64: i}, data[n:], nil
	case TypeDouble:
		if len(data) < 8 {
			return Value{}, nil, errShortBuffer
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), data[8:], nil
	case TypeString:
		b, rest, err := readBytes(data)
		if err != nil {
			return Value{}, nil, err
		}
		return String(string(b)), rest, nil
	case TypeVarbinary:
		b, rest, err := readBytes(data)
		if err != nil {
			return Value{}, nil, err
		}
		return Varbinary(append([]byte(nil), b...)), rest, nil
	case TypeBlob, TypeClob:
		if len(data) < 1 {
			return Value{}, nil, errShortBuffer
		}
		mode := data[0]
		b, rest, err := readBytes(data[1:])
		if err != nil {
			return Value{}, nil, err
		}
		if mode == lobInline {
			id := string(b)
			if b, rest, err = readBytes(rest); err != nil {
				return Value{}, nil, err
			}
			content := BytesFactory(append([]byte(nil), b...))
			l := NewClob(content)
			if typ == TypeBlob {
				l = NewBlob(content)
			}
			if id != "" {
				l.SetReferenceID(id)
			}
			return LobValue(l), rest, nil
		}
		if c.Resolve == nil {
			return Value{}, nil, fmt.Errorf("lob reference %q without resolver", b)
		}
		l, err := c.Resolve(string(b))
		if err != nil {
			return Value{}, nil, err
		}
		return LobValue(l), rest, nil
	default:
		return Value{}, nil, fmt.Errorf("unknown type tag %d", typ)
	}
}

func readBytes(data []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errBadVarint
	}
	data = data[n:]
	if uint64(len(data)) < l {
		return nil, nil, errShortBuffer
	}
	return data[:l], data[l:], nil
}
