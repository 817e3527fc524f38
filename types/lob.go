package types

import (
	"bytes"
	"io"
	"sync"
	"unicode/utf8"
)

// StreamFactory produces independent readers over the same content.
//
// Implementations must return a fresh reader positioned at the start on every
// call to Open, so that a LOB can be re-read any number of times.
type StreamFactory interface {
	Open() (io.ReadCloser, error)
	// Length returns the content length in bytes, or -1 if unknown.
	Length() int64
}

// BytesFactory is a StreamFactory over an in-memory byte slice.
type BytesFactory []byte

// Open returns a reader over the bytes.
func (b BytesFactory) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Length returns len(b).
func (b BytesFactory) Length() int64 { return int64(len(b)) }

// Lob is a handle to a binary (blob) or character (clob) large object.
//
// The content is reached through a StreamFactory that may be swapped when the
// object is persisted; readers observe identical content before and after.
// Character content is stored as UTF-8.
type Lob struct {
	mu      sync.RWMutex
	typ     Type
	refID   string
	factory StreamFactory
}

// NewBlob creates a blob backed by f.
func NewBlob(f StreamFactory) *Lob { return &Lob{typ: TypeBlob, factory: f} }

// NewClob creates a clob backed by f. The content must be UTF-8.
func NewClob(f StreamFactory) *Lob { return &Lob{typ: TypeClob, factory: f} }

// BlobFromBytes creates an in-memory blob. b is not copied.
func BlobFromBytes(b []byte) *Lob { return NewBlob(BytesFactory(b)) }

// ClobFromString creates an in-memory clob.
func ClobFromString(s string) *Lob { return NewClob(BytesFactory(s)) }

// Type returns TypeBlob or TypeClob.
func (l *Lob) Type() Type { return l.typ }

// ReferenceID returns the reference stream id, empty if the LOB was never registered.
func (l *Lob) ReferenceID() string {
	if l == nil {
		return ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refID
}

// SetReferenceID assigns the reference stream id.
func (l *Lob) SetReferenceID(id string) {
	l.mu.Lock()
	l.refID = id
	l.mu.Unlock()
}

// Clone returns a new handle over the current content with the same type and
// reference id. Later factory swaps on either handle do not affect the other.
func (l *Lob) Clone() *Lob {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Lob{typ: l.typ, refID: l.refID, factory: l.factory}
}

// StreamFactory returns the current backing factory.
func (l *Lob) StreamFactory() StreamFactory {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.factory
}

// SetStreamFactory swaps the backing factory. Readers already opened keep reading
// from the previous factory.
func (l *Lob) SetStreamFactory(f StreamFactory) {
	l.mu.Lock()
	l.factory = f
	l.mu.Unlock()
}

// InMemory reports whether the content is held in a BytesFactory.
func (l *Lob) InMemory() bool {
	_, ok := l.StreamFactory().(BytesFactory)
	return ok
}

// Length returns the content length in bytes, or -1 if unknown.
func (l *Lob) Length() int64 { return l.StreamFactory().Length() }

// Open returns a reader over the content.
func (l *Lob) Open() (io.ReadCloser, error) { return l.StreamFactory().Open() }

// Bytes reads the entire content.
func (l *Lob) Bytes() ([]byte, error) {
	f := l.StreamFactory()
	if b, ok := f.(BytesFactory); ok {
		return b, nil
	}
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if n := f.Length(); n >= 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return io.ReadAll(r)
}

// Text reads the entire content as a string.
func (l *Lob) Text() (string, error) {
	b, err := l.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CharLength returns the number of characters of a clob, or the byte length of a blob.
func (l *Lob) CharLength() (int64, error) {
	if l.typ != TypeClob {
		return l.Length(), nil
	}
	b, err := l.Bytes()
	if err != nil {
		return 0, err
	}
	return int64(utf8.RuneCount(b)), nil
}
