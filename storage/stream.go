package storage

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/types"
)

const (
	// StreamPageSize is the chunk size of input streams.
	StreamPageSize = 8 << 10
	// DefaultOutputBuffer is the buffer size of output streams.
	DefaultOutputBuffer = 8 << 10
	// streamCachePages bounds the pages an InputStreamFactory keeps resident.
	streamCachePages = 16
)

// InputStreamFactory opens readers over a fixed range of a FileStore. Pages read
// through it stay resident (up to a small bound), so a reset stream re-pulls them
// from the factory instead of the store.
type InputStreamFactory struct {
	store  *FileStore
	off    int64
	length int64

	mu        sync.Mutex
	pages     map[int64][]byte
	order     []int64
	pageReads atomic.Int64
}

var _ types.StreamFactory = (*InputStreamFactory)(nil)

// NewInputStreamFactory returns a factory over [off, off+n).
func (s *FileStore) NewInputStreamFactory(off, n int64) *InputStreamFactory {
	return &InputStreamFactory{store: s, off: off, length: n, pages: make(map[int64][]byte)}
}

// InputStream opens a stream over [off, off+n).
func (s *FileStore) InputStream(off, n int64) (*InputStream, error) {
	if off < 0 || n < 0 || off+n > s.Length() {
		return nil, errs.ViolationOf("filestore stream", errs.ErrOutOfBounds,
			"store %s: range [%d, %d) beyond length %d", s.name, off, off+n, s.Length())
	}
	return s.NewInputStreamFactory(off, n).OpenStream(), nil
}

// Length returns the range length.
func (f *InputStreamFactory) Length() int64 { return f.length }

// Store returns the store the range belongs to.
func (f *InputStreamFactory) Store() *FileStore { return f.store }

// PageReads returns how many pages were read from the store.
func (f *InputStreamFactory) PageReads() int64 { return f.pageReads.Load() }

// Open implements types.StreamFactory.
func (f *InputStreamFactory) Open() (io.ReadCloser, error) { return f.OpenStream(), nil }

// OpenStream returns a new stream positioned at the start of the range.
func (f *InputStreamFactory) OpenStream() *InputStream {
	s := &InputStream{f: f}
	s.p = &pageProducer{f: f}
	s.r = NewBufferedReader(s.p)
	return s
}

func (f *InputStreamFactory) page(idx int64) ([]byte, error) {
	start := idx * StreamPageSize
	if start >= f.length {
		return nil, io.EOF
	}

	f.mu.Lock()
	if p, ok := f.pages[idx]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	n := min(int64(StreamPageSize), f.length-start)
	p, err := f.store.Read(f.off+start, int(n))
	if err != nil {
		return nil, err
	}
	f.pageReads.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[idx]; !ok {
		if len(f.order) >= streamCachePages {
			delete(f.pages, f.order[0])
			f.order = f.order[1:]
		}
		f.pages[idx] = p
		f.order = append(f.order, idx)
	}
	return p, nil
}

type pageProducer struct {
	f    *InputStreamFactory
	next int64
}

func (p *pageProducer) NextBuffer() ([]byte, error) {
	b, err := p.f.page(p.next)
	if err != nil {
		return nil, err
	}
	p.next++
	return b, nil
}

// InputStream is a seekable reader over a FileStore range.
//
// Mark records the current position; a fresh stream is marked at its start.
// Reset returns to the mark.
type InputStream struct {
	f      *InputStreamFactory
	p      *pageProducer
	r      *BufferedReader
	mark   int64
	closed bool
}

// Read implements io.Reader.
func (s *InputStream) Read(b []byte) (int, error) {
	if s.closed {
		return 0, errs.ViolationOf("stream read", errs.ErrClosed, "stream closed")
	}
	return s.r.Read(b)
}

// ReadByte implements io.ByteReader.
func (s *InputStream) ReadByte() (byte, error) {
	if s.closed {
		return 0, errs.ViolationOf("stream read", errs.ErrClosed, "stream closed")
	}
	return s.r.ReadByte()
}

// Position returns the offset of the next byte relative to the range start.
func (s *InputStream) Position() int64 {
	if s.r.buf == nil {
		return min(s.p.next*StreamPageSize, s.f.length)
	}
	return (s.p.next-1)*StreamPageSize + int64(s.r.pos)
}

// Mark records the current position.
func (s *InputStream) Mark() { s.mark = s.Position() }

// Reset returns to the mark.
func (s *InputStream) Reset() error {
	_, err := s.Seek(s.mark, io.SeekStart)
	return err
}

// Seek implements io.Seeker.
func (s *InputStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.Position() + offset
	case io.SeekEnd:
		abs = s.f.length + offset
	default:
		return 0, errs.Violation("stream seek", "invalid whence %d", whence)
	}
	if abs < 0 || abs > s.f.length {
		return 0, errs.ViolationOf("stream seek", errs.ErrOutOfBounds, "position %d outside [0, %d]", abs, s.f.length)
	}

	idx := abs / StreamPageSize
	s.r.restart()
	s.p.next = idx
	if skip := int(abs - idx*StreamPageSize); skip > 0 {
		if err := s.r.fill(); err != nil {
			return 0, err
		}
		s.r.pos = skip
	}
	return abs, nil
}

// Close implements io.Closer.
func (s *InputStream) Close() error {
	s.closed = true
	return nil
}

// OutputStream buffers writes into a FileStore.
//
// In memory mode nothing reaches the store until the buffer overflows; content that
// fits is kept in the buffer and reported through InMemory and Buffered.
type OutputStream struct {
	s       *FileStore
	off     int64
	start   int64
	buf     []byte
	size    int
	memory  bool
	flushed bool
	count   int64
	closed  bool
}

// OutputStream returns a stream writing through at off.
func (s *FileStore) OutputStream(off int64) *OutputStream {
	return &OutputStream{s: s, off: off, start: off, size: DefaultOutputBuffer}
}

// MemoryOutputStream returns a stream that keeps up to bufSize bytes in memory and
// appends to the store only when they overflow.
func (s *FileStore) MemoryOutputStream(bufSize int) *OutputStream {
	if bufSize <= 0 {
		bufSize = DefaultOutputBuffer
	}
	return &OutputStream{s: s, off: -1, start: -1, size: bufSize, memory: true}
}

// Write implements io.Writer.
func (o *OutputStream) Write(p []byte) (int, error) {
	if o.closed {
		return 0, errs.ViolationOf("stream write", errs.ErrClosed, "stream closed")
	}
	written := 0
	for len(p) > 0 {
		n := min(len(p), o.size-len(o.buf))
		o.buf = append(o.buf, p[:n]...)
		p = p[n:]
		written += n
		o.count += int64(n)
		if len(o.buf) >= o.size {
			if err := o.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush writes buffered bytes to the store.
func (o *OutputStream) Flush() error {
	if len(o.buf) == 0 {
		return nil
	}
	if o.off < 0 {
		o.off = o.s.Length()
		o.start = o.off
	}
	if err := o.s.WriteAt(o.buf, o.off); err != nil {
		return err
	}
	o.off += int64(len(o.buf))
	o.buf = o.buf[:0]
	o.flushed = true
	return nil
}

// Close flushes remaining bytes unless the stream is still in memory.
func (o *OutputStream) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if o.InMemory() {
		return nil
	}
	return o.Flush()
}

// InMemory reports whether all content is still held in the buffer.
func (o *OutputStream) InMemory() bool { return o.memory && !o.flushed }

// Buffered returns the bytes not yet written to the store.
func (o *OutputStream) Buffered() []byte { return o.buf }

// StartOffset returns the store offset of the first byte, or -1 while in memory.
func (o *OutputStream) StartOffset() int64 { return o.start }

// Count returns the number of bytes written.
func (o *OutputStream) Count() int64 { return o.count }
