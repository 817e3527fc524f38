package storage

import (
	"io"

	"github.com/hupe1980/bufmgr/errs"
)

// BufferProducer supplies the chunks served by a BufferedReader. NextBuffer returns
// io.EOF after the last chunk. Returned slices must stay valid until the next call.
type BufferProducer interface {
	NextBuffer() ([]byte, error)
}

// BufferProducerFunc adapts a function to BufferProducer.
type BufferProducerFunc func() ([]byte, error)

// NextBuffer calls f.
func (f BufferProducerFunc) NextBuffer() ([]byte, error) { return f() }

// BufferedReader is an io.Reader over chunks pulled on demand from a producer.
//
// Mark and Reset work within the current chunk and never call the producer.
// After the producer reports io.EOF every further read returns io.EOF without
// calling it again.
type BufferedReader struct {
	producer BufferProducer
	buf      []byte
	pos      int
	mark     int
	eof      bool
}

// NewBufferedReader creates a reader over p.
func NewBufferedReader(p BufferProducer) *BufferedReader {
	return &BufferedReader{producer: p, mark: -1}
}

func (r *BufferedReader) fill() error {
	for r.pos >= len(r.buf) {
		if r.eof {
			return io.EOF
		}
		b, err := r.producer.NextBuffer()
		if err == io.EOF {
			r.eof = true
			r.buf, r.pos, r.mark = nil, 0, -1
			return io.EOF
		}
		if err != nil {
			return err
		}
		r.buf, r.pos, r.mark = b, 0, -1
	}
	return nil
}

// Read implements io.Reader.
func (r *BufferedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

// ReadByte implements io.ByteReader.
func (r *BufferedReader) ReadByte() (byte, error) {
	if err := r.fill(); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Buffered returns the number of unread bytes in the current chunk.
func (r *BufferedReader) Buffered() int { return len(r.buf) - r.pos }

// Mark remembers the current position in the current chunk.
func (r *BufferedReader) Mark() { r.mark = r.pos }

// Reset returns to the last mark. It fails once the reader moved past the chunk
// the mark was set in.
func (r *BufferedReader) Reset() error {
	if r.mark < 0 {
		return errs.Violation("buffered reset", "no mark in the current buffer")
	}
	r.pos = r.mark
	return nil
}

// restart drops the current chunk and clears end-of-stream so the producer is
// consulted again.
func (r *BufferedReader) restart() {
	r.buf, r.pos, r.mark, r.eof = nil, 0, -1, false
}
