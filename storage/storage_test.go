package storage

import (
	"bytes"
	"io"
	"testing"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagers(t *testing.T) map[string]Manager {
	t.Helper()
	disk, err := NewDiskManager(DiskConfig{Dir: t.TempDir(), PreallocChunk: 4096})
	require.NoError(t, err)
	split, err := NewDiskManager(DiskConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = disk.Close()
		_ = split.Close()
	})
	return map[string]Manager{
		"memory":     NewMemoryManager(),
		"disk":       disk,
		"splittable": NewSplittableManager(split, 100),
	}
}

func TestFileStore_ReadWrite(t *testing.T) {
	for name, m := range newManagers(t) {
		t.Run(name, func(t *testing.T) {
			r, err := m.CreateRegion("test")
			require.NoError(t, err)
			s := NewFileStore("test", r)

			data := bytes.Repeat([]byte("0123456789"), 35)
			off, err := s.Append(data)
			require.NoError(t, err)
			assert.Equal(t, int64(0), off)
			assert.Equal(t, int64(350), s.Length())

			got, err := s.Read(95, 20)
			require.NoError(t, err)
			assert.Equal(t, data[95:115], got)

			require.NoError(t, s.WriteAt([]byte("xy"), 349))
			assert.Equal(t, int64(351), s.Length())

			_, err = s.Read(340, 20)
			assert.ErrorIs(t, err, errs.ErrOutOfBounds)
			assert.ErrorIs(t, err, errs.ErrContractViolation)

			require.NoError(t, s.SetLength(120))
			assert.Equal(t, int64(120), s.Length())
			got, err = s.Read(110, 10)
			require.NoError(t, err)
			assert.Equal(t, data[110:120], got)

			// Extending after truncation reads zeros in the gap.
			require.NoError(t, s.WriteAt([]byte("z"), 130))
			got, err = s.Read(120, 11)
			require.NoError(t, err)
			assert.Equal(t, append(make([]byte, 10), 'z'), got)

			removed := 0
			s.OnRemove(func(*FileStore) { removed++ })
			require.NoError(t, s.Remove())
			require.NoError(t, s.Remove())
			assert.Equal(t, 1, removed)
			assert.True(t, s.Removed())

			_, err = s.Read(0, 1)
			assert.ErrorIs(t, err, errs.ErrClosed)
			assert.ErrorIs(t, s.WriteAt([]byte("a"), 0), errs.ErrContractViolation)
		})
	}
}

func TestSplittableManager_Segments(t *testing.T) {
	base := NewMemoryManager()
	m := NewSplittableManager(base, 64)
	r, err := m.CreateRegion("seg")
	require.NoError(t, err)
	s := NewFileStore("seg", r)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, s.WriteAt(data, 0))
	assert.Equal(t, 5, r.(*splitRegion).SegmentCount())

	// A read spanning three segments.
	got, err := s.Read(60, 140)
	require.NoError(t, err)
	assert.Equal(t, data[60:200], got)

	used := base.UsedBytes()
	require.NoError(t, s.SetLength(65))
	assert.Equal(t, 2, r.(*splitRegion).SegmentCount())
	assert.Less(t, base.UsedBytes(), used)

	got, err = s.Read(0, 65)
	require.NoError(t, err)
	assert.Equal(t, data[:65], got)

	require.NoError(t, s.SetLength(0))
	assert.Equal(t, 0, r.(*splitRegion).SegmentCount())
	require.NoError(t, s.Remove())
}

func TestDiskManager_Exhausted(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.SetLimit(1000)
	m, err := NewDiskManager(DiskConfig{Dir: t.TempDir(), FS: ffs, PreallocChunk: 512})
	require.NoError(t, err)
	defer m.Close()

	r, err := m.CreateRegion("full")
	require.NoError(t, err)
	s := NewFileStore("full", r)

	require.NoError(t, s.WriteAt(make([]byte, 600), 0))
	err = s.WriteAt(make([]byte, 600), 600)
	assert.ErrorIs(t, err, errs.ErrComponent)
	assert.ErrorIs(t, err, errs.ErrStorageExhausted)
	assert.Equal(t, int64(600), s.Length(), "failed write leaves the length unchanged")

	require.NoError(t, s.Remove())
	assert.Equal(t, int64(0), m.UsedBytes())
}

func TestDiskManager_MaxBytes(t *testing.T) {
	m, err := NewDiskManager(DiskConfig{Dir: t.TempDir(), MaxBytes: 1 << 10, PreallocChunk: 4096})
	require.NoError(t, err)

	r, err := m.CreateRegion("a/b c")
	require.NoError(t, err)
	s := NewFileStore("a", r)

	// The rounded chunk does not fit, the exact size does.
	require.NoError(t, s.WriteAt(make([]byte, 1000), 0))
	assert.Equal(t, int64(1000), m.UsedBytes())

	err = s.WriteAt(make([]byte, 100), 1000)
	assert.ErrorIs(t, err, errs.ErrStorageExhausted)

	require.NoError(t, m.Close())
	_, err = m.CreateRegion("late")
	assert.ErrorIs(t, err, errs.ErrContractViolation)
}

func TestInputStream_ResetUsesFactoryPages(t *testing.T) {
	s := NewFileStore("in", mustRegion(t, NewMemoryManager()))
	data := make([]byte, 3*StreamPageSize+100)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, s.WriteAt(data, 0))

	f := s.NewInputStreamFactory(50, int64(len(data))-50)
	in := f.OpenStream()
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, data[50:], got)
	reads := f.PageReads()
	assert.Equal(t, int64(4), reads)

	require.NoError(t, in.Reset())
	again, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, data[50:], again)
	assert.Equal(t, reads, f.PageReads(), "reset re-pulls pages from the factory")

	_, err = in.Seek(StreamPageSize+3, io.SeekStart)
	require.NoError(t, err)
	b, err := in.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, data[50+StreamPageSize+3], b)
	assert.Equal(t, int64(StreamPageSize+4), in.Position())

	in.Mark()
	_, err = in.Read(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, in.Reset())
	assert.Equal(t, int64(StreamPageSize+4), in.Position())

	_, err = in.Seek(1, io.SeekEnd)
	assert.ErrorIs(t, err, errs.ErrOutOfBounds)

	_, err = s.InputStream(0, int64(len(data))+1)
	assert.ErrorIs(t, err, errs.ErrOutOfBounds)

	require.NoError(t, in.Close())
	_, err = in.Read(make([]byte, 1))
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestBufferedReader(t *testing.T) {
	chunks := [][]byte{[]byte("abc"), {}, []byte("de")}
	calls := 0
	r := NewBufferedReader(BufferProducerFunc(func() ([]byte, error) {
		calls++
		if len(chunks) == 0 {
			return nil, io.EOF
		}
		c := chunks[0]
		chunks = chunks[1:]
		return c, nil
	}))

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('a'), b)

	assert.Error(t, r.Reset(), "no mark yet")
	r.Mark()
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(buf[:n]))
	require.NoError(t, r.Reset())
	assert.Equal(t, 2, r.Buffered())
	assert.Equal(t, 1, calls, "mark/reset stay inside the current chunk")

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "bcde", string(rest))

	callsAtEOF := calls
	for range 3 {
		n, err = r.Read(buf)
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
	}
	assert.Equal(t, callsAtEOF, calls)
}

func TestOutputStream(t *testing.T) {
	s := NewFileStore("out", mustRegion(t, NewMemoryManager()))

	small := s.MemoryOutputStream(16)
	_, err := small.Write([]byte("tiny"))
	require.NoError(t, err)
	require.NoError(t, small.Close())
	assert.True(t, small.InMemory())
	assert.Equal(t, "tiny", string(small.Buffered()))
	assert.Equal(t, int64(0), s.Length())
	assert.Equal(t, int64(-1), small.StartOffset())

	_, err = s.Append([]byte("head"))
	require.NoError(t, err)

	big := s.MemoryOutputStream(16)
	payload := bytes.Repeat([]byte("x"), 40)
	_, err = big.Write(payload)
	require.NoError(t, err)
	require.NoError(t, big.Close())
	assert.False(t, big.InMemory())
	assert.Equal(t, int64(4), big.StartOffset())
	assert.Equal(t, int64(40), big.Count())
	got, err := s.Read(4, 40)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	at := s.OutputStream(2)
	_, err = at.Write([]byte("AB"))
	require.NoError(t, err)
	assert.Equal(t, int64(44), s.Length(), "buffered until close")
	require.NoError(t, at.Close())
	got, err = s.Read(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "heABxx", string(got))

	_, err = at.Write([]byte("z"))
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func mustRegion(t *testing.T, m Manager) Region {
	t.Helper()
	r, err := m.CreateRegion(t.Name())
	require.NoError(t, err)
	return r
}
