package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir, err := lfs.MkdirTemp(tmp, "spill-")
	require.NoError(t, err)

	fpath := filepath.Join(dir, "seg-0")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("world"), 5)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf))

	require.NoError(t, Preallocate(f, 10, 4096))
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size(), "preallocation keeps the file size")

	require.NoError(t, f.Truncate(3))
	info, err = lfs.Stat(fpath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())
	assert.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, lfs.RemoveAll(dir))
	_, err = lfs.Stat(fpath)
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS_DeviceCapacity(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.SetLimit(8)

	fpath := filepath.Join(tmp, "faulty")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), ffs.Used())

	// Overwrite within the current size costs nothing.
	_, err = f.WriteAt([]byte("HE"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ffs.Used())

	_, err = f.WriteAt([]byte("!!!!"), 5)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.True(t, IsNoSpace(err))

	err = Preallocate(f, 5, 10)
	assert.True(t, IsNoSpace(err))

	require.NoError(t, f.Truncate(1))
	assert.Equal(t, int64(1), ffs.Used())
	_, err = f.WriteAt([]byte("1234567"), 1)
	assert.NoError(t, err)

	require.NoError(t, ffs.Remove(fpath))
	assert.Equal(t, int64(0), ffs.Used())
}

func TestFaultyFS_Rules(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("bad", Fault{FailAfterBytes: 2, FailOnSync: true, FailOnRead: true})

	good, err := ffs.OpenFile(filepath.Join(tmp, "good"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = good.Write([]byte("fine"))
	require.NoError(t, err)
	assert.NoError(t, good.Sync())
	assert.NoError(t, good.Close())

	bad, err := ffs.OpenFile(filepath.Join(tmp, "bad"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = bad.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = bad.Write([]byte("c"))
	assert.Error(t, err)
	assert.Error(t, bad.Sync())
	_, err = bad.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err)
	assert.NoError(t, bad.Close())

	_, err = ffs.ReadDir(tmp)
	assert.NoError(t, err)
}
