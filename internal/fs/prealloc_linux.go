//go:build linux

package fs

import (
	"errors"

	"golang.org/x/sys/unix"
)

type fder interface {
	Fd() uintptr
}

// Preallocate reserves disk blocks for [off, off+n) without changing the file size,
// so a later write into the range cannot fail with ENOSPC. Files that do not
// expose a descriptor, and file systems without fallocate support, are left alone.
func Preallocate(f File, off, n int64) error {
	if n <= 0 {
		return nil
	}
	if ff, ok := f.(*faultyFile); ok {
		if err := ff.checkReserve(off + n); err != nil {
			return err
		}
		f = ff.File
	}
	d, ok := f.(fder)
	if !ok {
		return nil
	}
	err := unix.Fallocate(int(d.Fd()), unix.FALLOC_FL_KEEP_SIZE, off, n)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}
