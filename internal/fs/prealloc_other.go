//go:build !linux

package fs

// Preallocate is a no-op outside Linux apart from injected faults.
func Preallocate(f File, off, n int64) error {
	if ff, ok := f.(*faultyFile); ok && n > 0 {
		return ff.checkReserve(off + n)
	}
	return nil
}
