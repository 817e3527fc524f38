package fs

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written TO THIS FILE. -1 to disable.
	FailOnSync     bool
	FailOnClose    bool
	FailOnRead     bool
	Err            error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
//
// SetLimit models a device of fixed capacity: the sum of the sizes of all files
// opened through the wrapper may not exceed it. Writes and preallocations that
// would cross it fail with ErrNoSpace; truncation and removal give space back.
type FaultyFS struct {
	FS      FileSystem
	mu      sync.Mutex
	rules   map[string]Fault // Filename pattern -> Fault
	Default Fault            // Fallback

	Err         error
	used        int64
	sizes       map[string]int64
	globalLimit int64
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
		sizes: make(map[string]int64),
		Default: Fault{
			FailAfterBytes: -1, // No limit
		},
		Err:         fmt.Errorf("injected fault error"),
		globalLimit: -1,
	}
}

// Used returns the bytes currently charged against the device capacity.
func (f *FaultyFS) Used() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// SetLimit sets the device capacity in bytes. -1 disables the limit.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalLimit = limit
}

// AddRule adds a fault injection rule for a specific file pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault := f.Default
	// Match pattern (last winning match)
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	if fault.Err == nil {
		fault.Err = f.Err
	}
	f.mu.Unlock()

	return &faultyFile{File: file, fs: f, fault: fault, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error {
	if err := f.FS.Remove(name); err != nil {
		return err
	}
	f.mu.Lock()
	f.used -= f.sizes[name]
	delete(f.sizes, name)
	f.mu.Unlock()
	return nil
}

func (f *FaultyFS) RemoveAll(path string) error {
	if err := f.FS.RemoveAll(path); err != nil {
		return err
	}
	f.mu.Lock()
	for name, size := range f.sizes {
		if strings.HasPrefix(name, path) {
			f.used -= size
			delete(f.sizes, name)
		}
	}
	f.mu.Unlock()
	return nil
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) MkdirTemp(dir, pattern string) (string, error) {
	return f.FS.MkdirTemp(dir, pattern)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

// resize charges the growth of a file to the device. Shrinking always succeeds.
func (f *FaultyFS) resize(name string, size int64, grow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.sizes[name]
	if grow && size <= cur {
		return nil
	}
	delta := size - cur
	if delta > 0 && f.globalLimit >= 0 && f.used+delta > f.globalLimit {
		return fmt.Errorf("%s: %w", name, ErrNoSpace)
	}
	f.used += delta
	f.sizes[name] = size
	return nil
}

type faultyFile struct {
	File
	fs      *FaultyFS
	fault   Fault
	name    string
	written int64
}

func (ff *faultyFile) injected(kind string) error {
	if ff.fault.Err != nil {
		return ff.fault.Err
	}
	return fmt.Errorf("injected %s error", kind)
}

func (ff *faultyFile) checkWrite(end int64, n int) error {
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(n) > ff.fault.FailAfterBytes {
		return ff.injected("write")
	}
	return ff.fs.resize(ff.name, end, true)
}

func (ff *faultyFile) checkReserve(end int64) error {
	return ff.fs.resize(ff.name, end, true)
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	pos, err := ff.File.Seek(0, 1)
	if err != nil {
		return 0, err
	}
	if err := ff.checkWrite(pos+int64(len(p)), len(p)); err != nil {
		return 0, err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.checkWrite(off+int64(len(p)), len(p)); err != nil {
		return 0, err
	}
	n, err := ff.File.WriteAt(p, off)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if ff.fault.FailOnRead {
		return 0, ff.injected("read")
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Truncate(size int64) error {
	if err := ff.File.Truncate(size); err != nil {
		return err
	}
	return ff.fs.resize(ff.name, size, false)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.injected("sync")
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		ff.File.Close()
		return ff.injected("close")
	}
	return ff.File.Close()
}
