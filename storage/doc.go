// Package storage provides named, growable byte regions and the FileStore built on them.
//
// A [Manager] hands out [Region] values. Three managers exist:
//
//   - [MemoryManager]: regions backed by heap slices
//   - [DiskManager]: one file per region in a private scratch directory, with
//     space preallocated so a full device fails at allocation time
//   - [SplittableManager]: wraps another manager and splits every region into
//     segments of at most MaxFileSize bytes, releasing trailing segments on truncation
//
// A [FileStore] is the owner-facing view of a region: positioned reads that are
// bounds-checked against the current length, appends, an [OutputStream] that can
// keep small content in memory, and an [InputStreamFactory] for lazy, re-openable
// readers.
package storage
