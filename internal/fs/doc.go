// Package fs is the file layer under spill storage.
//
// [LocalFS] maps straight onto the os package. [FaultyFS] wraps any
// [FileSystem] with a device capacity and per-file fault rules so tests can
// drive the storage exhaustion paths:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.SetLimit(1024) // writes past 1KB fail with ErrNoSpace
//
// [Preallocate] claims a segment range before it is written (fallocate on
// Linux), so a full device fails the allocation instead of a batch write.
//
// Calls take no context.Context; local file syscalls cannot be interrupted.
package fs
