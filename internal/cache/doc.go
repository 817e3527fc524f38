// Package cache implements the batch cache: a slot arena of cached values under a
// shared reserve budget, spilling least recently used values into per-group
// block stores.
//
// # Batch cache
//
// Values are addressed by generation-checked [Handle]s. Resident values that are
// neither pinned nor unspillable sit in one intrusive LRU list. Eviction pins
// the victim, serializes and writes it without holding the cache lock, then
// commits or rolls back. Concurrent loads of one spilled value are collapsed
// with singleflight.
//
// # Block store
//
// Every [Group] spills into its own [BlockStore]: frames allocated in fixed-size
// blocks of a FileStore, with free blocks tracked in a roaring bitmap. Freed tail
// blocks are truncated at once; when more than half of the blocks are free, live
// frames are relocated from the tail into holes.
//
// # Memory buffer space
//
// An optional [LRUBlockCache] keeps recently written frames in memory
// (write-through), so a re-read after eviction can skip the store.
package cache
