package cache

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bufmgr/storage"
)

// DefaultBlockSize is the allocation unit of a spill store.
const DefaultBlockSize = 512

// Extent locates a frame in a BlockStore.
type Extent struct {
	Start  uint32 // first block
	Blocks uint32
	Length uint32 // frame bytes
}

type extentOwner struct {
	ext   Extent
	owner Handle
}

// BlockStore allocates variable-length frames in fixed-size blocks of a FileStore.
//
// Free blocks are tracked in a roaring bitmap. Freed blocks at the tail are
// truncated away immediately; Relocate moves live frames from the tail into
// holes so the tail can be truncated too. A BlockStore is not safe for
// concurrent use; its Group serializes access.
type BlockStore struct {
	store     *storage.FileStore
	blockSize int64
	free      *roaring.Bitmap
	blocks    uint32
	extents   map[uint32]extentOwner
}

func newBlockStore(store *storage.FileStore, blockSize int64) *BlockStore {
	return &BlockStore{
		store:     store,
		blockSize: blockSize,
		free:      roaring.New(),
		extents:   make(map[uint32]extentOwner),
	}
}

// Blocks returns the number of blocks up to the high-water mark.
func (b *BlockStore) Blocks() uint32 { return b.blocks }

// FreeBlocks returns the number of free blocks below the high-water mark.
func (b *BlockStore) FreeBlocks() uint64 { return b.free.GetCardinality() }

// Live returns the number of stored frames.
func (b *BlockStore) Live() int { return len(b.extents) }

func (b *BlockStore) offset(start uint32) int64 { return int64(start) * b.blockSize }

// firstFit finds the lowest run of n free blocks.
func (b *BlockStore) firstFit(n uint32) (uint32, bool) {
	var runStart, runLen uint32
	it := b.free.Iterator()
	for it.HasNext() {
		x := it.Next()
		if runLen > 0 && x == runStart+runLen {
			runLen++
		} else {
			runStart, runLen = x, 1
		}
		if runLen == n {
			return runStart, true
		}
	}
	return 0, false
}

func (b *BlockStore) alloc(n uint32) uint32 {
	if start, ok := b.firstFit(n); ok {
		b.free.RemoveRange(uint64(start), uint64(start+n))
		return start
	}
	start := b.blocks
	b.blocks += n
	return start
}

func (b *BlockStore) release(start, n uint32) {
	b.free.AddRange(uint64(start), uint64(start+n))
}

// Write stores frame and records owner as the holder of the new extent.
func (b *BlockStore) Write(frame []byte, owner Handle) (Extent, error) {
	n := uint32((int64(len(frame)) + b.blockSize - 1) / b.blockSize)
	if n == 0 {
		n = 1
	}
	start := b.alloc(n)
	if err := b.store.WriteAt(frame, b.offset(start)); err != nil {
		b.release(start, n)
		_ = b.shrink()
		return Extent{}, err
	}
	ext := Extent{Start: start, Blocks: n, Length: uint32(len(frame))}
	b.extents[start] = extentOwner{ext: ext, owner: owner}
	return ext, nil
}

// Read returns the frame stored at ext.
func (b *BlockStore) Read(ext Extent) ([]byte, error) {
	return b.store.Read(b.offset(ext.Start), int(ext.Length))
}

// Free releases ext and truncates free tail blocks.
func (b *BlockStore) Free(ext Extent) error {
	if cur, ok := b.extents[ext.Start]; !ok || cur.ext != ext {
		return nil
	}
	delete(b.extents, ext.Start)
	b.release(ext.Start, ext.Blocks)
	return b.shrink()
}

// shrink drops free blocks at the tail and truncates the store to match.
func (b *BlockStore) shrink() error {
	if b.blocks == 0 || !b.free.Contains(b.blocks-1) {
		return nil
	}
	old := b.blocks
	for b.blocks > 0 && b.free.Contains(b.blocks-1) {
		b.blocks--
	}
	b.free.RemoveRange(uint64(b.blocks), uint64(old))
	if limit := b.offset(b.blocks); b.store.Length() > limit {
		return b.store.SetLength(limit)
	}
	return nil
}

// NeedsCompaction reports whether more than half of the blocks are free.
func (b *BlockStore) NeedsCompaction() bool {
	return b.blocks >= 16 && b.free.GetCardinality()*2 > uint64(b.blocks)
}

// Relocate moves up to limit frames from the tail into lower holes. commit is
// called for every copied frame and must return false if the owner no longer
// references from; the copy is then discarded. It returns the number of frames
// moved and the bytes released from the store.
func (b *BlockStore) Relocate(limit int, commit func(owner Handle, from, to Extent) bool) (int, int64, error) {
	before := b.store.Length()

	starts := make([]uint32, 0, len(b.extents))
	for s := range b.extents {
		starts = append(starts, s)
	}
	slices.Sort(starts)
	slices.Reverse(starts)

	moved := 0
	for _, s := range starts {
		if moved >= limit {
			break
		}
		eo := b.extents[s]
		to, ok := b.firstFit(eo.ext.Blocks)
		if !ok || to >= eo.ext.Start {
			continue
		}
		frame, err := b.Read(eo.ext)
		if err != nil {
			return moved, 0, err
		}
		b.free.RemoveRange(uint64(to), uint64(to+eo.ext.Blocks))
		if err := b.store.WriteAt(frame, b.offset(to)); err != nil {
			b.release(to, eo.ext.Blocks)
			return moved, 0, err
		}
		next := Extent{Start: to, Blocks: eo.ext.Blocks, Length: eo.ext.Length}
		if !commit(eo.owner, eo.ext, next) {
			b.release(to, next.Blocks)
			continue
		}
		delete(b.extents, s)
		b.extents[to] = extentOwner{ext: next, owner: eo.owner}
		b.release(eo.ext.Start, eo.ext.Blocks)
		moved++
	}
	if err := b.shrink(); err != nil {
		return moved, 0, err
	}
	return moved, before - b.store.Length(), nil
}

// Remove deletes the backing FileStore.
func (b *BlockStore) Remove() error {
	b.extents = nil
	b.free.Clear()
	b.blocks = 0
	return b.store.Remove()
}

// Length returns the size of the backing FileStore.
func (b *BlockStore) Length() int64 { return b.store.Length() }
