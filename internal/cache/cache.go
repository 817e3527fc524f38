package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/compress"
	"github.com/hupe1980/bufmgr/internal/resource"
	"github.com/hupe1980/bufmgr/storage"
)

// DefaultMaxRelocations bounds the frames moved by one compaction cycle.
const DefaultMaxRelocations = 32

// Handle references a cached value. The zero Handle is never issued.
type Handle uint64

// NoHandle is the zero Handle.
const NoHandle Handle = 0

func makeHandle(idx int32, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(uint32(idx))) }

func (h Handle) index() int32 { return int32(uint32(h)) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

type slotState uint8

const (
	slotFree slotState = iota
	slotResident
	slotSpilled
	// slotRemoved marks a slot removed while pinned; the last unpin frees it.
	slotRemoved
)

type slot struct {
	gen         uint32
	state       slotState
	group       *Group
	value       any
	size        int64
	pins        int32
	version     uint32
	touched     bool
	unspillable bool
	loc         Extent
	hasLoc      bool

	prev, next int32
	inLRU      bool
}

// Config configures a Cache.
type Config struct {
	// Controller holds the reserve budget that drives eviction. Required.
	Controller *resource.Controller
	// MemoryBufferSpace is the byte capacity of the write-through frame cache.
	// 0 disables it.
	MemoryBufferSpace int64
	// MaxStorageObjectSize is the largest frame that may be spilled. Larger values
	// stay resident. 0 means unlimited.
	MaxStorageObjectSize int64
	// Compression selects the frame codec for spilled values.
	Compression compress.Type
	// BlockSize defaults to DefaultBlockSize.
	BlockSize int64
	// MaxRelocations defaults to DefaultMaxRelocations.
	MaxRelocations int
	Logger         *slog.Logger
	Observer       Observer
}

// Cache holds values of many groups under one reserve budget.
//
// Slots live in an arena indexed by Handle and are chained into a single LRU
// list of resident, unpinned, spillable values. A value being serialized or
// loaded is pinned and unlinked from the list, so no eviction pass can select
// it mid-transfer. All slot state is guarded by mu; every store I/O happens
// outside mu under the owning group's ioMu.
type Cache struct {
	cfg      Config
	rc       *resource.Controller
	memBuf   BlockCache
	logger   *slog.Logger
	observer Observer

	mu            sync.Mutex
	slots         []slot
	freeList      []int32
	head, tail    int32
	groups        map[uint64]*Group
	nextGroup     uint64
	residentBytes int64
	live          int

	flights singleflight.Group

	spills      atomic.Int64
	loads       atomic.Int64
	memHits     atomic.Int64
	evictions   atomic.Int64
	compactions atomic.Int64
	relocations atomic.Int64
	unspillable atomic.Int64
}

// New creates a cache.
func New(cfg Config) *Cache {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxRelocations <= 0 {
		cfg.MaxRelocations = DefaultMaxRelocations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	c := &Cache{
		cfg:      cfg,
		rc:       cfg.Controller,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		head:     -1,
		tail:     -1,
		groups:   make(map[uint64]*Group),
	}
	if cfg.MemoryBufferSpace > 0 {
		c.memBuf = NewLRUBlockCache(cfg.MemoryBufferSpace)
	}
	return c
}

// StoreFactory creates the spill store of a group on first spill.
type StoreFactory func(name string) (*storage.FileStore, error)

// NewGroup registers a new owner of cached values.
func (c *Cache) NewGroup(name string, ser Serializer, stores StoreFactory) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextGroup++
	g := &Group{
		c:      c,
		id:     c.nextGroup,
		name:   name,
		ser:    ser,
		stores: stores,
		slots:  make(map[int32]struct{}),
	}
	c.groups[g.id] = g
	return g
}

// MakeRoom spills least recently used values until extra more bytes fit in the
// reserve budget, or nothing evictable is left. Running out of evictable values
// is not an error; only spill I/O failures are.
func (c *Cache) MakeRoom(ctx context.Context, extra int64) error {
	c.mu.Lock()
	attempts := len(c.slots) + 1
	c.mu.Unlock()

	for ; attempts > 0 && c.rc.Overage(extra) > 0; attempts-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := c.evictOne(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// evictOne spills the least recently used value. It reports false when no
// candidate exists.
func (c *Cache) evictOne(ctx context.Context) (bool, error) {
	c.mu.Lock()
	idx := c.tail
	if idx < 0 {
		c.mu.Unlock()
		return false, nil
	}
	s := &c.slots[idx]
	c.lruRemove(idx)
	s.pins++
	s.touched = false
	g, v, gen, version, hasLoc := s.group, s.value, s.gen, s.version, s.hasLoc
	c.mu.Unlock()

	var (
		ext   Extent
		err   error
		wrote bool
	)
	if !hasLoc {
		var frame []byte
		frame, err = g.encode(v)
		if err == nil && c.cfg.MaxStorageObjectSize > 0 && int64(len(frame)) > c.cfg.MaxStorageObjectSize {
			c.mu.Lock()
			s = &c.slots[idx]
			if s.gen == gen && s.version == version && s.state == slotResident {
				s.unspillable = true
			}
			c.unpinLocked(idx)
			c.mu.Unlock()
			c.unspillable.Add(1)
			c.logger.Warn("value exceeds max storage object size, keeping it in memory",
				slog.String("group", g.name), slog.Int("bytes", len(frame)))
			return true, nil
		}
		if err == nil {
			ext, err = g.writeFrame(ctx, frame, makeHandle(idx, gen))
			wrote = err == nil
		}
	}

	c.mu.Lock()
	s = &c.slots[idx]
	stale := s.gen != gen || s.state != slotResident || s.version != version
	if err != nil && !stale {
		c.unpinLocked(idx)
		c.mu.Unlock()
		return false, errs.Component("spill "+g.name, err)
	}
	if stale || err != nil {
		c.unpinLocked(idx)
		c.mu.Unlock()
		if wrote {
			g.freeExtent(ext)
		}
		return true, nil
	}
	if wrote {
		s.loc, s.hasLoc = ext, true
	}
	if s.touched {
		// Read while being written: keep it resident, the stored copy is clean.
		c.unpinLocked(idx)
		c.mu.Unlock()
		return true, nil
	}
	s.value = nil
	s.state = slotSpilled
	c.discharge(s.size)
	c.unpinLocked(idx)
	c.mu.Unlock()

	c.evictions.Add(1)
	return true, nil
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		ResidentBytes: c.residentBytes,
		Slots:         c.live,
		Groups:        len(c.groups),
	}
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	for _, g := range groups {
		g.ioMu.Lock()
		if g.store != nil {
			st.StoreBytes += g.store.Length()
			st.FreeBlocks += g.store.FreeBlocks()
		}
		g.ioMu.Unlock()
	}
	st.Spills = c.spills.Load()
	st.Loads = c.loads.Load()
	st.MemoryHits = c.memHits.Load()
	st.Evictions = c.evictions.Load()
	st.Compactions = c.compactions.Load()
	st.Relocations = c.relocations.Load()
	st.Unspillable = c.unspillable.Load()
	return st
}

// Close closes every group and releases their stores.
func (c *Cache) Close() error {
	c.mu.Lock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	var first error
	for _, g := range groups {
		if err := g.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.memBuf != nil {
		_ = c.memBuf.Close()
	}
	return first
}

func (c *Cache) charge(n int64) {
	c.residentBytes += n
	c.rc.Charge(n)
}

func (c *Cache) discharge(n int64) {
	c.residentBytes -= n
	c.rc.Discharge(n)
}

func (c *Cache) allocSlot() int32 {
	c.live++
	if n := len(c.freeList); n > 0 {
		idx := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		c.slots[idx].gen++
		return idx
	}
	c.slots = append(c.slots, slot{gen: 1, prev: -1, next: -1})
	return int32(len(c.slots) - 1)
}

func (c *Cache) releaseSlotLocked(idx int32) {
	s := &c.slots[idx]
	*s = slot{gen: s.gen, prev: -1, next: -1}
	c.freeList = append(c.freeList, idx)
	c.live--
}

// unpinLocked drops one pin. The last unpin frees removed slots and relinks
// resident ones into the LRU list.
func (c *Cache) unpinLocked(idx int32) {
	s := &c.slots[idx]
	s.pins--
	if s.pins > 0 {
		return
	}
	switch {
	case s.state == slotRemoved:
		c.releaseSlotLocked(idx)
	case s.state == slotResident && !s.inLRU && !s.unspillable:
		c.lruPushFront(idx)
	}
}

func (c *Cache) removeSlotLocked(idx int32) {
	s := &c.slots[idx]
	if s.inLRU {
		c.lruRemove(idx)
	}
	if s.state == slotResident {
		c.discharge(s.size)
	}
	delete(s.group.slots, idx)
	s.value = nil
	s.hasLoc = false
	if s.pins > 0 {
		s.state = slotRemoved
		return
	}
	c.releaseSlotLocked(idx)
}

func (c *Cache) lruPushFront(idx int32) {
	s := &c.slots[idx]
	s.prev, s.next = -1, c.head
	if c.head >= 0 {
		c.slots[c.head].prev = idx
	}
	c.head = idx
	if c.tail < 0 {
		c.tail = idx
	}
	s.inLRU = true
}

func (c *Cache) lruRemove(idx int32) {
	s := &c.slots[idx]
	if s.prev >= 0 {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next >= 0 {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.prev, s.next = -1, -1
	s.inLRU = false
}

func (c *Cache) lruMoveFront(idx int32) {
	if c.head == idx {
		return
	}
	c.lruRemove(idx)
	c.lruPushFront(idx)
}

// Group is the set of values owned by one buffer or tree. Values of a group
// spill into the group's own store, which is created on first spill and removed
// on Close.
type Group struct {
	c      *Cache
	id     uint64
	name   string
	ser    Serializer
	stores StoreFactory

	ioMu         sync.Mutex
	store        *BlockStore
	storeRemoved bool

	// guarded by c.mu
	slots  map[int32]struct{}
	closed bool
}

// ID returns the group id.
func (g *Group) ID() uint64 { return g.id }

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Len returns the number of live values.
func (g *Group) Len() int {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	return len(g.slots)
}

// MakeRoom makes room for extra bytes in the shared budget. Callers that must not
// fail halfway through a multi-value update reserve first and then use the
// Resident variants.
func (g *Group) MakeRoom(ctx context.Context, extra int64) error {
	return g.c.MakeRoom(ctx, extra)
}

// Add makes room for size bytes and caches v.
func (g *Group) Add(ctx context.Context, v any, size int64) (Handle, error) {
	if err := g.c.MakeRoom(ctx, size); err != nil {
		return NoHandle, err
	}
	return g.AddResident(v, size)
}

// AddResident caches v without evicting anything. It only fails on a closed group.
func (g *Group) AddResident(v any, size int64) (Handle, error) {
	c := g.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed {
		return NoHandle, errs.ViolationOf("cache add", errs.ErrClosed, "group %s closed", g.name)
	}
	idx := c.allocSlot()
	s := &c.slots[idx]
	s.state = slotResident
	s.group = g
	s.value = v
	s.size = size
	g.slots[idx] = struct{}{}
	c.charge(size)
	c.lruPushFront(idx)
	return makeHandle(idx, s.gen), nil
}

func (g *Group) lookupLocked(h Handle) (*slot, error) {
	if g.closed {
		return nil, errs.ViolationOf("cache lookup", errs.ErrClosed, "group %s closed", g.name)
	}
	idx := h.index()
	if idx < 0 || int(idx) >= len(g.c.slots) {
		return nil, errs.Violation("cache lookup", "invalid handle %#x", uint64(h))
	}
	s := &g.c.slots[idx]
	if s.gen != h.gen() || s.group != g || (s.state != slotResident && s.state != slotSpilled) {
		return nil, errs.ViolationOf("cache lookup", errs.ErrClosed, "stale handle %#x", uint64(h))
	}
	return s, nil
}

// Get returns the value for h, loading it from the spill store if needed.
func (g *Group) Get(ctx context.Context, h Handle) (any, error) {
	c := g.c
	c.mu.Lock()
	s, err := g.lookupLocked(h)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if s.state == slotResident {
		if s.inLRU {
			c.lruMoveFront(h.index())
		} else if s.pins > 0 {
			s.touched = true
		}
		v := s.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := g.load(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := c.MakeRoom(ctx, 0); err != nil {
		return nil, err
	}
	return v, nil
}

func (g *Group) load(ctx context.Context, h Handle) (any, error) {
	c := g.c
	v, err, _ := c.flights.Do(strconv.FormatUint(uint64(h), 16), func() (any, error) {
		g.ioMu.Lock()
		defer g.ioMu.Unlock()

		c.mu.Lock()
		s, err := g.lookupLocked(h)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if s.state == slotResident {
			v := s.value
			c.mu.Unlock()
			return v, nil
		}
		idx := h.index()
		ext := s.loc
		s.pins++
		c.mu.Unlock()

		start := time.Now()
		frame, fromMem, err := g.readFrame(ctx, ext)
		var v any
		if err == nil {
			v, err = g.decode(frame)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.unpinLocked(idx)
		s = &c.slots[idx]
		if err != nil {
			return nil, errs.Component("load "+g.name, err)
		}
		if s.gen != h.gen() || (s.state != slotResident && s.state != slotSpilled) {
			return nil, errs.ViolationOf("cache load", errs.ErrClosed, "handle %#x removed during load", uint64(h))
		}
		if s.state == slotResident {
			return s.value, nil
		}
		s.value = v
		s.state = slotResident
		c.charge(s.size)
		c.lruPushFront(idx)

		c.loads.Add(1)
		if fromMem {
			c.memHits.Add(1)
		}
		c.observer.ObserveLoad(len(frame), fromMem, time.Since(start))
		return v, nil
	})
	return v, err
}

// Replace makes room for size bytes and swaps the value behind h.
func (g *Group) Replace(ctx context.Context, h Handle, v any, size int64) error {
	if err := g.c.MakeRoom(ctx, size); err != nil {
		return err
	}
	return g.ReplaceResident(h, v, size)
}

// ReplaceResident swaps the value behind h without evicting anything. The stored
// copy of the old value, if any, is released.
func (g *Group) ReplaceResident(h Handle, v any, size int64) error {
	c := g.c
	c.mu.Lock()
	s, err := g.lookupLocked(h)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.state == slotResident {
		c.discharge(s.size)
	}
	s.value = v
	s.size = size
	s.version++
	s.unspillable = false
	s.touched = true
	s.state = slotResident
	c.charge(size)
	old, had := s.loc, s.hasLoc
	s.hasLoc = false
	if s.pins == 0 {
		if s.inLRU {
			c.lruMoveFront(h.index())
		} else {
			c.lruPushFront(h.index())
		}
	}
	c.mu.Unlock()

	if had {
		g.freeExtent(old)
	}
	return nil
}

// Remove drops h and releases its stored copy.
func (g *Group) Remove(h Handle) error {
	c := g.c
	c.mu.Lock()
	s, err := g.lookupLocked(h)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	old, had := s.loc, s.hasLoc
	c.removeSlotLocked(h.index())
	c.mu.Unlock()

	if had {
		g.freeExtent(old)
	}
	return nil
}

// Close drops every value of the group and removes its store. It is idempotent.
func (g *Group) Close() error {
	c := g.c
	c.mu.Lock()
	if g.closed {
		c.mu.Unlock()
		return nil
	}
	g.closed = true
	for idx := range g.slots {
		c.removeSlotLocked(idx)
	}
	delete(c.groups, g.id)
	c.mu.Unlock()

	g.ioMu.Lock()
	defer g.ioMu.Unlock()
	g.storeRemoved = true
	if c.memBuf != nil {
		c.memBuf.DropGroup(g.id)
	}
	if g.store == nil {
		return nil
	}
	err := g.store.Remove()
	g.store = nil
	return err
}

// StoreLength returns the size of the spill store in bytes.
func (g *Group) StoreLength() int64 {
	g.ioMu.Lock()
	defer g.ioMu.Unlock()
	if g.store == nil {
		return 0
	}
	return g.store.Length()
}

func (g *Group) encode(v any) ([]byte, error) {
	raw, err := g.ser.Serialize(nil, v)
	if err != nil {
		return nil, err
	}
	return compress.Encode(raw, g.c.cfg.Compression)
}

func (g *Group) decode(frame []byte) (any, error) {
	raw, err := compress.Decode(frame)
	if err != nil {
		return nil, err
	}
	return g.ser.Deserialize(raw)
}

func (g *Group) writeFrame(ctx context.Context, frame []byte, owner Handle) (Extent, error) {
	c := g.c
	if err := c.rc.AcquireIO(ctx, len(frame)); err != nil {
		return Extent{}, err
	}

	g.ioMu.Lock()
	defer g.ioMu.Unlock()
	if g.storeRemoved {
		return Extent{}, errs.ViolationOf("spill", errs.ErrClosed, "group %s closed", g.name)
	}
	if g.store == nil {
		fs, err := g.stores(g.name)
		if err != nil {
			return Extent{}, err
		}
		g.store = newBlockStore(fs, c.cfg.BlockSize)
	}

	start := time.Now()
	ext, err := g.store.Write(frame, owner)
	if err != nil {
		return Extent{}, err
	}
	if c.memBuf != nil {
		c.memBuf.Set(ctx, CacheKey{Group: g.id, Offset: uint64(ext.Start)}, frame)
	}
	c.spills.Add(1)
	c.observer.ObserveSpill(len(frame), time.Since(start))
	c.logger.Debug("spilled", slog.String("group", g.name), slog.Int("bytes", len(frame)),
		slog.Uint64("block", uint64(ext.Start)))
	return ext, nil
}

func (g *Group) readFrame(ctx context.Context, ext Extent) ([]byte, bool, error) {
	c := g.c
	if c.memBuf != nil {
		if frame, ok := c.memBuf.Get(ctx, CacheKey{Group: g.id, Offset: uint64(ext.Start)}); ok {
			return frame, true, nil
		}
	}
	if err := c.rc.AcquireIO(ctx, int(ext.Length)); err != nil {
		return nil, false, err
	}
	if g.store == nil {
		return nil, false, errs.ViolationOf("load", errs.ErrClosed, "group %s has no store", g.name)
	}
	frame, err := g.store.Read(ext)
	return frame, false, err
}

func (g *Group) freeExtent(ext Extent) {
	c := g.c
	g.ioMu.Lock()
	defer g.ioMu.Unlock()
	if g.store == nil || g.storeRemoved {
		return
	}
	if c.memBuf != nil {
		c.memBuf.Delete(CacheKey{Group: g.id, Offset: uint64(ext.Start)})
	}
	if err := g.store.Free(ext); err != nil {
		c.logger.Warn("spill store truncation failed", slog.String("group", g.name), slog.Any("error", err))
	}
	g.maybeCompact()
}

// maybeCompact relocates tail frames into holes once most blocks are free.
// Requires ioMu.
func (g *Group) maybeCompact() {
	c := g.c
	if !g.store.NeedsCompaction() || !c.rc.TryAcquireBackground() {
		return
	}
	defer c.rc.ReleaseBackground()

	moved, freed, err := g.store.Relocate(c.cfg.MaxRelocations, g.commitRelocation)
	if err != nil {
		c.logger.Warn("spill store compaction failed", slog.String("group", g.name), slog.Any("error", err))
		return
	}
	c.compactions.Add(1)
	c.relocations.Add(int64(moved))
	c.observer.ObserveCompaction(moved, freed)
	c.logger.Debug("spill store compacted", slog.String("group", g.name),
		slog.Int("relocated", moved), slog.Int64("freed_bytes", freed))
}

func (g *Group) commitRelocation(owner Handle, from, to Extent) bool {
	c := g.c
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := owner.index()
	if idx < 0 || int(idx) >= len(c.slots) {
		return false
	}
	s := &c.slots[idx]
	if s.gen != owner.gen() || s.group != g || !s.hasLoc || s.loc != from {
		return false
	}
	s.loc = to
	if c.memBuf != nil {
		c.memBuf.Delete(CacheKey{Group: g.id, Offset: uint64(from.Start)})
	}
	return true
}
