package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bufmgr/errs"
	"github.com/hupe1980/bufmgr/internal/compress"
	"github.com/hupe1980/bufmgr/internal/resource"
	"github.com/hupe1980/bufmgr/storage"
)

type bytesSerializer struct{}

func (bytesSerializer) Serialize(dst []byte, v any) ([]byte, error) {
	return append(dst, v.([]byte)...), nil
}

func (bytesSerializer) Deserialize(b []byte) (any, error) {
	return append([]byte(nil), b...), nil
}

// gatedSerializer blocks in Serialize until release is closed.
type gatedSerializer struct {
	bytesSerializer
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSerializer) Serialize(dst []byte, v any) ([]byte, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.bytesSerializer.Serialize(dst, v)
}

type countingObserver struct {
	mu                    sync.Mutex
	spills, loads, compac int
}

func (o *countingObserver) ObserveSpill(int, time.Duration) {
	o.mu.Lock()
	o.spills++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveLoad(int, bool, time.Duration) {
	o.mu.Lock()
	o.loads++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveCompaction(int, int64) {
	o.mu.Lock()
	o.compac++
	o.mu.Unlock()
}

func memStores() StoreFactory {
	m := storage.NewMemoryManager()
	return func(name string) (*storage.FileStore, error) {
		r, err := m.CreateRegion(name)
		if err != nil {
			return nil, err
		}
		return storage.NewFileStore(name, r), nil
	}
}

func value(i, n int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, n)
}

func TestCache_SpillAndLoad(t *testing.T) {
	ctx := t.Context()
	obs := &countingObserver{}
	c := New(Config{
		Controller:  resource.NewController(resource.Config{ReserveLimitBytes: 100}),
		Compression: compress.LZ4,
		Observer:    obs,
	})
	g := c.NewGroup("spill", bytesSerializer{}, memStores())

	var handles []Handle
	for i := range 5 {
		h, err := g.Add(ctx, value(i, 200), 60)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	st := c.Stats()
	assert.Equal(t, int64(4), st.Spills)
	assert.Equal(t, int64(60), st.ResidentBytes)
	assert.Equal(t, 5, st.Slots)
	assert.Positive(t, st.StoreBytes)

	for i, h := range handles {
		v, err := g.Get(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, value(i, 200), v)
	}
	// Loading h0 pushed out the never-spilled h4, so every value was loaded once.
	st = c.Stats()
	assert.Equal(t, int64(5), st.Loads)
	assert.Equal(t, int64(5), st.Spills)
	assert.LessOrEqual(t, st.ResidentBytes, int64(100))
	assert.Equal(t, 5, obs.spills)
	assert.Equal(t, 5, obs.loads)
}

func TestCache_MemoryBufferSpace(t *testing.T) {
	ctx := t.Context()
	c := New(Config{
		Controller:        resource.NewController(resource.Config{}),
		MemoryBufferSpace: 1 << 20,
	})
	g := c.NewGroup("membuf", bytesSerializer{}, memStores())

	h1, err := g.Add(ctx, value(1, 100), 100)
	require.NoError(t, err)
	_, err = g.Add(ctx, value(2, 100), 100)
	require.NoError(t, err)

	v, err := g.Get(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, value(1, 100), v)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestCache_PinnedValueIsNotEvicted(t *testing.T) {
	ctx := t.Context()
	c := New(Config{Controller: resource.NewController(resource.Config{})})
	ser := &gatedSerializer{entered: make(chan struct{}), release: make(chan struct{})}
	g := c.NewGroup("pinned", ser, memStores())

	h, err := g.AddResident(value(0, 50), 50)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.MakeRoom(ctx, 0) }()
	<-ser.entered

	// The victim is pinned and unlinked: a second pass finds nothing to evict.
	require.NoError(t, c.MakeRoom(ctx, 0))

	// Reading it mid-transfer keeps it resident.
	v, err := g.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, value(0, 50), v)

	close(ser.release)
	require.NoError(t, <-done)

	// Touched mid-transfer it was relinked, then the same pass dropped the clean
	// copy without writing it again.
	st := c.Stats()
	assert.Equal(t, int64(1), st.Spills)
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, int64(0), st.ResidentBytes)

	v, err = g.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, value(0, 50), v)
	assert.Equal(t, int64(1), c.Stats().Spills)
}

func TestCache_RemoveDuringEviction(t *testing.T) {
	ctx := t.Context()
	c := New(Config{Controller: resource.NewController(resource.Config{})})
	ser := &gatedSerializer{entered: make(chan struct{}), release: make(chan struct{})}
	g := c.NewGroup("removed", ser, memStores())

	h, err := g.AddResident(value(0, 50), 50)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.MakeRoom(ctx, 0) }()
	<-ser.entered

	require.NoError(t, g.Remove(h))
	close(ser.release)
	require.NoError(t, <-done)

	st := c.Stats()
	assert.Equal(t, 0, st.Slots)
	assert.Equal(t, int64(0), st.ResidentBytes)
	assert.Equal(t, int64(0), g.StoreLength(), "the orphaned frame is freed")

	_, err = g.Get(ctx, h)
	assert.ErrorIs(t, err, errs.ErrContractViolation)

	// The slot is reusable and the old handle stays stale.
	h2, err := g.AddResident([]byte("x"), 1)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	assert.ErrorIs(t, g.Remove(h), errs.ErrContractViolation)
}

func TestCache_Unspillable(t *testing.T) {
	ctx := t.Context()
	c := New(Config{
		Controller:           resource.NewController(resource.Config{}),
		MaxStorageObjectSize: 64,
	})
	g := c.NewGroup("big", bytesSerializer{}, memStores())

	big, err := g.Add(ctx, value(0, 500), 500)
	require.NoError(t, err)
	small, err := g.Add(ctx, value(1, 10), 10)
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Unspillable)
	assert.Equal(t, int64(510), st.ResidentBytes, "memory degrades instead of failing")

	require.NoError(t, c.MakeRoom(ctx, 0))
	assert.Equal(t, int64(500), c.Stats().ResidentBytes)

	// Replacing it with something small makes it spillable again.
	require.NoError(t, g.Replace(ctx, big, value(2, 10), 10))
	require.NoError(t, c.MakeRoom(ctx, 0))
	assert.Equal(t, int64(0), c.Stats().ResidentBytes)

	v, err := g.Get(ctx, big)
	require.NoError(t, err)
	assert.Equal(t, value(2, 10), v)
	v, err = g.Get(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, value(1, 10), v)
}

func TestCache_ReplaceSpilled(t *testing.T) {
	ctx := t.Context()
	c := New(Config{Controller: resource.NewController(resource.Config{})})
	g := c.NewGroup("replace", bytesSerializer{}, memStores())

	h, err := g.Add(ctx, value(0, 100), 100)
	require.NoError(t, err)
	require.NoError(t, c.MakeRoom(ctx, 0))
	assert.Positive(t, g.StoreLength())

	require.NoError(t, g.ReplaceResident(h, value(1, 30), 30))
	assert.Equal(t, int64(0), g.StoreLength(), "the stale copy is released")

	v, err := g.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, value(1, 30), v)
}

func TestCache_SpillFailure(t *testing.T) {
	ctx := t.Context()
	c := New(Config{Controller: resource.NewController(resource.Config{})})
	full := errors.New("device full")
	g := c.NewGroup("fail", bytesSerializer{}, func(string) (*storage.FileStore, error) {
		return nil, full
	})

	h, err := g.Add(ctx, value(0, 10), 10)
	require.NoError(t, err)

	_, err = g.Add(ctx, value(1, 10), 10)
	assert.ErrorIs(t, err, errs.ErrComponent)
	assert.ErrorIs(t, err, full)

	v, err := g.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, value(0, 10), v, "a failed spill leaves the value resident")
	assert.Equal(t, 1, g.Len())
}

func TestCache_Compaction(t *testing.T) {
	ctx := t.Context()
	c := New(Config{
		Controller: resource.NewController(resource.Config{}),
		BlockSize:  16,
	})
	g := c.NewGroup("compact", bytesSerializer{}, memStores())

	var handles []Handle
	for i := range 40 {
		h, err := g.Add(ctx, value(i, 20), 20)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, c.MakeRoom(ctx, 0))
	before := g.StoreLength()

	for _, h := range handles[:30] {
		require.NoError(t, g.Remove(h))
	}

	st := c.Stats()
	assert.Positive(t, st.Compactions)
	assert.Positive(t, st.Relocations)
	assert.Less(t, g.StoreLength(), before/2)

	for i, h := range handles[30:] {
		v, err := g.Get(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, value(30+i, 20), v, fmt.Sprintf("value %d", 30+i))
	}
}

func TestCache_ConcurrentGroups(t *testing.T) {
	ctx := t.Context()
	c := New(Config{
		Controller:        resource.NewController(resource.Config{ReserveLimitBytes: 500}),
		MemoryBufferSpace: 256,
	})

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := c.NewGroup(fmt.Sprintf("w%d", w), bytesSerializer{}, memStores())
			defer g.Close()

			var handles []Handle
			for i := range 50 {
				h, err := g.Add(ctx, value(w+i, 40), 40)
				if !assert.NoError(t, err) {
					return
				}
				handles = append(handles, h)
			}
			for i, h := range handles {
				v, err := g.Get(ctx, h)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, value(w+i, 40), v)
			}
		}()
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, 0, st.Slots)
	assert.Equal(t, 0, st.Groups)
	assert.Equal(t, int64(0), st.ResidentBytes)
}

func TestGroup_Close(t *testing.T) {
	ctx := t.Context()
	c := New(Config{Controller: resource.NewController(resource.Config{})})
	g := c.NewGroup("close", bytesSerializer{}, memStores())

	h, err := g.Add(ctx, value(0, 10), 10)
	require.NoError(t, err)
	_, err = g.Add(ctx, value(1, 10), 10)
	require.NoError(t, err)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err = g.Get(ctx, h)
	assert.ErrorIs(t, err, errs.ErrClosed)
	_, err = g.AddResident(value(2, 1), 1)
	assert.ErrorIs(t, err, errs.ErrContractViolation)
	assert.Equal(t, int64(0), c.Stats().ResidentBytes)
	assert.NoError(t, c.Close())
}

func TestCache_CancelledMakeRoom(t *testing.T) {
	c := New(Config{Controller: resource.NewController(resource.Config{})})
	g := c.NewGroup("cancel", bytesSerializer{}, memStores())
	_, err := g.AddResident(value(0, 10), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, c.MakeRoom(ctx, 0), context.Canceled)
}
