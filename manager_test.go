package bufmgr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bufmgr/stree"
	"github.com/hupe1980/bufmgr/testutil"
	"github.com/hupe1980/bufmgr/types"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func TestScaleBatchSize(t *testing.T) {
	tests := []struct {
		name   string
		base   int
		schema types.Schema
		want   int
	}{
		{"NarrowGrowsEightfold", 4, types.NewSchema(types.TypeInteger), 32},
		{"IntString", 16, types.NewSchema(types.TypeInteger, types.TypeString), 128},
		{"AtTarget", 10, types.NewSchema(types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeString, types.TypeInteger, types.TypeInteger), 10},
		{"WideShrinks", 8, types.NewSchema(types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob), 4},
		{"FloorOne", 1, types.NewSchema(types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob, types.TypeClob), 1},
		{"EmptySchema", 7, nil, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scaleBatchSize(tt.base, tt.schema))
		})
	}
}

func TestBufferManager_New(t *testing.T) {
	t.Run("AutoSizing", func(t *testing.T) {
		bm := newManager(t)
		st := bm.Stats()
		assert.Positive(t, st.ReserveLimitBytes)
		assert.GreaterOrEqual(t, st.ProcessingLimitBytes, int64(minProcessingBytes))
		assert.Equal(t, 512*8, bm.ConnectorBatchSize(intSchema))
		assert.Equal(t, 256*8, bm.ProcessorBatchSize(intSchema))
	})

	t.Run("ExplicitLimits", func(t *testing.T) {
		bm := newManager(t, WithMaxReserveKB(64), WithMaxProcessingKB(32))
		st := bm.Stats()
		assert.Equal(t, int64(64<<10), st.ReserveLimitBytes)
		assert.Equal(t, int64(32<<10), st.ProcessingLimitBytes)
	})

	t.Run("InvalidBatchSize", func(t *testing.T) {
		_, err := New(WithProcessorBatchSize(0))
		assert.ErrorIs(t, err, ErrContractViolation)
	})

	t.Run("InvalidSchema", func(t *testing.T) {
		bm := newManager(t)
		_, err := bm.CreateTupleBuffer(nil, "empty", SourceProcessor)
		assert.ErrorIs(t, err, ErrContractViolation)
		_, err = bm.CreateSTree(intSchema, "tree", 2)
		assert.ErrorIs(t, err, ErrContractViolation)
	})
}

func TestBufferManager_CreateFileStore(t *testing.T) {
	bm := newManager(t)
	a, err := bm.CreateFileStore("sort")
	require.NoError(t, err)
	b, err := bm.CreateFileStore("sort")
	require.NoError(t, err)
	c, err := bm.CreateFileStore("sort")
	require.NoError(t, err)
	assert.Equal(t, "sort", a.Name())
	assert.Equal(t, "sort_1", b.Name())
	assert.Equal(t, "sort_2", c.Name())
	assert.Equal(t, 3, bm.Stats().FileStores)

	_, err = a.Append([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.Length())

	require.NoError(t, b.Remove())
	assert.Equal(t, 2, bm.Stats().FileStores)
}

func TestBufferManager_ReserveBuffers(t *testing.T) {
	ctx := t.Context()
	bm := newManager(t, WithMaxProcessingKB(100))

	got, err := bm.ReserveBuffers(ctx, 40, ReserveWait)
	require.NoError(t, err)
	assert.Equal(t, 40, got)

	got, err = bm.ReserveBuffers(ctx, 100, ReserveNoWait)
	require.NoError(t, err)
	assert.Equal(t, 50, got)

	got, err = bm.ReserveBuffers(ctx, 30, ReserveForce)
	require.NoError(t, err)
	assert.Equal(t, 30, got)
	assert.Equal(t, int64(120<<10), bm.Stats().ProcessingUsedBytes)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = bm.ReserveBuffers(cancelled, 20, ReserveWait)
	assert.ErrorIs(t, err, context.Canceled)

	got, err = bm.ReserveBuffers(ctx, 20, ReserveNoWait)
	require.NoError(t, err)
	assert.Equal(t, 10, got)

	got, err = bm.ReserveBuffers(ctx, 20, ReserveNoWait)
	require.NoError(t, err)
	assert.Zero(t, got)

	bm.ReleaseBuffers(30)
	bm.ReleaseBuffers(10)
	bm.ReleaseBuffers(50)
	bm.ReleaseBuffers(40)
	assert.Zero(t, bm.Stats().ProcessingUsedBytes)

	got, err = bm.ReserveBuffers(ctx, 500, ReserveWait)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	bm.ReleaseBuffers(got)

	_, err = bm.ReserveBuffers(ctx, -1, ReserveWait)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestBufferManager_ReserveBuffersWholeKB(t *testing.T) {
	ctx := t.Context()
	bm := newManager(t, WithMaxProcessingKB(100))

	held, err := bm.ReserveBuffers(ctx, 90, ReserveWait)
	require.NoError(t, err)
	require.Equal(t, 90, held)

	// 12.5KB does not fit; the next halving step is 6.25KB, granted as 6KB.
	got, err := bm.ReserveBuffers(ctx, 100, ReserveNoWait)
	require.NoError(t, err)
	assert.Equal(t, 6, got)
	assert.Equal(t, int64(96<<10), bm.Stats().ProcessingUsedBytes)

	bm.ReleaseBuffers(got)
	bm.ReleaseBuffers(held)
	assert.Zero(t, bm.Stats().ProcessingUsedBytes)

	got, err = bm.ReserveBuffers(ctx, 100, ReserveWait)
	require.NoError(t, err)
	assert.Equal(t, 100, got, "the full budget is available again")
	bm.ReleaseBuffers(got)
}

func TestBufferManager_STree(t *testing.T) {
	ctx := t.Context()
	schema := types.NewSchema(types.TypeInteger, types.TypeString)
	const n = 65553

	t.Run("OrderedHeight", func(t *testing.T) {
		bm := newManager(t, WithProcessorBatchSize(4))
		tree, err := bm.CreateSTree(schema, "ordered", 1)
		require.NoError(t, err)
		assert.Equal(t, 32, tree.LeafSize())
		assert.Equal(t, 32, tree.KeySize())
		assert.Equal(t, 1, bm.Stats().STrees)

		expected := tree.ExpectedHeight(n)
		require.Equal(t, 4, expected)
		for i := range n {
			_, err := tree.Insert(ctx, types.Tuple{types.Int(int64(i)), types.String("v")}, stree.ModeOrdered, expected)
			require.NoError(t, err)
		}
		assert.Equal(t, n, tree.RowCount())
		assert.Equal(t, 4, tree.Height())

		got, err := tree.Find(ctx, types.Tuple{types.Int(1234)})
		require.NoError(t, err)
		assert.Equal(t, int64(1234), got[0].I64)

		require.NoError(t, bm.ReleaseSTree(tree))
		assert.Zero(t, bm.Stats().STrees)
		_, err = tree.Find(ctx, types.Tuple{types.Int(1)})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("UnorderedHeight", func(t *testing.T) {
		bm := newManager(t, WithProcessorBatchSize(16))
		tree, err := bm.CreateSTree(schema, "unordered", 1)
		require.NoError(t, err)
		assert.Equal(t, 128, tree.LeafSize())

		rng := testutil.NewRNG(16)
		for _, k := range rng.Keys(testutil.Uniform, n, 1<<40) {
			_, err := tree.Insert(ctx, types.Tuple{types.Int(k), types.String("v")}, stree.ModeNew, -1)
			require.NoError(t, err)
		}
		assert.LessOrEqual(t, tree.Height(), 5)
	})
}

func TestBufferManager_StorageExhausted(t *testing.T) {
	bm := newManager(t,
		WithStorageDir(t.TempDir()),
		WithMaxStorageBytes(4096),
		WithMaxReserveKB(0),
		WithCompression(CompressionNone),
	)
	tb, err := bm.CreateTupleBuffer(types.NewSchema(types.TypeInteger, types.TypeString), "spill", SourceProcessor)
	require.NoError(t, err)
	require.NoError(t, tb.SetBatchSize(64))

	payload := strings.Repeat("x", 100)
	var addErr error
	for i := 0; i < 1000 && addErr == nil; i++ {
		addErr = tb.AddTuple(t.Context(), types.Tuple{types.Int(int64(i)), types.String(payload)})
	}
	require.Error(t, addErr)
	assert.ErrorIs(t, addErr, ErrStorageExhausted)
	assert.True(t, IsComponentFailure(addErr))
	assert.False(t, IsContractViolation(addErr))
}

func TestBufferManager_Close(t *testing.T) {
	mc := &BasicMetricsCollector{}
	bm, err := New(WithMetricsCollector(mc), WithLogger(NoopLogger()))
	require.NoError(t, err)

	tb, err := bm.CreateTupleBuffer(intSchema, "leak", SourceProcessor)
	require.NoError(t, err)
	fill(t, tb, 10)
	_, err = bm.CreateSTree(intSchema, "tree", 1)
	require.NoError(t, err)
	_, err = bm.CreateFileStore("loose")
	require.NoError(t, err)

	stats := mc.GetStats()
	assert.Equal(t, int64(1), stats.LiveBuffers)
	assert.Equal(t, int64(1), stats.LiveTrees)
	assert.Equal(t, int64(1), stats.LiveStores)

	require.NoError(t, bm.Close())
	require.NoError(t, bm.Close())

	st := bm.Stats()
	assert.Zero(t, st.TupleBuffers)
	assert.Zero(t, st.STrees)
	assert.Zero(t, st.FileStores)
	assert.Zero(t, mc.GetStats().LiveBuffers)

	_, err = bm.CreateTupleBuffer(intSchema, "late", SourceProcessor)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = bm.CreateFileStore("late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScope(t *testing.T) {
	t.Run("CancelReleases", func(t *testing.T) {
		bm := newManager(t)
		ctx, cancel := context.WithCancel(t.Context())
		scope := bm.NewScope(ctx)

		_, err := scope.CreateTupleBuffer(intSchema, "q1", SourceProcessor)
		require.NoError(t, err)
		_, err = scope.CreateSTree(intSchema, "q1_tree", 1)
		require.NoError(t, err)
		_, err = scope.CreateFileStore("q1_store")
		require.NoError(t, err)

		cancel()
		require.Eventually(t, scope.Released, timeout, tick)
		assert.Eventually(t, func() bool {
			st := bm.Stats()
			return st.TupleBuffers == 0 && st.STrees == 0 && st.FileStores == 0
		}, timeout, tick)

		_, err = scope.CreateFileStore("late")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("ExplicitRelease", func(t *testing.T) {
		bm := newManager(t)
		scope := bm.NewScope(t.Context())
		tb, err := scope.CreateTupleBuffer(intSchema, "q2", SourceProcessor)
		require.NoError(t, err)
		fill(t, tb, 3)

		require.NoError(t, scope.Release())
		require.NoError(t, scope.Release())
		assert.Zero(t, bm.Stats().TupleBuffers)
		assert.ErrorIs(t, tb.AddTuple(t.Context(), types.Tuple{types.Int(1)}), ErrClosed)
	})
}
