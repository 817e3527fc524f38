package bufmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicMetricsCollector(t *testing.T) {
	t.Run("Record", func(t *testing.T) {
		mc := &BasicMetricsCollector{}
		mc.RecordSpill(100, 2*time.Millisecond)
		mc.RecordSpill(300, 4*time.Millisecond)
		mc.RecordLoad(100, true, time.Millisecond)
		mc.RecordCompaction(3, 4096)
		mc.RecordReservation(100, 60, nil)
		mc.RecordReservation(10, 0, errors.New("cancelled"))
		mc.RecordBuffer(kindTupleBuffer, 1)
		mc.RecordBuffer(kindSTree, 1)
		mc.RecordBuffer(kindSTree, -1)

		stats := mc.GetStats()
		assert.Equal(t, int64(2), stats.SpillCount)
		assert.Equal(t, int64(400), stats.SpillBytes)
		assert.Equal(t, (3 * time.Millisecond).Nanoseconds(), stats.SpillAvgNanos)
		assert.Equal(t, int64(1), stats.LoadMemoryHits)
		assert.Equal(t, int64(3), stats.RelocatedFrames)
		assert.Equal(t, int64(4096), stats.CompactedBytes)
		assert.Equal(t, int64(2), stats.ReservationCount)
		assert.Equal(t, int64(1), stats.ReservationErrors)
		assert.Equal(t, int64(40), stats.ReservationShortKB)
		assert.Equal(t, int64(1), stats.LiveBuffers)
		assert.Zero(t, stats.LiveTrees)
	})

	t.Run("WiredToCache", func(t *testing.T) {
		mc := &BasicMetricsCollector{}
		bm := newManager(t, WithMetricsCollector(mc), WithMaxReserveKB(0))
		tb, err := bm.CreateTupleBuffer(intSchema, "metrics", SourceProcessor)
		require.NoError(t, err)
		require.NoError(t, tb.SetBatchSize(8))
		fill(t, tb, 40)
		require.NoError(t, tb.Close(t.Context()))

		_, err = tb.GetBatch(t.Context(), 1)
		require.NoError(t, err)

		stats := mc.GetStats()
		assert.Equal(t, bm.Stats().Spills, stats.SpillCount)
		assert.Positive(t, stats.SpillBytes)
		assert.Positive(t, stats.LoadCount)
		assert.Equal(t, int64(1), stats.LiveBuffers)
	})

	t.Run("NilDisables", func(t *testing.T) {
		bm := newManager(t, WithMetricsCollector(nil))
		assert.IsType(t, NoopMetricsCollector{}, bm.metrics)
	})
}
