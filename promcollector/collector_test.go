package promcollector

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bufmgr"
	"github.com/hupe1980/bufmgr/types"
)

func TestCollector(t *testing.T) {
	t.Run("Record", func(t *testing.T) {
		c := New("test", nil)
		c.RecordSpill(512, time.Millisecond)
		c.RecordLoad(512, false, time.Millisecond)
		c.RecordLoad(512, true, time.Microsecond)
		c.RecordCompaction(2, 1024)
		c.RecordReservation(100, 100, nil)
		c.RecordReservation(100, 25, nil)
		c.RecordReservation(10, 0, errors.New("cancelled"))
		c.RecordBuffer("tuple_buffer", 1)
		c.RecordBuffer("tuple_buffer", 1)
		c.RecordBuffer("tuple_buffer", -1)

		assert.Equal(t, 1.0, testutil.ToFloat64(c.spills))
		assert.Equal(t, 512.0, testutil.ToFloat64(c.spillBytes))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.loads.WithLabelValues("memory")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.loads.WithLabelValues("storage")))
		assert.Equal(t, 2.0, testutil.ToFloat64(c.relocated))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.reservations.WithLabelValues("partial")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.reservations.WithLabelValues("error")))
		assert.Equal(t, 75.0, testutil.ToFloat64(c.shortfallKB))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.live.WithLabelValues("tuple_buffer")))
	})

	t.Run("Registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := New("bufmgr", reg)
		c.RecordSpill(10, time.Millisecond)

		expected := `
# HELP bufmgr_spills_total Batches and pages written to spill storage.
# TYPE bufmgr_spills_total counter
bufmgr_spills_total 1
`
		require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bufmgr_spills_total"))
		assert.Panics(t, func() { New("bufmgr", reg) })
	})

	t.Run("WiredToManager", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := New("bufmgr", reg)
		bm, err := bufmgr.New(bufmgr.WithMetricsCollector(c), bufmgr.WithMaxReserveKB(0))
		require.NoError(t, err)
		defer bm.Close()

		tb, err := bm.CreateTupleBuffer(types.NewSchema(types.TypeInteger), "prom", bufmgr.SourceProcessor)
		require.NoError(t, err)
		require.NoError(t, tb.SetBatchSize(4))
		for i := range 20 {
			require.NoError(t, tb.AddTuple(t.Context(), types.Tuple{types.Int(int64(i))}))
		}
		require.NoError(t, tb.Close(t.Context()))

		assert.Equal(t, float64(bm.Stats().Spills), testutil.ToFloat64(c.spills))
		assert.Positive(t, testutil.ToFloat64(c.spills))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.live.WithLabelValues("tuple_buffer")))

		require.NoError(t, tb.Remove())
		assert.Zero(t, testutil.ToFloat64(c.live.WithLabelValues("tuple_buffer")))
	})
}
