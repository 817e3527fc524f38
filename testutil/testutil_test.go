package testutil

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bufmgr/types"
)

func TestKeys(t *testing.T) {
	t.Run("Reproducible", func(t *testing.T) {
		a := NewRNG(7).Keys(Uniform, 100, 50)
		b := NewRNG(7).Keys(Uniform, 100, 50)
		assert.Equal(t, a, b)

		r := NewRNG(7)
		first := r.Keys(Uniform, 10, 50)
		r.Reset()
		assert.Equal(t, first, r.Keys(Uniform, 10, 50))
	})

	t.Run("Ordered", func(t *testing.T) {
		r := NewRNG(1)
		assert.True(t, slices.IsSorted(r.Keys(Ascending, 20, 0)))
		desc := r.Keys(Descending, 20, 0)
		assert.Equal(t, int64(19), desc[0])
		assert.Equal(t, int64(0), desc[19])
	})

	t.Run("ZipfIsSkewed", func(t *testing.T) {
		keys := NewRNG(3).Keys(Zipf, 5000, 1000)
		counts := make(map[int64]int)
		for _, k := range keys {
			require.GreaterOrEqual(t, k, int64(0))
			require.Less(t, k, int64(1000))
			counts[k]++
		}
		assert.Greater(t, counts[0], counts[500])
		assert.Less(t, len(counts), 1000)
	})
}

func TestParseDistribution(t *testing.T) {
	for d := Uniform; d <= Descending; d++ {
		got, err := ParseDistribution(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDistribution("gaussian")
	assert.Error(t, err)
}

func TestTuple(t *testing.T) {
	schema := types.NewSchema(types.TypeInteger, types.TypeString, types.TypeDouble, types.TypeDate, types.TypeVarbinary, types.TypeClob)
	row := NewRNG(5).Tuple(schema, 42)
	require.NoError(t, schema.Check(row))
	assert.Equal(t, int64(42), row[0].I64)
	assert.NotNil(t, row[5].Lob)
}
