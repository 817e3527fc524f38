package testutil

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/bufmgr/types"
)

// Distribution selects how Keys draws its values.
type Distribution uint8

const (
	// Uniform draws keys uniformly from [0, domain).
	Uniform Distribution = iota
	// Zipf draws keys with a power-law skew, so a few keys repeat often.
	Zipf
	// Ascending returns 0..n-1 in order.
	Ascending
	// Descending returns n-1..0.
	Descending
)

func (d Distribution) String() string {
	switch d {
	case Uniform:
		return "uniform"
	case Zipf:
		return "zipf"
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return fmt.Sprintf("distribution(%d)", uint8(d))
	}
}

// ParseDistribution parses the String form of a Distribution.
func ParseDistribution(s string) (Distribution, error) {
	for d := Uniform; d <= Descending; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return Uniform, fmt.Errorf("unknown distribution %q", s)
}

// ZipfSkew is the exponent used by the Zipf distribution.
const ZipfSkew = 1.2

// RNG is a seeded random source. It is safe for concurrent use.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed uint64
}

// NewRNG creates an RNG with the given seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), seed: seed}
}

// Seed returns the initial seed.
func (r *RNG) Seed() uint64 { return r.seed }

// Reset restarts the sequence from the initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewPCG(r.seed, r.seed^0x9e3779b97f4a7c15))
}

// Intn returns a value in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.IntN(n)
}

// Keys returns n keys drawn from [0, domain) with distribution d. domain is
// ignored by the ordered distributions.
func (r *RNG) Keys(d Distribution, n, domain int) []int64 {
	keys := make([]int64, n)
	switch d {
	case Ascending:
		for i := range keys {
			keys[i] = int64(i)
		}
	case Descending:
		for i := range keys {
			keys[i] = int64(n - 1 - i)
		}
	case Zipf:
		cdf := zipfCDF(domain, ZipfSkew)
		r.mu.Lock()
		for i := range keys {
			keys[i] = int64(searchCDF(cdf, r.rand.Float64()))
		}
		r.mu.Unlock()
	default:
		r.mu.Lock()
		for i := range keys {
			keys[i] = r.rand.Int64N(int64(domain))
		}
		r.mu.Unlock()
	}
	return keys
}

// zipfCDF returns the cumulative distribution of P(k) proportional to 1/k^s
// over k in [1, n].
func zipfCDF(n int, s float64) []float64 {
	cdf := make([]float64, max(n, 1))
	var sum float64
	for k := range cdf {
		sum += 1 / math.Pow(float64(k+1), s)
		cdf[k] = sum
	}
	for k := range cdf {
		cdf[k] /= sum
	}
	return cdf
}

func searchCDF(cdf []float64, u float64) int {
	lo, hi := 0, len(cdf)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cdf[mid] < u {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Tuple builds a row of schema. Integer column 0 takes key; every other column
// gets a random value of its type. LOB columns get small in-memory content.
func (r *RNG) Tuple(schema types.Schema, key int64) types.Tuple {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := make(types.Tuple, len(schema))
	for i, c := range schema {
		if i == 0 && c.Type == types.TypeInteger {
			t[i] = types.Int(key)
			continue
		}
		t[i] = r.valueLocked(c.Type, key)
	}
	return t
}

func (r *RNG) valueLocked(typ types.Type, key int64) types.Value {
	switch typ {
	case types.TypeBoolean:
		return types.Bool(r.rand.IntN(2) == 1)
	case types.TypeInteger:
		return types.Int(r.rand.Int64())
	case types.TypeDouble:
		return types.Double(r.rand.Float64())
	case types.TypeString:
		return types.String(fmt.Sprintf("value-%d-%d", key, r.rand.IntN(1000)))
	case types.TypeDate, types.TypeTimestamp:
		ts := time.Unix(r.rand.Int64N(2_000_000_000), 0).UTC()
		if typ == types.TypeDate {
			return types.Date(ts)
		}
		return types.Timestamp(ts)
	case types.TypeVarbinary:
		b := make([]byte, 8+r.rand.IntN(24))
		for i := range b {
			b[i] = byte(r.rand.UintN(256))
		}
		return types.Varbinary(b)
	case types.TypeClob:
		return types.LobValue(types.ClobFromString(strings.Repeat("lob ", 4+r.rand.IntN(12))))
	case types.TypeBlob:
		return types.LobValue(types.BlobFromBytes([]byte(strings.Repeat("\x01\x02", 4+r.rand.IntN(12)))))
	default:
		return types.Null()
	}
}
