package compress

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	compressible := bytes.Repeat([]byte("row-batch "), 200)
	random := make([]byte, 2048)
	r := rand.New(rand.NewPCG(1, 2))
	for i := range random {
		random[i] = byte(r.Uint32())
	}

	for _, typ := range []Type{None, LZ4, ZSTD} {
		for name, data := range map[string][]byte{
			"compressible": compressible,
			"random":       random,
			"small":        []byte("tiny"),
			"empty":        {},
		} {
			t.Run(typ.String()+"/"+name, func(t *testing.T) {
				frame, err := Encode(data, typ)
				require.NoError(t, err)

				size, err := FrameSize(frame)
				require.NoError(t, err)
				assert.Equal(t, len(frame), size)

				got, err := Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(got))
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestEncode_Shrinks(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 4096)
	for _, typ := range []Type{LZ4, ZSTD} {
		frame, err := Encode(data, typ)
		require.NoError(t, err)
		assert.Less(t, len(frame), len(data)/4)
		assert.Equal(t, byte(typ), frame[0])
	}
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.Error(t, err)

	frame, err := Encode(bytes.Repeat([]byte("abc"), 100), LZ4)
	require.NoError(t, err)
	_, err = Decode(frame[:len(frame)-3])
	assert.Error(t, err)

	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = Decode(flipped)
	assert.ErrorIs(t, err, errChecksum)

	frame[0] = 9
	_, err = Decode(frame)
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("zstd")
	require.NoError(t, err)
	assert.Equal(t, ZSTD, typ)
	_, err = ParseType("snappy")
	assert.Error(t, err)
}
