// Package compress implements the framed block compression used for spilled batches.
//
// Every frame carries its own header so a reader never needs to know which
// algorithm wrote it:
//
//	[Type uint8][UncompressedSize uint32][CompressedSize uint32][CRC32C uint32][Data...]
//
// CompressedSize == 0 means the payload is stored raw. The checksum covers Data
// as stored, so a torn or overwritten spill block is detected before decoding.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/bufmgr/internal/hash"
)

// Type defines the compression algorithm used.
type Type uint8

const (
	// None stores frames uncompressed.
	None Type = 0
	// LZ4 uses LZ4 block compression (fast, good for hot data).
	LZ4 Type = 1
	// ZSTD uses zstd (better ratio, good for cold data).
	ZSTD Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(t))
	}
}

// ParseType parses "none", "lz4" or "zstd".
func ParseType(s string) (Type, error) {
	switch s {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return None, fmt.Errorf("unknown compression %q", s)
	}
}

// HeaderSize is the size of the frame header.
const HeaderSize = 13

// minCompressSize is the payload size below which compression is not attempted.
const minCompressSize = 64

var (
	errShortFrame   = errors.New("frame too small for header")
	errSizeMismatch = errors.New("decompressed size mismatch")
	errChecksum     = errors.New("frame checksum mismatch")
)

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// Encode frames data with the given algorithm. When compression does not save at
// least 10%, the payload is stored raw.
func Encode(data []byte, typ Type) ([]byte, error) {
	var compressed []byte
	if len(data) >= minCompressSize {
		switch typ {
		case None:
		case LZ4:
			buf := make([]byte, lz4.CompressBlockBound(len(data)))
			n, err := lz4.CompressBlock(data, buf, nil)
			if err != nil {
				return nil, err
			}
			compressed = buf[:n] // n == 0 means incompressible
		case ZSTD:
			enc := getZstdEncoder()
			compressed = enc.EncodeAll(data, nil)
			zstdEncoderPool.Put(enc)
		default:
			return nil, fmt.Errorf("unknown compression type %d", typ)
		}
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, HeaderSize+len(data))
		copy(out[HeaderSize:], data)
		putHeader(out, None, len(data), 0)
		return out, nil
	}

	out := make([]byte, HeaderSize+len(compressed))
	copy(out[HeaderSize:], compressed)
	putHeader(out, typ, len(data), len(compressed))
	return out, nil
}

// putHeader fills the header of a frame whose payload is already in place.
func putHeader(dst []byte, typ Type, uncompressed, compressed int) {
	dst[0] = byte(typ)
	binary.LittleEndian.PutUint32(dst[1:], uint32(uncompressed))
	binary.LittleEndian.PutUint32(dst[5:], uint32(compressed))
	binary.LittleEndian.PutUint32(dst[9:], hash.CRC32C(dst[HeaderSize:]))
}

// FrameSize returns the total size of the frame starting at data[0].
func FrameSize(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, errShortFrame
	}
	payload := binary.LittleEndian.Uint32(data[5:])
	if payload == 0 {
		payload = binary.LittleEndian.Uint32(data[1:])
	}
	return HeaderSize + int(payload), nil
}

// Decode reverses Encode. The algorithm is read from the frame header.
func Decode(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, errShortFrame
	}
	typ := Type(data[0])
	uncompressedSize := binary.LittleEndian.Uint32(data[1:])
	compressedSize := binary.LittleEndian.Uint32(data[5:])

	sum := binary.LittleEndian.Uint32(data[9:])

	if compressedSize == 0 {
		if uint32(len(data)) < HeaderSize+uncompressedSize {
			return nil, errors.New("frame data too small")
		}
		raw := data[HeaderSize : HeaderSize+uncompressedSize]
		if hash.CRC32C(raw) != sum {
			return nil, errChecksum
		}
		return raw, nil
	}
	if uint32(len(data)) < HeaderSize+compressedSize {
		return nil, errors.New("compressed frame data too small")
	}

	payload := data[HeaderSize : HeaderSize+compressedSize]
	if hash.CRC32C(payload) != sum {
		return nil, errChecksum
	}
	result := make([]byte, uncompressedSize)

	switch typ {
	case LZ4:
		n, err := lz4.UncompressBlock(payload, result)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, errSizeMismatch
		}
		return result, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)

		decoded, err := dec.DecodeAll(payload, result[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, errSizeMismatch
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", typ)
	}
}
