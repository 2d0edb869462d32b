package blockstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/hash"
)

// Compression selects the block compression algorithm.
type Compression uint8

const (
	// CompressionNone stores blocks raw.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast, good for hot data).
	CompressionLZ4 Compression = 1
	// CompressionZstd uses Zstandard (better ratio, good for cold data).
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression maps a name used in configuration to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("blockstore: unknown compression %q", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block header: algorithm u8 | raw length u32 | stored length u32 | crc32 u32
// of the raw bytes. A block that does not shrink is stored raw with
// algorithm CompressionNone.
const blockHeaderSize = 1 + 4 + 4 + 4

func compressBlock(raw []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CompressionZstd:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("blockstore: unknown compression %d", c)
	}

	// Incompressible (or LZ4 returned 0) blocks are stored raw.
	if len(packed) == 0 || float64(len(packed)) > float64(len(raw))*0.9 {
		c, packed = CompressionNone, raw
	}

	out := make([]byte, blockHeaderSize, blockHeaderSize+len(packed))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(packed)))
	binary.LittleEndian.PutUint32(out[9:], hash.CRC32C(raw))
	return append(out, packed...), nil
}

func corrupt(reason string, b []byte) error {
	return geometry.NewMalformedEncodingError("blockstore: "+reason, len(b), nil)
}

func decompressBlock(data []byte) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, corrupt("block too small for header", data)
	}
	c := Compression(data[0])
	rawLen := binary.LittleEndian.Uint32(data[1:])
	storedLen := binary.LittleEndian.Uint32(data[5:])
	sum := binary.LittleEndian.Uint32(data[9:])
	if uint32(len(data)-blockHeaderSize) != storedLen {
		return nil, corrupt("block length mismatch", data)
	}
	stored := data[blockHeaderSize:]

	var raw []byte
	switch c {
	case CompressionNone:
		raw = stored
	case CompressionLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, geometry.NewMalformedEncodingError("blockstore: lz4", len(data), err)
		}
		raw = raw[:n]
	case CompressionZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(stored, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, geometry.NewMalformedEncodingError("blockstore: zstd", len(data), err)
		}
		raw = out
	default:
		return nil, corrupt(fmt.Sprintf("unknown compression %d", c), data)
	}

	if uint32(len(raw)) != rawLen {
		return nil, corrupt("decompressed size mismatch", data)
	}
	if hash.CRC32C(raw) != sum {
		return nil, corrupt("block checksum mismatch", data)
	}
	return raw, nil
}
