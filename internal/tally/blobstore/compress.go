// compress.go wraps a Store with transparent value compression. Dense
// sketches are mostly zero registers early in a bucket's life and compress
// well, which matters for row-size limits in SQL and DynamoDB.
//
// Value Format
// ============
//
//	+-----+-------+-----------+-----------------+
//	| 'Z' | Codec | Raw Len   | Payload         |
//	+-----+-------+-----------+-----------------+
//	 1 B    1 B     4 bytes     variable
//
// Values written before compression was enabled have no 'Z' header (every
// tally encoding starts with a different byte) and are returned unchanged.

package blobstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression algorithm.
type Codec byte

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

const (
	compressedMarker     = 'Z'
	compressedHeaderSize = 6

	// maxRawLen bounds the decoded size taken from a header.
	maxRawLen = 64 << 20
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// ParseCodec maps a configuration name to a Codec. The empty string means
// none.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("blobstore: unknown compression %q", name)
	}
}

// Compressed is a Store that compresses values before handing them to the
// wrapped Store.
type Compressed struct {
	Store

	codec   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressed wraps inner so every saved value is compressed with codec.
// Values are decoded by the codec recorded in their header, so switching
// codecs keeps old values readable.
func NewCompressed(inner Store, codec Codec) (*Compressed, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRawLen))
	if err != nil {
		_ = encoder.Close()
		return nil, err
	}

	return &Compressed{
		Store:   inner,
		codec:   codec,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Codec returns the codec used for new values.
func (c *Compressed) Codec() Codec {
	return c.codec
}

func (c *Compressed) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := c.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	value, err := c.decode(data)
	if err != nil {
		return nil, fmt.Errorf("blobstore: decompress %s: %w", key, err)
	}

	return value, nil
}

func (c *Compressed) Save(ctx context.Context, key string, value []byte) error {
	return c.Store.Save(ctx, key, c.encode(value))
}

func (c *Compressed) Close() error {
	_ = c.encoder.Close()
	c.decoder.Close()

	return c.Store.Close()
}

func (c *Compressed) encode(value []byte) []byte {
	header := make([]byte, compressedHeaderSize)
	header[0] = compressedMarker
	binary.LittleEndian.PutUint32(header[2:], uint32(len(value)))

	codec := c.codec
	if len(value) == 0 {
		codec = CodecNone
	}

	switch codec {
	case CodecLZ4:
		buf := make([]byte, compressedHeaderSize+lz4.CompressBlockBound(len(value)))
		n, err := lz4.CompressBlock(value, buf[compressedHeaderSize:], nil)
		// Zero means the input did not compress; store it raw.
		if err == nil && n > 0 {
			header[1] = byte(CodecLZ4)
			copy(buf, header)
			return buf[:compressedHeaderSize+n]
		}

	case CodecZstd:
		header[1] = byte(CodecZstd)
		return c.encoder.EncodeAll(value, header)
	}

	header[1] = byte(CodecNone)
	return append(header, value...)
}

func (c *Compressed) decode(data []byte) ([]byte, error) {
	if len(data) < compressedHeaderSize || data[0] != compressedMarker {
		return data, nil
	}

	rawLen := binary.LittleEndian.Uint32(data[2:compressedHeaderSize])
	if rawLen > maxRawLen {
		return nil, fmt.Errorf("raw length %d too large", rawLen)
	}

	payload := data[compressedHeaderSize:]

	switch Codec(data[1]) {
	case CodecNone:
		if uint32(len(payload)) != rawLen {
			return nil, fmt.Errorf("length mismatch: header %d, payload %d", rawLen, len(payload))
		}
		return payload, nil

	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("length mismatch: header %d, decoded %d", rawLen, n)
		}
		return out, nil

	case CodecZstd:
		out, err := c.decoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != rawLen {
			return nil, fmt.Errorf("length mismatch: header %d, decoded %d", rawLen, len(out))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown codec %d", data[1])
	}
}
