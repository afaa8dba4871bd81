package hyperloglog

import (
	"encoding/binary"
	"errors"
)

const (
	headerSize = 16
	Magic      = "HYLL"
)

type hllHeader struct {
	encoding          encoding
	precision         uint8
	cachedCardinality uint64
	cacheInvalid      bool
}

// serialize encodes the in-memory hllHeader into its 16-byte on-disk
// representation. It is the counterpart to deserializeHeader.
func (h hllHeader) serialize() []byte {
	//
	// DESIGN
	// ------
	//
	// +------+-----------+-----+-------------------------------+
	// | Bytes| Field     | Size| Notes                         |
	// +------+-----------+-----+-------------------------------+
	// | 0-3  | Magic     | 4   | "HYLL"                        |
	// | 4    | Encoding  | 1   | 0 for dense, 1 for sparse     |
	// | 5    | Precision | 1   | p, register count is 2^p      |
	// | 6-7  | Not Used  | 2   | Reserved, must be zero        |
	// | 8-15 | Card.     | 8   | Cached cardinality (uint64)   |
	// +------+-----------+-----+-------------------------------+
	//
	// The most significant bit of the cardinality field is the dirty flag.
	// A set bit means the cached value is stale. True cardinalities never
	// reach 2^63, so the bit is free.
	//
	buffer := make([]byte, headerSize)

	copy(buffer[0:4], Magic)
	buffer[4] = byte(h.encoding)
	buffer[5] = h.precision

	// Little-endian keeps the format portable across architectures.
	binary.LittleEndian.PutUint64(buffer[8:16], h.cachedCardinality)

	buffer[15] &= 0x7F
	if h.cacheInvalid {
		buffer[15] |= 0x80
	}

	return buffer
}

// deserializeHeader parses the first 16 bytes of data into an hllHeader,
// validating the magic string, encoding and precision.
func deserializeHeader(data []byte) (*hllHeader, error) {
	if len(data) < headerSize {
		return nil, errors.New("invalid HLL data: slice is too short for header")
	}

	if !HasValidMagic(data) {
		return nil, errors.New("invalid HLL data: magic string not found")
	}

	h := &hllHeader{}

	h.encoding = encoding(data[4])
	if h.encoding > sparse {
		return nil, errors.New("invalid HLL data: unknown encoding value")
	}

	h.precision = data[5]
	if h.precision < MinPrecision || h.precision > MaxPrecision {
		return nil, ErrInvalidPrecision
	}

	raw := binary.LittleEndian.Uint64(data[8:16])

	h.cacheInvalid = (raw >> 63) == 1
	h.cachedCardinality = raw & ^(uint64(1) << 63)

	return h, nil
}

// GetCachedCount reads the cached cardinality straight from a serialized
// sketch without decoding the registers. It returns false if the data is
// not a sketch or the cache is marked stale.
func GetCachedCount(data []byte) (uint64, bool) {
	if len(data) < headerSize || !HasValidMagic(data) {
		return 0, false
	}

	if (data[15] & 0x80) != 0 {
		return 0, false
	}

	raw := binary.LittleEndian.Uint64(data[8:16])

	return raw & ^(uint64(1) << 63), true
}

// Describe returns the encoding name and precision of a serialized sketch.
func Describe(data []byte) (enc string, precision uint8, err error) {
	h, err := deserializeHeader(data)
	if err != nil {
		return "", 0, err
	}

	if h.encoding == dense {
		return "dense", h.precision, nil
	}

	return "sparse", h.precision, nil
}
