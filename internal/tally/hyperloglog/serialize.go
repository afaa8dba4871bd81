package hyperloglog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Serialize encodes the sketch into its binary form: the 16-byte header
// followed by either the m dense registers, or a uint32 pair count and that
// many (uint16 index, uint8 rank) sparse pairs.
//
// Serialize followed by Deserialize reproduces the register array exactly.
func (h *HLL) Serialize() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	headerBytes := h.header.serialize()

	if h.header.encoding == dense {
		result := make([]byte, 0, len(headerBytes)+len(h.denseData))
		result = append(result, headerBytes...)
		result = append(result, h.denseData...)
		return result
	}

	count := uint32(len(h.sparseData))
	result := make([]byte, 0, len(headerBytes)+4+int(count)*3)

	result = append(result, headerBytes...)
	result = binary.LittleEndian.AppendUint32(result, count)

	for _, reg := range h.sparseData {
		result = binary.LittleEndian.AppendUint16(result, reg.index)
		result = append(result, reg.value)
	}

	return result
}

// Deserialize decodes a sketch produced by Serialize. The data is copied;
// the caller may reuse the slice. Options may set the digest and sparse
// threshold; the precision always comes from the header.
func Deserialize(data []byte, opts ...Option) (*HLL, error) {
	header, err := deserializeHeader(data)
	if err != nil {
		return nil, err
	}

	h, err := New(opts...)
	if err != nil {
		return nil, err
	}
	h.header = *header

	if err := h.finishConfig(); err != nil {
		return nil, err
	}

	m := registerCount(header.precision)
	maxRank := 64 - header.precision
	payload := data[headerSize:]

	if header.encoding == dense {
		if len(payload) != m {
			return nil, fmt.Errorf("invalid HLL data: dense payload is %d bytes, want %d", len(payload), m)
		}

		h.sparseData = nil
		h.denseData = make([]byte, m)
		copy(h.denseData, payload)

		for _, v := range h.denseData {
			if v > maxRank {
				return nil, errors.New("invalid HLL data: register value out of range")
			}
		}

		return h, nil
	}

	if len(payload) < 4 {
		return nil, errors.New("invalid HLL data: sparse length missing")
	}

	count := binary.LittleEndian.Uint32(payload[:4])
	payload = payload[4:]

	if uint64(len(payload)) != uint64(count)*3 {
		return nil, errors.New("invalid HLL data: sparse data corrupted")
	}

	h.sparseData = make([]sparseRegister, count)
	for i := uint32(0); i < count; i++ {
		off := int(i) * 3
		reg := sparseRegister{
			index: binary.LittleEndian.Uint16(payload[off : off+2]),
			value: payload[off+2],
		}

		if int(reg.index) >= m || reg.value == 0 || reg.value > maxRank {
			return nil, errors.New("invalid HLL data: sparse register out of range")
		}
		if i > 0 && reg.index <= h.sparseData[i-1].index {
			return nil, errors.New("invalid HLL data: sparse registers not sorted")
		}

		h.sparseData[i] = reg
	}

	return h, nil
}
