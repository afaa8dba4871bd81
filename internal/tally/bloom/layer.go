package bloom

import (
	"errors"
	"math"
	"unsafe"
)

type layerOffset struct {
	header FilterHeader // The safe view
	data   []Block      // The unsafe block view
}

// reloadLayers rebuilds the tier views from the backing slice. It must run
// after any operation that may have reallocated the backing slice.
func (sf *ScalableFilter) reloadLayers() error {
	//
	// DESIGN
	// ------
	//
	// Tiers are found by walking the backing slice: each tier header stores
	// the byte size of the block data that follows it. The block data is then
	// reinterpreted in place as []Block with unsafe.Slice, which avoids
	// copying or decoding megabytes of bits.
	//
	// Every offset is validated before it is used. A corrupt or truncated
	// snapshot is rejected here rather than panicking later on a lookup.
	//
	rawCount := sf.metadata().NumLayers()
	if rawCount > MaxLayers {
		return errors.New("bloom: too many layers (possible corruption)")
	}

	numLayers := int(rawCount)
	layers := make([]layerOffset, 0, numLayers)

	offset := MetadataSize
	dataLen := len(sf.backing)

	for i := 0; i < numLayers; i++ {
		if offset+LayerHeaderSize > dataLen {
			return errors.New("bloom: buffer too short for layer header")
		}

		hdr := FilterHeader(sf.backing[offset : offset+LayerHeaderSize])
		offset += LayerHeaderSize

		size := hdr.Size()
		if size == 0 || size%64 != 0 {
			return errors.New("bloom: layer size not aligned to 64 bytes")
		}
		if size > uint64(dataLen-offset) {
			return errors.New("bloom: buffer too short for layer data")
		}
		if rate := hdr.ErrorRate(); !(rate > 0 && rate < 1) {
			return errors.New("bloom: invalid layer error rate")
		}

		dataSize := int(size)
		ptr := unsafe.Pointer(&sf.backing[offset])
		blocks := unsafe.Slice((*Block)(ptr), dataSize/64)

		layers = append(layers, layerOffset{header: hdr, data: blocks})
		offset += dataSize
	}

	if offset != dataLen {
		return errors.New("bloom: trailing bytes after last layer")
	}

	sf.layers = layers

	return nil
}

// addLayer appends an empty tier sized for capacity elements at errRate.
func (sf *ScalableFilter) addLayer(capacity uint64, errRate float64) error {
	size, _ := EstimateParameters(capacity, errRate)

	grown := make([]byte, len(sf.backing), len(sf.backing)+LayerHeaderSize+int(size))
	copy(grown, sf.backing)

	hdr := make([]byte, LayerHeaderSize)
	FilterHeader(hdr).SetSize(size)
	FilterHeader(hdr).SetCapacity(capacity)
	FilterHeader(hdr).SetCount(0)
	FilterHeader(hdr).SetErrorRate(errRate)

	grown = append(grown, hdr...)
	grown = grown[:len(grown)+int(size)]

	sf.backing = grown
	sf.metadata().SetNumLayers(sf.metadata().NumLayers() + 1)

	return sf.reloadLayers()
}

// mix is the SplitMix64 finalizer. It decorrelates the in-block probe bits
// from the bits already used to pick the block.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// EstimateParameters returns the tier size in bytes, rounded up to whole
// 64-byte blocks, and the probe count for n elements at false-positive rate p.
func EstimateParameters(n uint64, p float64) (uint64, int) {
	if n == 0 {
		n = 1
	}
	if p <= 0 {
		p = 1e-9
	} else if p >= 1.0 {
		p = 0.99
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	ln2 := math.Log(2)
	m := -float64(n) * math.Log(p) / (ln2 * ln2)

	bytes := uint64(math.Ceil(m / 8.0))

	const blockSize = 64
	if bytes < blockSize {
		bytes = blockSize
	} else if bytes%blockSize != 0 {
		bytes += blockSize - (bytes % blockSize)
	}

	return bytes, probes
}
