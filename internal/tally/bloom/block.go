package bloom

// probes is the number of bits set per element (k).
const probes = 8

// Block is one 512-bit, cache-line sized unit of a tier. All probes for an
// element land inside a single block.
type Block [8]uint64

// Add sets the k probe bits derived from hash and reports whether any bit
// was previously unset.
func (b *Block) Add(hash uint64) bool {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)

	changed := false
	for i := uint32(0); i < probes; i++ {
		pos := (h1 + i*h2) & 511
		mask := uint64(1) << (pos & 63)

		if b[pos>>6]&mask == 0 {
			b[pos>>6] |= mask
			changed = true
		}
	}

	return changed
}

// Check reports whether all k probe bits derived from hash are set.
func (b *Block) Check(hash uint64) bool {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)

	for i := uint32(0); i < probes; i++ {
		pos := (h1 + i*h2) & 511
		if b[pos>>6]&(uint64(1)<<(pos&63)) == 0 {
			return false
		}
	}

	return true
}
