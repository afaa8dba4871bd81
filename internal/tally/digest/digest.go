// Package digest provides the 64-bit hash functions that feed the
// cardinality estimator and the membership filter.
//
// Both structures only need a wide, uniformly distributed digest of their
// input. Inputs here are already one-way derived identifiers, so the choice
// of function only affects distribution quality and speed:
//
//   - Blake2b (the default) keeps the first eight bytes of a BLAKE2b-256 sum.
//     It is the function used for every persisted structure.
//   - XXHash is several times faster and is suitable for inputs that are
//     already uniformly random, or for benchmarks.
//
// A structure must be read back with the same function it was built with;
// the snapshot formats do not record which one was used.
package digest

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Func maps an element to a 64-bit digest.
type Func func(data []byte) uint64

// Default is the digest used when a structure is built without an explicit
// choice.
var Default Func = Blake2b

// Blake2b returns the first eight bytes, little-endian, of the BLAKE2b-256
// sum of data.
func Blake2b(data []byte) uint64 {
	sum := blake2b.Sum256(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

// XXHash returns the xxHash64 sum of data.
func XXHash(data []byte) uint64 {
	return xxhash.Sum64(data)
}
