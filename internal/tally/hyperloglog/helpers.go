package hyperloglog

import (
	"math"
	"math/bits"
)

// registerCount returns m = 2^p.
func registerCount(p uint8) int {
	return 1 << p
}

// alpha returns the bias-correction constant for m registers.
func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

// hashToIndexAndRank splits a 64-bit digest into a register index and a rank.
func hashToIndexAndRank(hash uint64, p uint8) (index uint64, rank uint8) {
	//
	// DESIGN
	// ------
	//
	//	 63                                   p p-1          0
	//	+--------------------------------------+--------------+
	//	|          remainder (q = 64-p bits)   |    index     |
	//	+--------------------------------------+--------------+
	//
	// The index is the low p bits. The remainder is shifted down so its
	// lowest bit is the one adjacent to the index field, and the rank is the
	// 1-based position of its lowest set bit. An all-zero remainder has no
	// set bit; it is given the maximum rank q.
	//
	index = hash & (uint64(1)<<p - 1)

	q := 64 - p
	remainder := hash >> p

	if remainder == 0 {
		return index, q
	}

	return index, uint8(bits.TrailingZeros64(remainder)) + 1
}

// estimateFromHisto computes the cardinality estimate from a histogram of
// register values over m registers.
func estimateFromHisto(histo []int, m int) float64 {
	mf := float64(m)

	// Harmonic sum of 2^-r over all registers, grouped by rank.
	sum := 0.0
	for r, count := range histo {
		if count != 0 {
			sum += float64(count) * math.Ldexp(1, -r)
		}
	}

	raw := alpha(m) * mf * mf / sum

	// Small-range correction: linear counting while there are empty
	// registers and the raw estimate is in its biased region.
	if zeros := histo[0]; raw <= 2.5*mf && zeros > 0 {
		return mf * math.Log(mf/float64(zeros))
	}

	return raw
}

// HasValidMagic reports whether data starts with the HLL magic string.
func HasValidMagic(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == 'H' && data[1] == 'Y' && data[2] == 'L' && data[3] == 'L'
}
