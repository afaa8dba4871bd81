package hyperloglog

import (
	"sort"
)

type sparseRegister struct {
	index uint16
	value uint8
}

// convertToDense transforms the HLL from a sparse to a dense representation.
// This is a one-way operation that is triggered when a sparse HLL grows
// beyond its threshold.
//
// The function is not thread-safe by itself; the caller must hold an
// exclusive write lock.
func (h *HLL) convertToDense() {
	newDenseData := make([]byte, registerCount(h.header.precision))

	for _, pair := range h.sparseData {
		newDenseData[pair.index] = pair.value
	}

	h.denseData = newDenseData
	h.sparseData = nil
	h.header.encoding = dense
}

// sparseSet raises register index to rank if rank is larger, inserting the
// pair in sorted position when the register was zero. The caller must hold
// the write lock.
func (h *HLL) sparseSet(index uint16, rank uint8) bool {
	i := sort.Search(len(h.sparseData), func(i int) bool {
		return h.sparseData[i].index >= index
	})

	var updated bool

	if i < len(h.sparseData) && h.sparseData[i].index == index {
		if rank > h.sparseData[i].value {
			h.sparseData[i].value = rank
			updated = true
		}
	} else {
		// Grow by one, shift the tail right, then assign at the insertion
		// point. This avoids allocating a temporary slice.
		h.sparseData = append(h.sparseData, sparseRegister{})
		copy(h.sparseData[i+1:], h.sparseData[i:])
		h.sparseData[i] = sparseRegister{index: index, value: rank}

		updated = true
	}

	if updated {
		h.header.cacheInvalid = true

		if len(h.sparseData) > h.sparseThreshold {
			h.convertToDense()
		}
	}

	return updated
}

// getSparseHisto builds a histogram of register values from a sparse
// representation. Registers missing from the list have rank 0.
func (h *HLL) getSparseHisto() []int {
	histo := make([]int, 65)

	for _, pair := range h.sparseData {
		histo[pair.value]++
	}

	histo[0] = registerCount(h.header.precision) - len(h.sparseData)

	return histo
}
