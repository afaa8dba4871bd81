package hyperloglog

// denseSet raises register index to rank if rank is larger. It is not
// thread-safe; the caller must hold the write lock.
func (h *HLL) denseSet(index uint64, rank uint8) bool {
	if rank > h.denseData[index] {
		h.denseData[index] = rank

		// The cached cardinality no longer matches the registers.
		h.header.cacheInvalid = true

		return true
	}

	return false
}

// getDenseHisto counts the occurrences of each rank across all registers.
func (h *HLL) getDenseHisto() []int {
	histo := make([]int, 65)

	for _, value := range h.denseData {
		histo[value]++
	}

	return histo
}
