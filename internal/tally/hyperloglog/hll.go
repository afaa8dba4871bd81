// Package hyperloglog implements the HyperLogLog algorithm for cardinality
// estimation.
//
// A HyperLogLog (HLL) estimates the number of distinct elements in a stream
// using a fixed amount of memory. Every daily, weekly, monthly and all-time
// visitor count reported by tally is produced by one of these sketches, and
// the sketches are what gets persisted: no identifier is ever stored.
//
// The Algorithm
// =============
//
// Each element is reduced to a 64-bit digest. The low p bits select one of
// m = 2^p registers. The remaining q = 64-p bits form the "remainder", and the
// rank of the element is one plus the number of trailing zero bits in the
// remainder (the position of its lowest set bit). An all-zero remainder gets
// rank q. Each register keeps the maximum rank it has seen.
//
// Observing a rank of r is roughly a 1-in-2^r event, so the registers taken
// together carry a statistical record of how many distinct digests passed
// through. The estimate is the bias-corrected harmonic mean
//
//	E = alpha_m * m^2 / sum(2^-register[i])
//
// For small cardinalities, when E <= 2.5m and some registers are still zero,
// linear counting (m * ln(m / zeros)) is used instead. A 64-bit digest never
// saturates at the cardinalities this service sees, so no large-range
// correction is applied.
//
// The standard error is about 1.04/sqrt(m): 0.81% at the default p=14.
//
// Representation
// ==============
//
// A new HLL starts in sparse mode: a sorted slice of (index, rank) pairs for
// the non-zero registers only. A day bucket on a small site never needs more
// than a few hundred bytes. Once the number of pairs passes the sparse
// threshold the sketch is promoted to a dense array of m bytes, one byte per
// register. Promotion is one-way and never changes the logical register
// array, so every operation gives identical results in either mode.
//
// Merging
// =======
//
// The union of two sketches with the same precision is the pointwise maximum
// of their registers. Merge is commutative, associative and idempotent, which
// is what lets weekly and monthly buckets be rebuilt from their days at any
// time.
//
// Concurrency
// ===========
//
// All exported methods are safe for concurrent use. Merge copies the other
// sketch's registers before taking its own write lock, so two sketches never
// hold each other's locks at the same time.
package hyperloglog

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"tally.lopezb.com/internal/tally/digest"
)

const (
	MinPrecision     = 4
	MaxPrecision     = 16
	DefaultPrecision = 14

	// DefaultSparseThreshold is the number of sparse pairs after which the
	// sketch is promoted to dense mode (about 2.2KB of sparse pairs at p=14).
	DefaultSparseThreshold = 750
)

type encoding uint8

const (
	dense  encoding = 0
	sparse encoding = 1
)

var (
	// ErrPrecisionMismatch is returned when two sketches with different
	// register counts are combined.
	ErrPrecisionMismatch = errors.New("hyperloglog: precision mismatch")

	// ErrInvalidPrecision is returned for a precision outside
	// [MinPrecision, MaxPrecision].
	ErrInvalidPrecision = errors.New("hyperloglog: invalid precision")
)

// HLL is a HyperLogLog sketch.
type HLL struct {
	header          hllHeader
	mu              sync.RWMutex
	denseData       []byte           // m bytes, one per register, in dense mode.
	sparseData      []sparseRegister // Sorted non-zero registers in sparse mode.
	sparseThreshold int
	hash            digest.Func
}

// Option configures a new or deserialized HLL.
type Option func(*HLL)

// WithPrecision sets p, the number of index bits. The sketch has 2^p
// registers.
func WithPrecision(p uint8) Option {
	return func(h *HLL) {
		h.header.precision = p
	}
}

// WithSparseThreshold sets the number of sparse pairs after which the sketch
// is converted to dense mode.
func WithSparseThreshold(n int) Option {
	return func(h *HLL) {
		h.sparseThreshold = n
	}
}

// WithDigest sets the function used to hash elements on Add.
func WithDigest(fn digest.Func) Option {
	return func(h *HLL) {
		if fn != nil {
			h.hash = fn
		}
	}
}

// New creates an empty sketch in sparse mode.
func New(opts ...Option) (*HLL, error) {
	h := &HLL{
		header: hllHeader{
			encoding:     sparse,
			precision:    DefaultPrecision,
			cacheInvalid: true,
		},
		sparseData:      make([]sparseRegister, 0, 8),
		sparseThreshold: DefaultSparseThreshold,
		hash:            digest.Default,
	}

	for _, opt := range opts {
		opt(h)
	}

	if err := h.finishConfig(); err != nil {
		return nil, err
	}

	return h, nil
}

// finishConfig validates the precision and bounds the sparse threshold.
// A sparse pair costs three bytes against one byte per dense register, so
// sparse mode stops paying off at m/3 pairs.
func (h *HLL) finishConfig() error {
	p := h.header.precision
	if p < MinPrecision || p > MaxPrecision {
		return fmt.Errorf("%w: %d", ErrInvalidPrecision, p)
	}

	if limit := registerCount(p) / 3; h.sparseThreshold > limit || h.sparseThreshold <= 0 {
		h.sparseThreshold = limit
	}

	return nil
}

// Precision returns p. It never changes after construction.
func (h *HLL) Precision() uint8 {
	return h.header.precision
}

// Add incorporates an element into the sketch. It returns true if a
// register changed.
func (h *HLL) Add(data []byte) bool {
	return h.AddHash(h.hash(data))
}

// AddHash incorporates an already computed digest.
func (h *HLL) AddHash(hash uint64) bool {
	index, rank := hashToIndexAndRank(hash, h.header.precision)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.header.encoding == sparse {
		return h.sparseSet(uint16(index), rank)
	}

	return h.denseSet(index, rank)
}

// Count returns the estimate rounded to the nearest integer.
//
// The result is cached and reused until a register changes.
func (h *HLL) Count() uint64 {
	//
	// DESIGN
	// ------
	//
	// Count is called on every ingest response (DAU) and every stats read, but
	// the registers of a busy bucket change far less often than they are read
	// once the bucket has warmed up. We use double-checked locking:
	//
	// 1. Take the read lock and return the cached value if it is still valid.
	// 2. Otherwise release it, take the write lock, and check again: another
	//    goroutine may have recomputed the value in between.
	// 3. Compute, store, and clear the dirty flag.
	//
	h.mu.RLock()
	if !h.header.cacheInvalid {
		cached := h.header.cachedCardinality
		h.mu.RUnlock()
		return cached
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.header.cacheInvalid {
		return h.header.cachedCardinality
	}

	cardinality := uint64(math.Round(h.estimateLocked()))

	h.header.cachedCardinality = cardinality
	h.header.cacheInvalid = false

	return cardinality
}

// Estimate returns the unrounded cardinality estimate. It is a pure function
// of the registers.
func (h *HLL) Estimate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.estimateLocked()
}

func (h *HLL) estimateLocked() float64 {
	var histo []int
	if h.header.encoding == sparse {
		histo = h.getSparseHisto()
	} else {
		histo = h.getDenseHisto()
	}

	return estimateFromHisto(histo, registerCount(h.header.precision))
}

// Registers returns a dense copy of the register array.
func (h *HLL) Registers() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]byte, registerCount(h.header.precision))
	h.mergeInto(out)

	return out
}

// mergeInto folds this sketch's registers into raw by pointwise max. The
// caller must hold at least a read lock and raw must have m bytes.
func (h *HLL) mergeInto(raw []byte) {
	if h.header.encoding == sparse {
		for _, reg := range h.sparseData {
			if reg.value > raw[reg.index] {
				raw[reg.index] = reg.value
			}
		}
		return
	}

	for i, v := range h.denseData {
		if v > raw[i] {
			raw[i] = v
		}
	}
}

// Merge folds other into h so that h estimates the union of both streams.
// Sketches with different precisions cannot be merged.
func (h *HLL) Merge(other *HLL) error {
	if other == nil || other == h {
		return nil
	}

	if other.Precision() != h.Precision() {
		return fmt.Errorf("%w: %d != %d", ErrPrecisionMismatch, other.Precision(), h.Precision())
	}

	// Copy first so that no goroutine ever holds both locks.
	regs := other.Registers()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.mergeRegisters(regs)

	return nil
}

// mergeRegisters applies a dense register array to h. The caller must hold
// the write lock.
func (h *HLL) mergeRegisters(regs []byte) {
	if h.header.encoding == sparse {
		for i, v := range regs {
			if v == 0 {
				continue
			}
			if h.header.encoding == sparse {
				h.sparseSet(uint16(i), v)
			} else {
				h.denseSet(uint64(i), v)
			}
		}
		return
	}

	for i, v := range regs {
		h.denseSet(uint64(i), v)
	}
}

// Clone returns an independent copy of the sketch.
func (h *HLL) Clone() *HLL {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c := &HLL{
		header:          h.header,
		sparseThreshold: h.sparseThreshold,
		hash:            h.hash,
	}

	if h.header.encoding == sparse {
		c.sparseData = make([]sparseRegister, len(h.sparseData), len(h.sparseData)+8)
		copy(c.sparseData, h.sparseData)
	} else {
		c.denseData = make([]byte, len(h.denseData))
		copy(c.denseData, h.denseData)
	}

	return c
}

// Union returns a new sketch holding the union of first and rest. None of the
// inputs are modified.
func Union(first *HLL, rest ...*HLL) (*HLL, error) {
	out := first.Clone()

	for _, other := range rest {
		if err := out.Merge(other); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// IsDense reports whether the sketch has been promoted to dense mode.
func (h *HLL) IsDense() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.header.encoding == dense
}
