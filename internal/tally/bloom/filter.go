// Package bloom implements a scalable, cache-blocked Bloom filter.
//
// tally keeps one of these for the whole deployment. It answers a single
// question on every accepted ping: has this derived identity ever been seen
// before? A negative answer is always correct; a positive answer is wrong with
// a small, bounded probability, so a tiny fraction of genuinely new users are
// counted as returning. There is no delete: an identity, once added, stays.
//
// Blocked Layout
// ==============
//
// A classic Bloom filter scatters its k probes across the whole bit array,
// costing up to k cache misses per lookup. Here every tier is an array of
// 64-byte blocks (one cache line, 512 bits) and all k=8 probes for an element
// land in the same block:
//
//  1. The element digest modulo the block count picks the block.
//  2. The digest is remixed with SplitMix64 and split into two 32-bit halves
//     h1 and h2. Probe i sets bit (h1 + i*h2) mod 512 (Kirsch-Mitzenmacher
//     double hashing).
//
// Scaling
// =======
//
// The number of users is not known up front, so the filter grows by
// appending tiers. When the active (last) tier reaches its fill threshold a
// new tier is appended with twice the capacity and half the error rate.
// Lookups check every tier; inserts go to the active tier only.
//
// The tier error rates form a geometric series p0, p0/2, p0/4, ... whose sum
// is 2*p0. The first tier is sized for half the configured rate so that the
// compounded false-positive rate stays within the configured target no
// matter how many tiers are added.
//
// Binary Format
// =============
//
// The filter lives in one contiguous byte slice that is also its persisted
// form (see header.go):
//
//	+----------------+------------------+-------------+------------------+-----+
//	| Metadata (24B) | Tier 0 hdr (32B) | Tier 0 data | Tier 1 hdr (32B) | ... |
//	+----------------+------------------+-------------+------------------+-----+
//
// Tier data is viewed in place as []Block through unsafe.Slice, so loading
// a filter costs one copy and no decoding.
package bloom

import (
	"errors"
	"fmt"
	"sync"

	"tally.lopezb.com/internal/tally/digest"
)

const (
	DefaultCapacity        = 100_000
	DefaultErrorRate       = 0.01
	DefaultGrowthThreshold = 1.0
	GrowthFactor           = 2
	TighteningRatio        = 0.5

	// MaxLayers caps the number of tiers. With a growth factor of 2 this is
	// far beyond any realistic population and mainly guards against corrupt
	// input.
	MaxLayers = 1024
)

var ErrMaxLayers = errors.New("bloom: max layers reached")

// Config controls sizing and growth of new tiers.
type Config struct {
	// InitialCapacity is the number of elements the first tier holds before
	// the filter grows.
	InitialCapacity uint64

	// ErrorRate is the target compounded false-positive probability.
	ErrorRate float64

	// GrowthThreshold is the fill fraction (count/capacity) of the active tier
	// that triggers a new tier.
	GrowthThreshold float64

	// Digest hashes elements. It must match the digest the filter was built
	// with.
	Digest digest.Func
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		InitialCapacity: DefaultCapacity,
		ErrorRate:       DefaultErrorRate,
		GrowthThreshold: DefaultGrowthThreshold,
		Digest:          digest.Default,
	}
}

func (c Config) sanitize() Config {
	if c.InitialCapacity == 0 {
		c.InitialCapacity = DefaultCapacity
	}
	if c.ErrorRate <= 0 || c.ErrorRate >= 1 {
		c.ErrorRate = DefaultErrorRate
	}
	if c.GrowthThreshold <= 0 || c.GrowthThreshold > 1 {
		c.GrowthThreshold = DefaultGrowthThreshold
	}
	if c.Digest == nil {
		c.Digest = digest.Default
	}
	return c
}

// ScalableFilter is a growable blocked Bloom filter. It is safe for
// concurrent use.
type ScalableFilter struct {
	mu      sync.RWMutex
	backing []byte
	layers  []layerOffset
	config  Config
}

// New creates an empty filter. The first tier is allocated on the first Add.
func New(cfg Config) *ScalableFilter {
	sf := &ScalableFilter{
		backing: make([]byte, MetadataSize),
		config:  cfg.sanitize(),
	}

	meta := sf.metadata()
	meta.SetMagic(Magic)
	meta.SetTotalItems(0)
	meta.SetNumLayers(0)

	return sf
}

// Load restores a filter from the bytes returned by Serialize. The data is
// copied. cfg controls the sizing of tiers added after loading.
func Load(data []byte, cfg Config) (*ScalableFilter, error) {
	if len(data) < MetadataSize {
		return nil, errors.New("bloom: data too short to be a bloom filter")
	}

	if Metadata(data[:MetadataSize]).Magic() != Magic {
		return nil, errors.New("bloom: invalid magic number")
	}

	backing := make([]byte, len(data))
	copy(backing, data)

	sf := &ScalableFilter{backing: backing, config: cfg.sanitize()}
	if err := sf.reloadLayers(); err != nil {
		return nil, err
	}

	return sf, nil
}

func (sf *ScalableFilter) metadata() Metadata {
	return Metadata(sf.backing[:MetadataSize])
}

// Test reports whether item may have been added. It never returns false for
// an item that was added.
func (sf *ScalableFilter) Test(item []byte) bool {
	itemHash := sf.config.Digest(item)

	sf.mu.RLock()
	defer sf.mu.RUnlock()

	return sf.checkWithHash(itemHash)
}

// checkWithHash scans tiers newest first; recent tiers are the largest and
// hold most of the elements. The caller must hold a lock.
func (sf *ScalableFilter) checkWithHash(itemHash uint64) bool {
	internalHash := mix(itemHash)

	for i := len(sf.layers) - 1; i >= 0; i-- {
		layer := sf.layers[i]
		numBlocks := uint64(len(layer.data))
		if numBlocks == 0 {
			continue
		}

		if layer.data[itemHash%numBlocks].Check(internalHash) {
			return true
		}
	}

	return false
}

// Add inserts item. It returns false, without changing anything, if the item
// already tests positive.
func (sf *ScalableFilter) Add(item []byte) (bool, error) {
	itemHash := sf.config.Digest(item)

	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.checkWithHash(itemHash) {
		return false, nil
	}

	if err := sf.ensureCapacity(); err != nil {
		return false, err
	}

	active := sf.layers[len(sf.layers)-1]
	numBlocks := uint64(len(active.data))
	if numBlocks == 0 {
		return false, errors.New("bloom: active layer has zero size")
	}

	if !active.data[itemHash%numBlocks].Add(mix(itemHash)) {
		return false, nil
	}

	active.header.SetCount(active.header.Count() + 1)
	meta := sf.metadata()
	meta.SetTotalItems(meta.TotalItems() + 1)

	return true, nil
}

// ensureCapacity appends a tier when there is none, or when the active tier
// has reached its fill threshold. The caller must hold the write lock.
func (sf *ScalableFilter) ensureCapacity() error {
	if len(sf.layers) == 0 {
		return sf.addLayer(sf.config.InitialCapacity, sf.config.ErrorRate*(1-TighteningRatio))
	}

	last := sf.layers[len(sf.layers)-1].header
	threshold := uint64(float64(last.Capacity()) * sf.config.GrowthThreshold)
	if threshold == 0 {
		threshold = 1
	}

	if last.Count() < threshold {
		return nil
	}

	if len(sf.layers) >= MaxLayers {
		return ErrMaxLayers
	}

	return sf.addLayer(last.Capacity()*GrowthFactor, last.ErrorRate()*TighteningRatio)
}

// Serialize returns a copy of the filter's binary form.
func (sf *ScalableFilter) Serialize() []byte {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	out := make([]byte, len(sf.backing))
	copy(out, sf.backing)

	return out
}

// Count returns the number of elements inserted across all tiers.
func (sf *ScalableFilter) Count() uint64 {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	return sf.metadata().TotalItems()
}

// LayerStats describes one tier.
type LayerStats struct {
	SizeBytes uint64
	Capacity  uint64
	Count     uint64
	ErrorRate float64
}

// Layers returns a description of every tier, oldest first.
func (sf *ScalableFilter) Layers() []LayerStats {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	return layerStats(sf.layers)
}

func layerStats(layers []layerOffset) []LayerStats {
	out := make([]LayerStats, len(layers))
	for i, l := range layers {
		out[i] = LayerStats{
			SizeBytes: l.header.Size(),
			Capacity:  l.header.Capacity(),
			Count:     l.header.Count(),
			ErrorRate: l.header.ErrorRate(),
		}
	}
	return out
}

// Describe validates a serialized filter and returns its tiers without
// building a filter from it.
func Describe(data []byte) ([]LayerStats, error) {
	if len(data) < MetadataSize || Metadata(data[:MetadataSize]).Magic() != Magic {
		return nil, fmt.Errorf("bloom: not a bloom filter")
	}

	sf := &ScalableFilter{backing: append([]byte(nil), data...)}
	if err := sf.reloadLayers(); err != nil {
		return nil, err
	}

	return layerStats(sf.layers), nil
}

// HasValidMagic reports whether data starts with the filter magic number.
func HasValidMagic(data []byte) bool {
	return len(data) >= MetadataSize && Metadata(data[:MetadataSize]).Magic() == Magic
}
