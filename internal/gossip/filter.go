package gossip

import (
	"math"

	"github.com/bits-and-blooms/bloom/v3"

	"gossipnet/internal/crds"
	"gossipnet/internal/shuffle"
	"gossipnet/internal/wire"
)

// Pull filters partition the hash space by the top mask_bits bits of
// each value hash's u64 prefix, so one request round can cover the
// whole table with several bounded-size blooms instead of one huge one.
const (
	// MaxBloomSize bounds the encoded bloom payload of one filter so a
	// pull request with worst-case framing still fits in a packet.
	MaxBloomSize = 1018

	filterFalseRate = 0.1
	filterKeys      = 8.0

	// Fixed framing of an encoded filter: bloom m, bloom k, word
	// count, mask, and mask bits.
	filterFrameSize = 8 + 8 + 8 + 8 + 4
)

// bloomBits is the bitset capacity that keeps the whole encoded filter
// within maxBytes. Words are u64, so capacity comes in steps of 64.
func bloomBits(maxBytes int) uint {
	words := (maxBytes - filterFrameSize) / 8
	if words < 1 {
		words = 1
	}
	return uint(words) * 64
}

type CrdsFilter struct {
	Filter   *bloom.BloomFilter
	Mask     uint64
	MaskBits uint32
}

// maxItems inverts the bloom false-positive formula: how many items fit
// in maxBits at the target false rate with numKeys hash functions.
func maxItems(maxBits, falseRate, numKeys float64) float64 {
	m, p, k := maxBits, falseRate, numKeys
	return math.Ceil(m / (-k / math.Log(1-math.Exp(math.Log(p)/k))))
}

func maskBits(numItems, max float64) uint32 {
	if numItems <= 0 || max <= 0 {
		return 0
	}
	b := math.Ceil(math.Log2(numItems / max))
	if b < 0 {
		return 0
	}
	return uint32(b)
}

func computeMask(seed uint64, bits uint32) uint64 {
	if bits == 0 {
		return ^uint64(0)
	}
	return seed<<(64-bits) | ^uint64(0)>>bits
}

func newBloom(items int, maxBytes int) *bloom.BloomFilter {
	if items < 1 {
		items = 1
	}
	m, k := bloom.EstimateParameters(uint(items), filterFalseRate)
	if max := bloomBits(maxBytes); m > max {
		m = max
	}
	return bloom.New(m, k)
}

// NewFilterSet builds 2^mask_bits filters that jointly cover the hash
// space for a table of numItems entries.
func NewFilterSet(numItems, maxBytes int) []*CrdsFilter {
	max := maxItems(float64(bloomBits(maxBytes)), filterFalseRate, filterKeys)
	bits := maskBits(float64(numItems), max)
	n := uint64(1) << bits
	filters := make([]*CrdsFilter, 0, n)
	for seed := uint64(0); seed < n; seed++ {
		filters = append(filters, &CrdsFilter{
			Filter:   newBloom(int(max), maxBytes),
			Mask:     computeMask(seed, bits),
			MaskBits: bits,
		})
	}
	return filters
}

// NewRandFilter builds a single filter over a random partition, used by
// tests and by requests that only probe part of the space.
func NewRandFilter(rng *shuffle.Rng, numItems, maxBytes int) *CrdsFilter {
	max := maxItems(float64(bloomBits(maxBytes)), filterFalseRate, filterKeys)
	bits := maskBits(float64(numItems), max)
	seed := uint64(0)
	if bits > 0 {
		seed = rng.Range(0, uint64(1)<<bits)
	}
	return &CrdsFilter{
		Filter:   newBloom(int(max), maxBytes),
		Mask:     computeMask(seed, bits),
		MaskBits: bits,
	}
}

// TestMask reports whether the hash belongs to this filter's partition.
func (f *CrdsFilter) TestMask(h crds.Hash) bool {
	ones := ^uint64(0)
	if f.MaskBits > 0 {
		ones = ^uint64(0) >> f.MaskBits
	}
	return h.U64Prefix()|ones == f.Mask
}

// Add records a hash if it belongs to this partition.
func (f *CrdsFilter) Add(h crds.Hash) {
	if f.TestMask(h) {
		f.Filter.Add(h[:])
	}
}

// Contains reports whether the requester already has the hash. Hashes
// outside the partition count as present so they are never sent for
// this filter.
func (f *CrdsFilter) Contains(h crds.Hash) bool {
	if !f.TestMask(h) {
		return true
	}
	return f.Filter.Test(h[:])
}

func (f *CrdsFilter) EncodeTo(w *wire.Writer) {
	words := f.Filter.BitSet().Bytes()
	w.U64(uint64(f.Filter.Cap()))
	w.U64(uint64(f.Filter.K()))
	w.U64(uint64(len(words)))
	for _, word := range words {
		w.U64(word)
	}
	w.U64(f.Mask)
	w.U32(f.MaskBits)
}

func DecodeFilter(r *wire.Reader) *CrdsFilter {
	m := r.U64()
	k := r.U64()
	n := r.Len(8)
	if r.Err() != nil {
		return nil
	}
	// A corrupt m would make the bitset allocate; bound it by the
	// bloom cap any honest filter respects.
	if m > uint64(bloomBits(MaxBloomSize)) || k == 0 || k > 64 || uint64(n)*64 < m {
		r.FailCorrupt()
		return nil
	}
	words := make([]uint64, n)
	for i := range words {
		words[i] = r.U64()
	}
	f := &CrdsFilter{
		Filter: bloom.FromWithM(words, uint(m), uint(k)),
		Mask:   r.U64(),
	}
	f.MaskBits = r.U32()
	if r.Err() != nil {
		return nil
	}
	return f
}
