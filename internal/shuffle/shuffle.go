// Package shuffle provides the deterministic weighted ordering
// primitives used for push-set rotation, pull-response scheduling and
// broadcast-tree construction. Given the same seed and weights, every
// node computes the same order with no coordination.
package shuffle

import (
	"encoding/binary"
	"math/bits"
	"math/rand"
	"sort"

	"golang.org/x/crypto/chacha20"
)

// Rng is a deterministic stream of uniform values seeded from 32 bytes.
type Rng struct {
	cipher *chacha20.Cipher
}

func NewRng(seed [32]byte) *Rng {
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		panic(err)
	}
	return &Rng{cipher: c}
}

func (r *Rng) Uint64() uint64 {
	var b [8]byte
	r.cipher.XORKeyStream(b[:], b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Range returns a value in [lo, hi).
func (r *Rng) Range(lo, hi uint64) uint64 {
	return lo + r.Uint64()%(hi-lo)
}

// Each index gets sort key (total/weight) * uniform[1, 2^16-1); smaller
// keys come first, so heavier weights tend to the front. The product can
// exceed 64 bits, kept as a (hi, lo) pair.
type shuffleKey struct {
	idx int
	hi  uint64
	lo  uint64
}

func keyLess(a, b shuffleKey) bool {
	if a.hi != b.hi {
		return a.hi < b.hi
	}
	return a.lo < b.lo
}

const maxWeightFactor = 1<<16 - 1

// WeightedShuffle returns the indices of weights in weighted random
// order for the given seed. Zero weights count as 1 so every index
// appears.
func WeightedShuffle(weights []uint64, seed [32]byte) []int {
	if len(weights) == 0 {
		return nil
	}
	total := totalWeight(weights)
	rng := NewRng(seed)
	keys := make([]shuffleKey, len(weights))
	for i, w := range weights {
		if w == 0 {
			w = 1
		}
		factor := rng.Range(1, maxWeightFactor)
		hi, lo := bits.Mul64(total/w, factor)
		keys[i] = shuffleKey{idx: i, hi: hi, lo: lo}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	out := make([]int, len(keys))
	for i, k := range keys {
		out[i] = k.idx
	}
	return out
}

// WeightedBest returns the index that would come first in
// WeightedShuffle, without building the whole order.
func WeightedBest(weights []uint64, seed [32]byte) int {
	if len(weights) == 0 {
		return 0
	}
	total := totalWeight(weights)
	rng := NewRng(seed)
	best := 0
	bestKey := shuffleKey{hi: ^uint64(0), lo: ^uint64(0)}
	for i, w := range weights {
		if w == 0 {
			w = 1
		}
		factor := rng.Range(1, maxWeightFactor)
		hi, lo := bits.Mul64(total/w, factor)
		k := shuffleKey{idx: i, hi: hi, lo: lo}
		if keyLess(k, bestKey) {
			best = i
			bestKey = k
		}
	}
	return best
}

func totalWeight(weights []uint64) uint64 {
	var total uint64
	for _, w := range weights {
		if w == 0 {
			w = 1
		}
		next := total + w
		if next < total {
			return ^uint64(0)
		}
		total = next
	}
	return total
}

// SampleWeighted draws one index with probability proportional to its
// weight, using the caller's rng. Returns -1 when all weights are zero.
func SampleWeighted(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return -1
	}
	x := rng.Float64() * total
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if x < w {
			return i
		}
		x -= w
	}
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return -1
}
