package persistence

import (
	"math"

	"github.com/zeebo/xxh3"
)

const maxBloomHashes = 10

// BloomFilter is an in-memory filter kept next to each mapped table. It is
// rebuilt when a table is opened and never written to disk.
type BloomFilter struct {
	bits   []uint64
	size   uint64
	hashes uint64
}

// NewBloomFilter sizes a filter for expectedItems keys at falsePositiveRate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	size := calculateOptimalSize(expectedItems, falsePositiveRate)

	return &BloomFilter{
		bits:   make([]uint64, (size+63)/64),
		size:   size,
		hashes: calculateHashCount(expectedItems, size),
	}
}

// Add adds a key to the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := uint64(0); i < bf.hashes; i++ {
		idx := (h1 + i*h2) % bf.size
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MayContain reports false only if key was never added.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bloomHashes(key)
	for i := uint64(0); i < bf.hashes; i++ {
		idx := (h1 + i*h2) % bf.size
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// bloomHashes derives the two base hashes of double hashing from one xxh3 sum.
func bloomHashes(key []byte) (uint64, uint64) {
	sum := xxh3.Hash(key)
	return sum & 0xffffffff, (sum >> 32) | 1
}

// m = -(n * ln(p)) / (ln(2)^2)
func calculateOptimalSize(expectedItems int, falsePositiveRate float64) uint64 {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := -float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return uint64(math.Ceil(m))
}

// k = (m/n) * ln(2)
func calculateHashCount(expectedItems int, size uint64) uint64 {
	k := uint64(math.Round(float64(size) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxBloomHashes {
		k = maxBloomHashes
	}
	return k
}
