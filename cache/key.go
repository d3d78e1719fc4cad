package cache

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"

	"github.com/spaolacci/murmur3"
)

// Key identifies a query.
type Key [16]byte

// String returns the hex form of the key.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Params are the result-affecting query parameters folded into a Key.
type Params struct {
	Table        string
	NProbes      int
	RefineFactor int
	// Filters restrict results by metadata; order does not matter.
	Filters map[string]string
}

// KeyFor derives the cache key of a query.
func KeyFor(q []float32, limit int, p Params) Key {
	h := murmur3.New128()
	var buf [8]byte

	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	writeString := func(s string) {
		writeU64(uint64(len(s)))
		_, _ = h.Write([]byte(s))
	}

	writeU64(uint64(len(q)))
	for _, f := range q {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = h.Write(buf[:4])
	}
	writeU64(uint64(limit))
	writeString(p.Table)
	writeU64(uint64(p.NProbes))
	writeU64(uint64(p.RefineFactor))

	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	writeU64(uint64(len(keys)))
	for _, k := range keys {
		writeString(k)
		writeString(p.Filters[k])
	}

	h1, h2 := h.Sum128()
	var key Key
	binary.LittleEndian.PutUint64(key[:8], h1)
	binary.LittleEndian.PutUint64(key[8:], h2)
	return key
}
