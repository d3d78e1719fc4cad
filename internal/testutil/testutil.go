package testutil

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/embedvault/distance"
)

// RNG is a seeded, concurrency-safe random source.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Intn returns a pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// UniformVectors generates vectors with values in [0, 1).
// Uses a single backing array.
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		out[i] = vec
	}
	return out
}

// UnitVector generates a single L2-normalized random vector.
func (r *RNG) UnitVector(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unitVectorLocked(dim)
}

func (r *RNG) unitVectorLocked(dim int) []float32 {
	vec := make([]float32, dim)
	var norm float64
	for j := range vec {
		v := r.rand.NormFloat64()
		vec[j] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		norm = 1
	}
	inv := float32(1 / math.Sqrt(norm))
	for j := range vec {
		vec[j] *= inv
	}
	return vec
}

// ClusteredVectors generates vectors scattered around clusters unit
// centroids with Gaussian noise of the given spread.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	centroids := make([][]float32, clusters)
	for i := range centroids {
		centroids[i] = r.unitVectorLocked(dim)
	}

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		c := centroids[i%clusters]
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = c[j] + float32(r.rand.NormFloat64())*spread
		}
		out[i] = vec
	}
	return out
}

// ID returns the conventional test id for row i.
func ID(i int) string {
	return fmt.Sprintf("vec-%05d", i)
}

// Rows is an in-memory row source keyed by ID(i).
type Rows struct {
	Vectors [][]float32
	// Err, when set, is returned by Scan after the first row.
	Err error
}

// Len returns the number of rows.
func (r *Rows) Len() int { return len(r.Vectors) }

// Dimension returns the dimension of the first row, or 0.
func (r *Rows) Dimension() int {
	if len(r.Vectors) == 0 {
		return 0
	}
	return len(r.Vectors[0])
}

// Scan calls fn for every row in order.
func (r *Rows) Scan(ctx context.Context, fn func(id string, v []float32) error) error {
	for i, v := range r.Vectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == 1 && r.Err != nil {
			return r.Err
		}
		if err := fn(ID(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Hit is a ground-truth result.
type Hit struct {
	ID       string
	Distance float32
}

// ExactTopK returns the k rows closest to q by brute force.
func ExactTopK(q []float32, vectors [][]float32, k int, fn distance.Func) []Hit {
	hits := make([]Hit, len(vectors))
	for i, v := range vectors {
		hits[i] = Hit{ID: ID(i), Distance: fn(q, v)}
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// Recall is the fraction of truth found in got.
func Recall(truth []Hit, got []string) float64 {
	if len(truth) == 0 {
		if len(got) == 0 {
			return 1
		}
		return 0
	}
	want := make(map[string]struct{}, len(truth))
	for _, h := range truth {
		want[h.ID] = struct{}{}
	}
	hits := 0
	for _, id := range got {
		if _, ok := want[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}
