package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"

	"github.com/hupe1980/embedvault/distance"
)

// ErrNoData is returned when there are no vectors to cluster.
var ErrNoData = errors.New("kmeans: no training vectors")

// Config controls training.
type Config struct {
	K       int
	MaxIter int
	Metric  distance.Metric
	Seed    int64
}

// Train learns up to cfg.K centroids from the flattened vectors (n*dim).
// When there are fewer vectors than K, every vector becomes a centroid.
// It returns the flattened centroids.
func Train(ctx context.Context, vectors []float32, dim int, cfg Config) ([]float32, error) {
	if dim <= 0 || len(vectors) < dim {
		return nil, ErrNoData
	}
	distFunc, err := distance.Provider(cfg.Metric)
	if err != nil {
		return nil, err
	}

	n := len(vectors) / dim
	k := cfg.K
	if k <= 0 {
		k = 1
	}
	if k > n {
		k = n
	}
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = 25
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	centroids := make([]float32, k*dim)
	for i, p := range rng.Perm(n)[:k] {
		copy(centroids[i*dim:(i+1)*dim], vectors[p*dim:(p+1)*dim])
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false
		for i := 0; i < n; i++ {
			best := nearest(vectors[i*dim:(i+1)*dim], centroids, dim, distFunc)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			row := sums[c*dim : (c+1)*dim]
			for d := range row {
				row[d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Reseed an empty cluster from a random point.
				p := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[p*dim:(p+1)*dim])
				continue
			}
			scale := 1 / float32(counts[j])
			for d := 0; d < dim; d++ {
				centroids[j*dim+d] = sums[j*dim+d] * scale
			}
		}
	}

	return centroids, nil
}

func nearest(vec, centroids []float32, dim int, fn distance.Func) int {
	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j*dim < len(centroids); j++ {
		if d := fn(vec, centroids[j*dim:(j+1)*dim]); d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// Assign returns the index of the closest centroid.
func Assign(vec, centroids []float32, dim int, metric distance.Metric) (int, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return -1, err
	}
	if len(centroids) < dim {
		return -1, ErrNoData
	}
	return nearest(vec, centroids, dim, fn), nil
}

// Closest returns the indices of the n closest centroids, nearest first.
func Closest(query, centroids []float32, dim, n int, metric distance.Metric) ([]int, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	type cd struct {
		id   int
		dist float32
	}
	dists := make([]cd, k)
	for i := 0; i < k; i++ {
		dists[i] = cd{id: i, dist: fn(query, centroids[i*dim:(i+1)*dim])}
	}
	slices.SortFunc(dists, func(a, b cd) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		default:
			return a.id - b.id
		}
	})

	out := make([]int, n)
	for i := range out {
		out[i] = dists[i].id
	}
	return out, nil
}
