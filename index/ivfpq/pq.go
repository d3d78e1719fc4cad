package ivfpq

import (
	"context"
	"errors"

	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/internal/kmeans"
)

// productQuantizer splits vectors into m sub-vectors and encodes each as the
// index of its nearest codebook entry. Codebooks are flat: entry k of
// sub-space s starts at ((s*ksub)+k)*subDim.
type productQuantizer struct {
	dim       int
	m         int
	subDim    int
	ksub      int
	codebooks []float32
}

// subVectorCount returns the largest divisor of dim not above want.
func subVectorCount(dim, want int) int {
	if want <= 0 {
		want = 1
	}
	if want > dim {
		want = dim
	}
	for m := want; m > 1; m-- {
		if dim%m == 0 {
			return m
		}
	}
	return 1
}

func trainPQ(ctx context.Context, vectors []float32, n, dim, m, bitWidth int, seed int64) (*productQuantizer, error) {
	if bitWidth <= 0 || bitWidth > 8 {
		return nil, errors.New("ivfpq: bit width must be in [1, 8]")
	}
	pq := &productQuantizer{
		dim:    dim,
		m:      m,
		subDim: dim / m,
		ksub:   min(1<<bitWidth, n),
	}
	if n == 0 {
		return pq, nil
	}

	pq.codebooks = make([]float32, m*pq.ksub*pq.subDim)
	sub := make([]float32, n*pq.subDim)
	for s := 0; s < m; s++ {
		off := s * pq.subDim
		for i := 0; i < n; i++ {
			copy(sub[i*pq.subDim:(i+1)*pq.subDim], vectors[i*dim+off:i*dim+off+pq.subDim])
		}
		cb, err := kmeans.Train(ctx, sub, pq.subDim, kmeans.Config{
			K:       pq.ksub,
			MaxIter: 20,
			Metric:  distance.MetricL2,
			Seed:    seed + int64(s),
		})
		if err != nil {
			return nil, err
		}
		copy(pq.codebooks[s*pq.ksub*pq.subDim:], cb)
	}
	return pq, nil
}

func (pq *productQuantizer) codebook(s int) []float32 {
	n := pq.ksub * pq.subDim
	return pq.codebooks[s*n : (s+1)*n]
}

// encode writes the m codes of vec into dst.
func (pq *productQuantizer) encode(vec []float32, dst []byte) {
	for s := 0; s < pq.m; s++ {
		sv := vec[s*pq.subDim : (s+1)*pq.subDim]
		cb := pq.codebook(s)
		best, bestDist := 0, float32(-1)
		for k := 0; k < pq.ksub; k++ {
			d := distance.SquaredL2(sv, cb[k*pq.subDim:(k+1)*pq.subDim])
			if bestDist < 0 || d < bestDist {
				best, bestDist = k, d
			}
		}
		dst[s] = byte(best)
	}
}

// decode reconstructs the approximate vector for codes.
func (pq *productQuantizer) decode(codes []byte) []float32 {
	out := make([]float32, pq.dim)
	for s := 0; s < pq.m; s++ {
		k := int(codes[s])
		copy(out[s*pq.subDim:(s+1)*pq.subDim], pq.codebook(s)[k*pq.subDim:(k+1)*pq.subDim])
	}
	return out
}

// distanceTable precomputes the per-sub-space distances from q to every
// codebook entry. For the dot metric the entries are negated inner products
// so that the sum over sub-spaces stays smaller-is-closer.
func (pq *productQuantizer) distanceTable(q []float32, metric distance.Metric) []float32 {
	table := make([]float32, pq.m*pq.ksub)
	for s := 0; s < pq.m; s++ {
		qs := q[s*pq.subDim : (s+1)*pq.subDim]
		cb := pq.codebook(s)
		for k := 0; k < pq.ksub; k++ {
			c := cb[k*pq.subDim : (k+1)*pq.subDim]
			if metric == distance.MetricDot {
				table[s*pq.ksub+k] = -distance.Dot(qs, c)
			} else {
				table[s*pq.ksub+k] = distance.SquaredL2(qs, c)
			}
		}
	}
	return table
}

// adc sums the table entries selected by codes.
func (pq *productQuantizer) adc(table []float32, codes []byte) float32 {
	var sum float32
	for s, c := range codes {
		sum += table[s*pq.ksub+int(c)]
	}
	return sum
}
