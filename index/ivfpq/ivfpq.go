package ivfpq

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/internal/fs"
	"github.com/hupe1980/embedvault/internal/kmeans"
	"github.com/hupe1980/embedvault/internal/mmap"
)

// Algorithm is the name recorded in descriptors built by this package.
const Algorithm = "ivfpq"

const (
	// DefaultNProbes is used when a query does not set NProbes.
	DefaultNProbes = 20
	// DefaultMaxTrainingRows caps the sample k-means trains on.
	DefaultMaxTrainingRows = 50000
)

// ErrDimensionMismatch is returned for queries of the wrong dimension.
var ErrDimensionMismatch = errors.New("ivfpq: dimension mismatch")

// Option configures a Builder.
type Option func(*Builder)

// WithFileSystem sets the file system artifacts are written through.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(b *Builder) {
		if fsys != nil {
			b.fs = fsys
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMaxTrainingRows caps the number of rows sampled for training.
func WithMaxTrainingRows(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxTrain = n
		}
	}
}

// Builder builds and loads IVF-PQ indexes.
type Builder struct {
	fs       fs.FileSystem
	logger   *slog.Logger
	maxTrain int
}

var _ index.Builder = (*Builder)(nil)

// NewBuilder returns a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		fs:       fs.Default,
		logger:   slog.New(slog.DiscardHandler),
		maxTrain: DefaultMaxTrainingRows,
	}
	for _, fn := range opts {
		fn(b)
	}
	return b
}

// Algorithm implements index.Builder.
func (b *Builder) Algorithm() string { return Algorithm }

// coarseMetric is the metric partitions are trained and probed with.
// Cosine vectors are normalized up front, so L2 ranks them identically.
func coarseMetric(m distance.Metric) distance.Metric {
	if m == distance.MetricDot {
		return distance.MetricDot
	}
	return distance.MetricL2
}

// Build trains on rows, writes the artifact durably and returns it mapped.
func (b *Builder) Build(ctx context.Context, req index.BuildRequest, rows index.RowSource) (index.Index, error) {
	dim := req.Dimension
	metric := req.Params.Metric

	ids := make([]string, 0, rows.Len())
	vecs := make([]float32, 0, rows.Len()*dim)
	err := rows.Scan(ctx, func(id string, v []float32) error {
		if len(v) != dim {
			return fmt.Errorf("%w: row %q has %d dimensions, want %d", ErrDimensionMismatch, id, len(v), dim)
		}
		start := len(vecs)
		vecs = append(vecs, v...)
		if metric == distance.MetricCosine {
			distance.NormalizeL2InPlace(vecs[start:])
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ix, err := b.train(ctx, req, ids, vecs)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(req.Dir, req.Artifact)
	if err := writeArtifact(b.fs, path, ix); err != nil {
		return nil, err
	}
	b.logger.Debug("ivfpq artifact written", "path", path, "rows", len(ids), "partitions", ix.nlist, "sub_vectors", ix.pq.m)
	return openArtifact(path)
}

func (b *Builder) train(ctx context.Context, req index.BuildRequest, ids []string, vecs []float32) (*Index, error) {
	dim := req.Dimension
	n := len(ids)
	metric := req.Params.Metric
	m := subVectorCount(dim, req.Params.SubVectors)

	ix := &Index{metric: metric, dim: dim, ids: ids}

	train, nTrain := vecs, n
	if n > b.maxTrain {
		rng := rand.New(rand.NewSource(req.Seed))
		nTrain = b.maxTrain
		train = make([]float32, nTrain*dim)
		for i, p := range rng.Perm(n)[:nTrain] {
			copy(train[i*dim:(i+1)*dim], vecs[p*dim:(p+1)*dim])
		}
	}

	if n > 0 {
		centroids, err := kmeans.Train(ctx, train, dim, kmeans.Config{
			K:      req.Params.Partitions,
			Metric: coarseMetric(metric),
			Seed:   req.Seed,
		})
		if err != nil {
			return nil, err
		}
		ix.centroids = centroids
		ix.nlist = len(centroids) / dim
	}

	pq, err := trainPQ(ctx, train, nTrain, dim, m, req.Params.BitWidth, req.Seed)
	if err != nil {
		return nil, err
	}
	ix.pq = pq

	ix.postings = make([]*roaring.Bitmap, ix.nlist)
	for p := range ix.postings {
		ix.postings[p] = roaring.New()
	}
	ix.codes = make([]byte, n*m)
	for i := 0; i < n; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v := vecs[i*dim : (i+1)*dim]
		p, err := kmeans.Assign(v, ix.centroids, dim, coarseMetric(metric))
		if err != nil {
			return nil, err
		}
		ix.postings[p].Add(uint32(i))
		pq.encode(v, ix.codes[i*m:(i+1)*m])
	}
	return ix, nil
}

// Load maps a previously built artifact.
func (b *Builder) Load(_ context.Context, d *index.Descriptor, dir string) (index.Index, error) {
	ix, err := openArtifact(filepath.Join(dir, d.Artifact))
	if err != nil {
		return nil, err
	}
	p, err := d.Params()
	if err != nil || ix.dim != d.Dimension || ix.Len() != d.RowCount || ix.metric != p.Metric {
		_ = ix.Close()
		return nil, fmt.Errorf("%w: artifact does not match descriptor %s", ErrCorruptArtifact, d.BuildID)
	}
	return ix, nil
}

// Index is a loaded IVF-PQ index.
type Index struct {
	metric    distance.Metric
	dim       int
	nlist     int
	centroids []float32
	pq        *productQuantizer
	codes     []byte
	postings  []*roaring.Bitmap
	ids       []string

	mapping     *mmap.Mapping
	codesRegion *mmap.Region
	closed      atomic.Bool
}

var _ index.Index = (*Index)(nil)

// Len returns the number of indexed rows.
func (ix *Index) Len() int { return len(ix.ids) }

// Partitions returns the number of IVF partitions.
func (ix *Index) Partitions() int { return ix.nlist }

// PartitionSizes returns the member count of every partition.
func (ix *Index) PartitionSizes() []int {
	out := make([]int, ix.nlist)
	for i, p := range ix.postings {
		out[i] = int(p.GetCardinality())
	}
	return out
}

type scored struct {
	row  uint32
	dist float32
}

// worstFirst is a max-heap on distance; ties keep the lower row.
type worstFirst []scored

func (h worstFirst) Len() int { return len(h) }
func (h worstFirst) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].row > h[j].row
}
func (h worstFirst) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)   { *h = append(*h, x.(scored)) }
func (h *worstFirst) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// Search returns up to k*RefineFactor candidates by approximate distance.
func (ix *Index) Search(ctx context.Context, q []float32, k int, p index.SearchParams) ([]index.Candidate, error) {
	if ix.closed.Load() {
		return nil, mmap.ErrClosed
	}
	if len(q) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(q), ix.dim)
	}
	if k <= 0 || len(ix.ids) == 0 {
		return nil, nil
	}

	fetch := k * max(1, p.RefineFactor)
	nprobes := p.NProbes
	if nprobes <= 0 {
		nprobes = DefaultNProbes
	}

	query := q
	if ix.metric == distance.MetricCosine {
		if nq, ok := distance.NormalizeL2Copy(q); ok {
			query = nq
		}
	}

	probes, err := kmeans.Closest(query, ix.centroids, ix.dim, nprobes, coarseMetric(ix.metric))
	if err != nil {
		return nil, err
	}
	table := ix.pq.distanceTable(query, coarseMetric(ix.metric))
	m := ix.pq.m

	h := make(worstFirst, 0, fetch+1)
	visited := 0
	for _, pid := range probes {
		ix.postings[pid].Iterate(func(row uint32) bool {
			visited++
			if visited%4096 == 0 && ctx.Err() != nil {
				return false
			}
			d := ix.pq.adc(table, ix.codes[int(row)*m:(int(row)+1)*m])
			if len(h) < fetch {
				heap.Push(&h, scored{row: row, dist: d})
			} else if d < h[0].dist || (d == h[0].dist && row < h[0].row) {
				h[0] = scored{row: row, dist: d}
				heap.Fix(&h, 0)
			}
			return true
		})
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	slices.SortFunc(h, func(a, b scored) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		default:
			return int(a.row) - int(b.row)
		}
	})

	out := make([]index.Candidate, len(h))
	for i, s := range h {
		d := s.dist
		if ix.metric == distance.MetricCosine {
			// Squared L2 between unit vectors is twice the cosine distance.
			d /= 2
		}
		out[i] = index.Candidate{ID: ix.ids[s.row], Distance: d}
	}
	return out, nil
}

// Prewarm advises the kernel to fault in the codes section and touches
// every page of it.
func (ix *Index) Prewarm(ctx context.Context) error {
	if ix.closed.Load() {
		return mmap.ErrClosed
	}
	if ix.codesRegion == nil {
		return nil
	}
	if err := ix.codesRegion.Advise(mmap.AdviseWillNeed); err != nil {
		return err
	}
	const page = 4096
	var sink byte
	for off := 0; off < len(ix.codes); off += page {
		if off%(page*256) == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		sink ^= ix.codes[off]
	}
	_ = sink
	return nil
}

// Close unmaps the artifact.
func (ix *Index) Close() error {
	if ix.closed.Swap(true) {
		return nil
	}
	if ix.mapping != nil {
		return ix.mapping.Close()
	}
	return nil
}
