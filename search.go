package embedvault

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/embedvault/cache"
	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/store"
)

// Result is one ranked hit: the id, where its content lives and a
// higher-is-better score.
type Result = cache.Result

// filterOverfetch widens the ANN candidate set when metadata filters will
// discard some of it.
const filterOverfetch = 4

// exactProbes marks exact-scan queries in cache keys.
const exactProbes = -1

// Search returns the limit nearest neighbours of q, best first.
//
// Repeated queries are answered from the cache. Concurrent identical misses
// share one execution. Without a servable index the query scans every row.
func (v *Vault) Search(ctx context.Context, q []float32, limit int, optFns ...SearchOption) ([]Result, error) {
	start := time.Now()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	dim := int(v.dim.Load())
	if dim == 0 {
		return nil, nil
	}
	if len(q) != dim {
		err := &ErrDimensionMismatch{Expected: dim, Actual: len(q)}
		v.metrics.RecordSearch(limit, time.Since(start), false, err)
		return nil, err
	}

	so := searchOptions{nprobes: v.opts.nprobes, refineFactor: v.opts.refineFactor}
	for _, fn := range optFns {
		fn(&so)
	}
	so.filters = cloneFilters(so.filters)

	params := cache.Params{
		Table:        DefaultTable,
		NProbes:      so.nprobes,
		RefineFactor: so.refineFactor,
		Filters:      so.filters,
	}
	if so.exact {
		params.NProbes, params.RefineFactor = exactProbes, 0
	}
	key := cache.KeyFor(q, limit, params)

	if !so.noCache {
		res, ok := v.cache.Get(key)
		v.metrics.RecordCacheLookup(ok)
		if ok {
			v.metrics.RecordSearch(limit, time.Since(start), false, nil)
			v.logger.LogSearch(ctx, limit, len(res), true, nil)
			return res, nil
		}
	}

	flight := key.String()
	if so.noCache {
		flight += "/nocache"
	}
	// The shared execution outlives any single caller's cancellation; each
	// caller stops waiting on its own ctx. Closing the vault still stops it.
	ch := v.sf.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(v.bgCtx, cancel)
		defer stop()

		res, exact, err := v.query(fctx, q, limit, so)
		if err != nil {
			return nil, err
		}
		if !so.noCache {
			v.cache.Put(key, res)
		}
		return searchOutcome{results: res, exact: exact}, nil
	})

	var (
		out any
		err error
	)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case r := <-ch:
		out, err = r.Val, r.Err
	}
	if err != nil {
		v.metrics.RecordSearch(limit, time.Since(start), false, err)
		v.logger.LogSearch(ctx, limit, 0, false, err)
		return nil, err
	}

	o := out.(searchOutcome)
	res := slices.Clone(o.results)
	v.metrics.RecordSearch(limit, time.Since(start), o.exact, nil)
	v.logger.LogSearch(ctx, limit, len(res), false, nil)
	return res, nil
}

type searchOutcome struct {
	results []Result
	exact   bool
}

// query runs the ANN search and refines its candidates against the stored
// vectors, falling back to an exact scan when no index is servable.
func (v *Vault) query(ctx context.Context, q []float32, limit int, so searchOptions) ([]Result, bool, error) {
	if !so.exact {
		fetch := limit
		if len(so.filters) > 0 {
			fetch *= filterOverfetch
		}
		cands, err := v.idx.Search(ctx, DefaultTable, q, fetch, index.SearchParams{
			NProbes:      so.nprobes,
			RefineFactor: so.refineFactor,
		})
		switch {
		case err == nil:
			res, err := v.refine(ctx, q, limit, cands, so.filters)
			return res, false, err
		case !errors.Is(err, index.ErrNoIndex):
			return nil, false, translateError(err)
		}
	}
	res, err := v.scan(ctx, q, limit, so.filters)
	return res, true, err
}

// refine re-scores ANN candidates with exact distances. Candidates deleted
// since the index was built are skipped.
func (v *Vault) refine(ctx context.Context, q []float32, limit int, cands []index.Candidate, filters map[string]string) ([]Result, error) {
	top := newTopK(limit)
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, ok := v.log.Metadata(c.ID)
		if !ok || !matchesFilters(meta, filters) {
			continue
		}
		e, err := v.st.Entry(c.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, translateError(err)
		}
		var d float32
		err = v.st.Read(c.ID, func(b []byte) error {
			vec, derr := compress.DecodeBinary(b)
			if derr != nil {
				return derr
			}
			d = v.dist(q, vec)
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, translateError(fmt.Errorf("refine %q: %w", c.ID, err))
		}
		top.offer(hit{entry: e, meta: meta, dist: d})
	}
	return v.results(top), nil
}

// scan computes exact distances against every stored vector.
func (v *Vault) scan(ctx context.Context, q []float32, limit int, filters map[string]string) ([]Result, error) {
	top := newTopK(limit)
	err := v.st.Scan(ctx, func(e store.Entry, b []byte) error {
		meta, ok := v.log.Metadata(e.ID)
		if !ok || !matchesFilters(meta, filters) {
			return nil
		}
		vec, err := compress.DecodeBinary(b)
		if err != nil {
			return fmt.Errorf("scan %q: %w", e.ID, err)
		}
		top.offer(hit{entry: e, meta: meta, dist: v.dist(q, vec)})
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return v.results(top), nil
}

func (v *Vault) results(top *topK) []Result {
	hits := top.sorted()
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{
			ID:      h.entry.ID,
			Locator: locator(h.entry, h.meta),
			Score:   distance.Similarity(v.opts.metric, h.dist),
		}
	}
	return out
}

// locator is the metadata path when present, otherwise the byte range of
// the payload in the data file.
func locator(e store.Entry, meta map[string]string) string {
	if p := strings.TrimSpace(meta["path"]); p != "" {
		return p
	}
	return fmt.Sprintf("%s@%d+%d", store.DataFileName, e.Offset, e.Size)
}

type hit struct {
	entry store.Entry
	meta  map[string]string
	dist  float32
}

// worse orders hits by distance, then by id.
func worse(a, b hit) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.entry.ID > b.entry.ID
}

// topK keeps the k best hits in a max-heap on distance.
type topK struct {
	k int
	h hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(hitHeap, 0, k+1)}
}

func (t *topK) offer(x hit) {
	if len(t.h) < t.k {
		heap.Push(&t.h, x)
		return
	}
	if worse(t.h[0], x) {
		t.h[0] = x
		heap.Fix(&t.h, 0)
	}
}

func (t *topK) sorted() []hit {
	out := slices.Clone([]hit(t.h))
	slices.SortFunc(out, func(a, b hit) int {
		switch {
		case worse(b, a):
			return -1
		case worse(a, b):
			return 1
		default:
			return 0
		}
	})
	return out
}

type hitHeap []hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
