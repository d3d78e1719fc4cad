package embedvault

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/embedvault/cache"
	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/index/ivfpq"
	"github.com/hupe1980/embedvault/store"
	"github.com/hupe1980/embedvault/versionlog"
)

// IndexDirName is the directory under the vault root holding index
// descriptors and artifacts.
const IndexDirName = "indexes"

// Vault is an embedding store with a persisted ANN index, a query cache and
// a versioned update log.
//
// All methods are safe for concurrent use.
type Vault struct {
	dir     string
	opts    options
	logger  *Logger
	metrics MetricsCollector

	codec *compress.Codec
	st    *store.Store
	log   *versionlog.Log
	idx   *index.Manager
	cache *cache.Cache
	dist  distance.Func

	dim atomic.Int64
	sf  singleflight.Group

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Open opens or creates the vault rooted at dir. A persisted index whose
// descriptor still matches the data is reused.
func Open(ctx context.Context, dir string, optFns ...Option) (*Vault, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.buildParams.Metric = opts.metric

	dist, err := distance.Provider(opts.metric)
	if err != nil {
		return nil, err
	}
	if err := opts.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	c, err := compress.New(compress.WithAlgorithm(opts.compression), compress.WithLevel(opts.compressionLevel))
	if err != nil {
		return nil, err
	}

	slogger := opts.logger.Logger
	st, err := store.Open(dir,
		store.WithMaxFileSize(opts.maxFileSize),
		store.WithDurability(opts.durability),
		store.WithFileSystem(opts.fs),
		store.WithLogger(slogger),
		store.WithCodec(opts.codec),
	)
	if err != nil {
		return nil, translateError(err)
	}

	log, err := versionlog.Open(filepath.Join(dir, versionlog.FileName), st, c,
		versionlog.WithLogger(slogger),
		versionlog.WithFileSystem(opts.fs),
		versionlog.WithSyncWrites(opts.durability == store.SyncAlways),
		versionlog.WithLatencyWindow(opts.latencyWindow),
		versionlog.WithReconcile(opts.reconcileOnOpen),
	)
	if err != nil {
		_ = st.Close()
		return nil, translateError(err)
	}

	v := &Vault{
		dir:     dir,
		opts:    opts,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
		codec:   c,
		st:      st,
		log:     log,
		dist:    dist,
		cache: cache.New(
			cache.WithTTL(opts.cacheTTL),
			cache.WithMaxEntries(opts.cacheMaxEntries),
			cache.WithClock(opts.now),
		),
	}
	v.bgCtx, v.bgCancel = context.WithCancel(context.Background())

	if err := v.initDimension(); err != nil {
		_ = v.closeStorage()
		return nil, err
	}

	v.idx = index.NewManager(filepath.Join(dir, IndexDirName),
		ivfpq.NewBuilder(
			ivfpq.WithFileSystem(opts.fs),
			ivfpq.WithLogger(slogger),
			ivfpq.WithMaxTrainingRows(opts.maxTrainingRows),
		),
		v.rowSource,
		index.WithBuildParams(opts.buildParams),
		index.WithDriftTolerance(opts.driftTolerance),
		index.WithBuildTimeout(opts.buildTimeout),
		index.WithSeed(opts.seed),
		index.WithLogger(slogger),
		index.WithFileSystem(opts.fs),
		index.WithCodec(opts.codec),
		index.WithResources(opts.resources),
		index.WithClock(opts.now),
	)

	if _, err := v.idx.Descriptors().Current(DefaultTable); err == nil && v.dim.Load() > 0 {
		if _, err := v.EnsureIndex(ctx, false); err != nil {
			v.logger.WarnContext(ctx, "persisted index unusable, queries scan until rebuilt", "error", err)
		}
	}

	if opts.cacheTTL > 0 {
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.cache.RunJanitor(v.bgCtx, opts.cacheTTL)
		}()
	}

	v.logger.InfoContext(ctx, "vault opened",
		"dir", dir,
		"entries", st.Len(),
		"dimension", v.dim.Load(),
		"version", log.CurrentVersion(),
	)
	return v, nil
}

// initDimension takes the dimension from the options or the stored data and
// rejects data that disagrees with a configured dimension.
func (v *Vault) initDimension() error {
	stored := 0
	for _, id := range v.st.IDs() {
		e, err := v.st.Entry(id)
		if err != nil {
			continue
		}
		stored = e.Dimension
		break
	}
	want := v.opts.dimension
	if want < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDimension, want)
	}
	if want != 0 && stored != 0 && stored != want {
		return &ErrDimensionMismatch{Expected: want, Actual: stored}
	}
	if want == 0 {
		want = stored
	}
	v.dim.Store(int64(want))
	return nil
}

// checkDimension validates a vector of length n, fixing the vault dimension
// on the first write when none is configured. fixed reports whether this call
// fixed it; see releaseDimension.
func (v *Vault) checkDimension(n int) (fixed bool, err error) {
	if n == 0 {
		return false, fmt.Errorf("%w: empty vector", ErrInvalidDimension)
	}
	if v.dim.CompareAndSwap(0, int64(n)) {
		return true, nil
	}
	if want := int(v.dim.Load()); want != n {
		return false, &ErrDimensionMismatch{Expected: want, Actual: n}
	}
	return false, nil
}

// releaseDimension undoes a dimension fixed by a write that failed, as long as
// the store is still empty.
func (v *Vault) releaseDimension(n int) {
	if v.st.Len() == 0 {
		v.dim.CompareAndSwap(int64(n), 0)
	}
}

// Dimension returns the vault dimension, 0 while it is still unknown.
func (v *Vault) Dimension() int { return int(v.dim.Load()) }

// Dir returns the vault root directory.
func (v *Vault) Dir() string { return v.dir }

func (v *Vault) checkOpen() error {
	if v.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Put stores vec and metadata under id, replacing any previous content.
// Writing the content id already holds is acknowledged without a new log
// entry.
func (v *Vault) Put(ctx context.Context, id string, vec []float32, metadata map[string]string) error {
	start := time.Now()
	if err := v.checkOpen(); err != nil {
		return err
	}
	fixed, err := v.checkDimension(len(vec))
	if err != nil {
		v.metrics.RecordPut(time.Since(start), false, err)
		return err
	}

	res, err := v.log.Upsert(ctx, id, vec, metadata)
	err = translateError(err)
	if err != nil && fixed {
		v.releaseDimension(len(vec))
	}
	v.metrics.RecordPut(time.Since(start), res.Unchanged, err)
	v.logger.LogPut(ctx, id, len(vec), res.Latency, err)
	if err != nil {
		return err
	}
	if !res.Unchanged {
		v.afterWrite()
	}
	return nil
}

// Item is one entry of a batch write.
type Item struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// BatchResult reports the outcome of PutBatch. Errors[i] belongs to items[i].
type BatchResult struct {
	Errors []error
	Failed int
}

// Err returns the first error of the batch, or nil.
func (r BatchResult) Err() error {
	for _, err := range r.Errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// PutBatch writes items concurrently. Items are independent: a failed item
// does not undo the others. Ids within one batch should be distinct;
// duplicates are applied in unspecified order.
func (v *Vault) PutBatch(ctx context.Context, items []Item) BatchResult {
	res := BatchResult{Errors: make([]error, len(items))}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range items {
		g.Go(func() error {
			res.Errors[i] = v.Put(ctx, items[i].ID, items[i].Vector, items[i].Metadata)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range res.Errors {
		if err != nil {
			res.Failed++
		}
	}
	v.logger.LogBatchPut(ctx, len(items), res.Failed)
	return res
}

// Delete removes id.
func (v *Vault) Delete(ctx context.Context, id string) error {
	start := time.Now()
	if err := v.checkOpen(); err != nil {
		return err
	}
	err := translateError(v.log.Delete(ctx, id))
	v.metrics.RecordDelete(time.Since(start), err)
	v.logger.LogDelete(ctx, id, err)
	if err != nil {
		return err
	}
	v.afterWrite()
	return nil
}

// Get returns the vector stored under id.
func (v *Vault) Get(ctx context.Context, id string) ([]float32, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var vec []float32
	err := v.st.Read(id, func(b []byte) error {
		var derr error
		vec, derr = compress.DecodeBinary(b)
		return derr
	})
	if err != nil {
		return nil, translateError(fmt.Errorf("get %q: %w", id, err))
	}
	return vec, nil
}

// Metadata returns the metadata stored with id.
func (v *Vault) Metadata(id string) (map[string]string, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	meta, ok := v.log.Metadata(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return meta, nil
}

// Contains reports whether id is stored.
func (v *Vault) Contains(id string) bool {
	return v.st.Contains(id)
}

// Len returns the number of stored ids.
func (v *Vault) Len() int {
	return v.st.Len()
}

// VerifyReport lists the payloads whose checksum or envelope did not verify.
type VerifyReport struct {
	Checked int
	Corrupt []string
}

// Verify decodes every stored payload and checks its checksum.
func (v *Vault) Verify(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	if err := v.checkOpen(); err != nil {
		return report, err
	}
	err := v.st.Scan(ctx, func(e store.Entry, b []byte) error {
		report.Checked++
		if _, err := compress.DecodeBinary(b); err != nil {
			v.logger.Warn("payload failed verification", "id", e.ID, "error", err)
			report.Corrupt = append(report.Corrupt, e.ID)
		}
		return nil
	})
	return report, translateError(err)
}

// afterWrite applies the cache policy and the automatic rebuild trigger.
func (v *Vault) afterWrite() {
	if v.opts.invalidateOnWrite {
		v.cache.Clear()
	}
	if !v.opts.autoRebuild {
		return
	}
	n := v.st.Len()
	if n < v.opts.minIndexRows || v.idx.Rebuilding(DefaultTable) || !v.idx.CheckDrift(DefaultTable, n) {
		return
	}
	v.logger.Info("row count drifted past tolerance, rebuilding index", "rows", n)
	v.startRebuild(v.bgCtx)
}

// EnsureIndex makes the ANN index servable, reusing the persisted one when
// its descriptor matches the current data. force always rebuilds.
func (v *Vault) EnsureIndex(ctx context.Context, force bool) (time.Duration, error) {
	if err := v.checkOpen(); err != nil {
		return 0, err
	}
	if v.dim.Load() == 0 {
		return 0, fmt.Errorf("%w: %w: vault is empty", ErrIndexBuildFailure, ErrInvalidDimension)
	}
	before := v.idx.Stats().Builds
	elapsed, err := v.idx.EnsureIndex(ctx, DefaultTable, force)
	err = translateError(err)
	built := v.idx.Stats().Builds > before
	v.metrics.RecordIndexEnsure(built, elapsed, err)

	buildID := ""
	if d := v.idx.Current(DefaultTable); d != nil {
		buildID = d.BuildID
	}
	v.logger.LogIndexEnsure(ctx, buildID, elapsed, err)
	if err == nil && built && v.opts.invalidateOnWrite {
		v.cache.Clear()
	}
	return elapsed, err
}

// RebuildIndexAsync rebuilds the index in the background. Queries keep using
// the previous index until the new one is swapped in. The channel receives
// the outcome and is then closed.
func (v *Vault) RebuildIndexAsync(ctx context.Context) <-chan error {
	if err := v.checkOpen(); err != nil {
		ch := make(chan error, 1)
		ch <- err
		close(ch)
		return ch
	}
	return v.startRebuild(ctx)
}

// CancelRebuild stops a running background rebuild.
func (v *Vault) CancelRebuild() bool {
	return v.idx.Cancel(DefaultTable)
}

func (v *Vault) startRebuild(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	if v.closed.Load() {
		out <- ErrClosed
		close(out)
		return out
	}
	if v.dim.Load() == 0 {
		out <- fmt.Errorf("%w: %w: vault is empty", ErrIndexBuildFailure, ErrInvalidDimension)
		close(out)
		return out
	}

	start := time.Now()
	ch := v.idx.RebuildAsync(ctx, DefaultTable)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(out)
		err := translateError(<-ch)
		if !errors.Is(err, index.ErrRebuildInProgress) {
			v.metrics.RecordIndexEnsure(true, time.Since(start), err)
		}
		if err == nil && v.opts.invalidateOnWrite {
			v.cache.Clear()
		}
		out <- err
	}()
	return out
}

// IndexState returns the lifecycle state of the index.
func (v *Vault) IndexState() index.State {
	return v.idx.State(DefaultTable)
}

// IndexDescriptor returns the descriptor of the servable index, or nil.
func (v *Vault) IndexDescriptor() *index.Descriptor {
	return v.idx.Current(DefaultTable)
}

// Snapshot records the current state as a new version.
func (v *Vault) Snapshot(ctx context.Context) (uint64, error) {
	if err := v.checkOpen(); err != nil {
		return 0, err
	}
	version, err := v.log.CreateSnapshot(ctx)
	err = translateError(err)
	v.logger.LogSnapshot(ctx, version, err)
	return version, err
}

// Rollback restores the state recorded by version. Later versions stay
// reachable. The query cache is cleared.
func (v *Vault) Rollback(ctx context.Context, version uint64) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	err := translateError(v.log.RollbackToVersion(ctx, version))
	v.logger.LogRollback(ctx, version, err)
	if err != nil {
		return err
	}
	v.cache.Clear()
	v.afterWrite()
	return nil
}

// Versions lists the recorded versions in creation order.
func (v *Vault) Versions() []versionlog.Snapshot {
	return v.log.Versions()
}

// StateAt returns the operations visible at version, keyed by id.
func (v *Vault) StateAt(version uint64) (map[string]versionlog.Op, error) {
	state, err := v.log.StateAt(version)
	return state, translateError(err)
}

// Stats describes the vault.
type Stats struct {
	Dimension    int
	Metric       string
	Version      uint64
	LastSeq      uint64
	Store        store.Stats
	Cache        cache.Stats
	Index        index.Stats
	IndexState   string
	IndexBuildID string
	IndexRows    int
	Updates      versionlog.Metrics
	Compression  compress.Stats
}

// Stats returns a snapshot of vault statistics.
func (v *Vault) Stats() Stats {
	s := Stats{
		Dimension:   int(v.dim.Load()),
		Metric:      v.opts.metric.String(),
		Version:     v.log.CurrentVersion(),
		LastSeq:     v.log.LastSeq(),
		Store:       v.st.Stats(),
		Cache:       v.cache.Stats(),
		Index:       v.idx.Stats(),
		IndexState:  v.idx.State(DefaultTable).String(),
		Updates:     v.log.Metrics(),
		Compression: v.codec.Stats(),
	}
	if d := v.idx.Current(DefaultTable); d != nil {
		s.IndexBuildID = d.BuildID
		s.IndexRows = d.RowCount
	}
	return s
}

// Close stops background work and releases all files. It is safe to call
// more than once.
func (v *Vault) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	v.bgCancel()
	var errs []error
	if err := v.idx.Close(); err != nil {
		errs = append(errs, err)
	}
	v.wg.Wait()
	if err := v.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	v.logger.Info("vault closed", "dir", v.dir)
	return errors.Join(errs...)
}

func (v *Vault) closeStorage() error {
	v.bgCancel()
	return errors.Join(v.log.Close(), v.st.Close())
}

// storeRows exposes the store as the row source of index builds.
type storeRows struct {
	st  *store.Store
	dim int
}

func (v *Vault) rowSource(table string) (index.RowSource, error) {
	if table != DefaultTable {
		return nil, fmt.Errorf("%w: unknown table %q", ErrNotFound, table)
	}
	return &storeRows{st: v.st, dim: int(v.dim.Load())}, nil
}

func (r *storeRows) Len() int       { return r.st.Len() }
func (r *storeRows) Dimension() int { return r.dim }

func (r *storeRows) Scan(ctx context.Context, fn func(id string, v []float32) error) error {
	return r.st.Scan(ctx, func(e store.Entry, b []byte) error {
		vec, err := compress.DecodeBinary(b)
		if err != nil {
			return fmt.Errorf("row %q: %w", e.ID, err)
		}
		return fn(e.ID, vec)
	})
}

func matchesFilters(meta, filters map[string]string) bool {
	for k, want := range filters {
		if got, ok := meta[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func cloneFilters(f map[string]string) map[string]string {
	if len(f) == 0 {
		return nil
	}
	return maps.Clone(f)
}
