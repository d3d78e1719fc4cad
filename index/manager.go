package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a table's index.
type State int32

const (
	StateMissing State = iota
	StateStale
	StateBuilding
	StateBuilt
	StateReused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateStale:
		return "stale"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateReused:
		return "reused"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats are the manager's lifetime counters.
type Stats struct {
	Builds        uint64
	Reuses        uint64
	BuildFailures uint64
	LastBuild     time.Duration
	LastReuse     time.Duration
}

// handle pins a loaded index. The table holds one reference while the handle
// is current; the last release closes the index.
type handle struct {
	idx  Index
	desc *Descriptor
	refs atomic.Int64
}

func newHandle(idx Index, d *Descriptor) *handle {
	h := &handle{idx: idx, desc: d}
	h.refs.Store(1)
	return h
}

func (h *handle) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *handle) release() {
	if h.refs.Add(-1) == 0 {
		_ = h.idx.Close()
	}
}

type table struct {
	name string
	// mu serializes EnsureIndex and rebuilds; queries never take it.
	mu      sync.Mutex
	current atomic.Pointer[handle]
	state   atomic.Int32

	asyncMu sync.Mutex
	cancel  context.CancelFunc
}

func (t *table) acquire() *handle {
	for {
		h := t.current.Load()
		if h == nil {
			return nil
		}
		if h.acquire() {
			return h
		}
	}
}

func (t *table) swap(h *handle) {
	if old := t.current.Swap(h); old != nil {
		old.release()
	}
}

// Manager owns the indexes of every table under one root directory.
type Manager struct {
	opts    options
	builder Builder
	rows    RowProvider
	descs   *DescriptorStore
	logger  *slog.Logger

	mu     sync.Mutex
	tables map[string]*table
	closed bool
	wg     sync.WaitGroup

	builds        atomic.Uint64
	reuses        atomic.Uint64
	buildFailures atomic.Uint64
	lastBuild     atomic.Int64
	lastReuse     atomic.Int64
}

// NewManager creates a manager persisting under root. Builds use b and read
// rows from rows.
func NewManager(root string, b Builder, rows RowProvider, optFns ...Option) *Manager {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		opts:    opts,
		builder: b,
		rows:    rows,
		descs:   NewDescriptorStore(root, opts.fs, opts.codec),
		logger:  opts.logger.With("component", "index"),
		tables:  make(map[string]*table),
	}
}

// Descriptors exposes the descriptor store.
func (m *Manager) Descriptors() *DescriptorStore {
	return m.descs
}

func (m *Manager) table(name string) (*table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.tables[name]
	if !ok {
		t = &table{name: name}
		m.tables[name] = t
	}
	return t, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// EnsureIndex makes an index for table servable, reusing the persisted one
// when possible. It returns the time spent.
func (m *Manager) EnsureIndex(ctx context.Context, name string, force bool) (time.Duration, error) {
	start := m.opts.now()
	t, err := m.table(name)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// Close releases handles under t.mu; a call that waited here must not
	// install a new one afterwards.
	if m.isClosed() {
		return 0, ErrClosed
	}

	rows, err := m.rows(name)
	if err != nil {
		return 0, err
	}

	if !force {
		reused, err := m.tryReuse(ctx, t, rows)
		if err != nil {
			return 0, err
		}
		if reused {
			elapsed := m.opts.now().Sub(start)
			m.reuses.Add(1)
			m.lastReuse.Store(int64(elapsed))
			return elapsed, nil
		}
	}

	t.state.Store(int32(StateStale))
	if err := m.build(ctx, t, rows); err != nil {
		m.buildFailures.Add(1)
		if t.current.Load() == nil {
			t.state.Store(int32(StateFailed))
		}
		return 0, err
	}
	elapsed := m.opts.now().Sub(start)
	m.builds.Add(1)
	m.lastBuild.Store(int64(elapsed))
	t.state.Store(int32(StateBuilt))
	return elapsed, nil
}

func (m *Manager) tryReuse(ctx context.Context, t *table, rows RowSource) (bool, error) {
	d, err := m.descs.Current(t.name)
	if err != nil {
		if !errors.Is(err, ErrNoDescriptor) {
			m.logger.Warn("unreadable index descriptor, rebuilding", "table", t.name, "error", err)
		}
		return false, nil
	}
	if reason := m.mismatch(d, rows); reason != "" {
		m.logger.Info("index descriptor stale", "table", t.name, "build_id", d.BuildID, "reason", reason)
		return false, nil
	}

	if h := t.current.Load(); h != nil && h.desc.BuildID == d.BuildID {
		t.state.Store(int32(StateReused))
		return true, nil
	}

	idx, err := m.builder.Load(ctx, d, m.descs.TableDir(t.name))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.logger.Warn("index load failed, rebuilding", "table", t.name, "build_id", d.BuildID, "error", err)
		return false, nil
	}
	m.prewarm(ctx, t.name, idx)
	t.swap(newHandle(idx, d))
	t.state.Store(int32(StateReused))
	m.logger.Debug("index reused", "table", t.name, "build_id", d.BuildID, "rows", d.RowCount)
	return true, nil
}

// mismatch returns why d cannot serve rows, or "" when it can.
func (m *Manager) mismatch(d *Descriptor, rows RowSource) string {
	if d.Algorithm != m.builder.Algorithm() {
		return "algorithm"
	}
	if !slices.Equal(d.Columns, m.opts.columns) {
		return "columns"
	}
	p, err := d.Params()
	if err != nil || p != m.opts.params {
		return "params"
	}
	if dim := rows.Dimension(); dim != 0 && d.Dimension != dim {
		return "dimension"
	}
	if d.Drift(rows.Len()) > m.opts.driftTolerance {
		return "drift"
	}
	return ""
}

func (m *Manager) build(ctx context.Context, t *table, rows RowSource) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.buildTimeout)
	defer cancel()

	rc := m.opts.resources
	if err := rc.AcquireBuild(ctx); err != nil {
		return fmt.Errorf("%w: %s: waiting for build slot: %w", ErrIndexBuildFailure, t.name, err)
	}
	defer rc.ReleaseBuild()

	reserved, err := rc.AcquireMemory(ctx, int64(rows.Len())*int64(rows.Dimension())*4)
	if err != nil {
		return fmt.Errorf("%w: %s: waiting for build memory: %w", ErrIndexBuildFailure, t.name, err)
	}
	defer rc.ReleaseMemory(reserved)

	prev := t.state.Load()
	t.state.Store(int32(StateBuilding))
	defer func() {
		if err != nil {
			t.state.Store(prev)
		}
	}()

	buildID := uuid.NewString()
	dir := m.descs.TableDir(t.name)
	if err := m.opts.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrIndexBuildFailure, t.name, err)
	}
	req := BuildRequest{
		Table:     t.name,
		Columns:   m.opts.columns,
		Dimension: rows.Dimension(),
		Params:    m.opts.params,
		Dir:       dir,
		Artifact:  buildID + "." + m.builder.Algorithm(),
		Seed:      m.opts.seed,
	}
	artifact := filepath.Join(dir, req.Artifact)

	m.logger.Info("building index", "table", t.name, "build_id", buildID, "rows", rows.Len())
	idx, err := m.builder.Build(ctx, req, rows)
	if err != nil {
		_ = m.opts.fs.Remove(artifact)
		m.logger.Error("index build failed", "table", t.name, "build_id", buildID, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrIndexBuildFailure, t.name, err)
	}

	d := &Descriptor{
		Table:      t.name,
		IndexName:  t.name + "_" + m.builder.Algorithm(),
		Algorithm:  m.builder.Algorithm(),
		Columns:    slices.Clone(m.opts.columns),
		Partitions: m.opts.params.Partitions,
		SubVectors: m.opts.params.SubVectors,
		BitWidth:   m.opts.params.BitWidth,
		Metric:     m.opts.params.Metric.String(),
		Dimension:  req.Dimension,
		CreatedAt:  m.opts.now().UTC(),
		RowCount:   idx.Len(),
		BuildID:    buildID,
		Artifact:   req.Artifact,
	}
	if err := m.descs.Save(d); err != nil {
		_ = idx.Close()
		_ = m.opts.fs.Remove(artifact)
		return fmt.Errorf("%w: %s: persisting descriptor: %w", ErrIndexBuildFailure, t.name, err)
	}

	m.prewarm(ctx, t.name, idx)
	t.swap(newHandle(idx, d))
	m.prune(t.name, buildID)
	m.logger.Info("index built", "table", t.name, "build_id", buildID, "rows", d.RowCount)
	return nil
}

func (m *Manager) prewarm(ctx context.Context, name string, idx Index) {
	if err := idx.Prewarm(ctx); err != nil {
		m.logger.Warn("index prewarm failed", "table", name, "error", err)
	}
}

// prune removes builds beyond the retention count, never the current one.
func (m *Manager) prune(name, current string) {
	all, err := m.descs.List(name)
	if err != nil {
		m.logger.Warn("listing index builds failed", "table", name, "error", err)
		return
	}
	excess := len(all) - m.opts.retainBuilds
	for _, d := range all {
		if excess <= 0 {
			return
		}
		if d.BuildID == current {
			continue
		}
		if err := m.descs.Remove(d); err != nil {
			m.logger.Warn("removing superseded build failed", "table", name, "build_id", d.BuildID, "error", err)
			continue
		}
		excess--
	}
}

// RebuildAsync rebuilds table in the background. Queries keep using the
// previous index until the new one is swapped in. The channel receives the
// outcome and is then closed.
func (m *Manager) RebuildAsync(ctx context.Context, name string) <-chan error {
	ch := make(chan error, 1)

	t, err := m.table(name)
	if err != nil {
		ch <- err
		close(ch)
		return ch
	}

	t.asyncMu.Lock()
	if t.cancel != nil {
		t.asyncMu.Unlock()
		ch <- ErrRebuildInProgress
		close(ch)
		return ch
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.asyncMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ch)
		_, err := m.EnsureIndex(ctx, name, true)

		t.asyncMu.Lock()
		t.cancel = nil
		t.asyncMu.Unlock()
		cancel()

		if err != nil {
			m.logger.Warn("background rebuild failed", "table", name, "error", err)
		}
		ch <- err
	}()
	return ch
}

// Cancel stops a running background rebuild. It reports whether one was running.
func (m *Manager) Cancel(name string) bool {
	m.mu.Lock()
	t, ok := m.tables[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.asyncMu.Lock()
	defer t.asyncMu.Unlock()
	if t.cancel == nil {
		return false
	}
	t.cancel()
	return true
}

// Rebuilding reports whether a background rebuild is running for table.
func (m *Manager) Rebuilding(name string) bool {
	m.mu.Lock()
	t, ok := m.tables[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.asyncMu.Lock()
	defer t.asyncMu.Unlock()
	return t.cancel != nil
}

// CheckDrift reports whether rows has drifted past the tolerance from the
// servable index, or whether there is no index at all.
func (m *Manager) CheckDrift(name string, rows int) bool {
	d := m.Current(name)
	if d == nil {
		var err error
		if d, err = m.descs.Current(name); err != nil {
			return true
		}
	}
	return d.Drift(rows) > m.opts.driftTolerance
}

// State returns the lifecycle state of table.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	t, ok := m.tables[name]
	m.mu.Unlock()
	if !ok {
		return StateMissing
	}
	return State(t.state.Load())
}

// Current returns the descriptor of the servable index, or nil.
func (m *Manager) Current(name string) *Descriptor {
	m.mu.Lock()
	t, ok := m.tables[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	h := t.acquire()
	if h == nil {
		return nil
	}
	defer h.release()
	d := *h.desc
	return &d
}

// Search queries the current index of table.
func (m *Manager) Search(ctx context.Context, name string, q []float32, k int, p SearchParams) ([]Candidate, error) {
	m.mu.Lock()
	t, ok := m.tables[name]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrNoIndex
	}
	h := t.acquire()
	if h == nil {
		return nil, ErrNoIndex
	}
	defer h.release()
	return h.idx.Search(ctx, q, k, p)
}

// Stats returns the lifetime counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Builds:        m.builds.Load(),
		Reuses:        m.reuses.Load(),
		BuildFailures: m.buildFailures.Load(),
		LastBuild:     time.Duration(m.lastBuild.Load()),
		LastReuse:     time.Duration(m.lastReuse.Load()),
	}
}

// Close cancels background rebuilds, waits for them and releases every index.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tables := make([]*table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.mu.Unlock()

	for _, t := range tables {
		t.asyncMu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		t.asyncMu.Unlock()
	}
	m.wg.Wait()

	for _, t := range tables {
		t.mu.Lock()
		t.swap(nil)
		t.mu.Unlock()
	}
	return nil
}
