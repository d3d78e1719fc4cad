package versionlog

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/internal/fs"
	"github.com/hupe1980/embedvault/internal/hash"
	"github.com/hupe1980/embedvault/internal/wal"
	"github.com/hupe1980/embedvault/store"
)

// FileName is the conventional name of the log file.
const FileName = "updates.wal"

const numStripes = 64

var (
	// ErrUnknownVersion is returned for versions never created.
	ErrUnknownVersion = errors.New("versionlog: unknown version")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("versionlog: closed")
)

// OpKind tags a delta operation.
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one recorded mutation.
type Op struct {
	Seq       uint64
	Kind      OpKind
	ID        string
	Embedding *compress.CompressedEmbedding
	Metadata  map[string]string
}

// Snapshot is a version boundary.
type Snapshot struct {
	Version   uint64
	Seq       uint64
	CreatedAt time.Time
}

// opRef is the in-memory index of one logged operation. Embeddings stay in
// the log file and are read back by offset.
type opRef struct {
	seq      uint64
	kind     OpKind
	id       string
	offset   int64
	checksum uint32
	dim      int
	hash     uint64
	meta     map[string]string
}

type snapshotRef struct {
	Snapshot
	// mask is the rollback mask in force when the snapshot was taken.
	mask *roaring64.Bitmap
}

type options struct {
	logger        *slog.Logger
	fs            fs.FileSystem
	sync          bool
	latencyWindow int
	reconcile     bool
	now           func() time.Time
}

// DefaultLatencyWindow is the number of recent update latencies kept for
// percentiles.
const DefaultLatencyWindow = 1024

// Option configures a Log.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFileSystem replaces the file system used for the log file.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fs = fsys }
}

// WithSyncWrites controls whether updates wait for fsync. Default: true.
func WithSyncWrites(enabled bool) Option {
	return func(o *options) { o.sync = enabled }
}

// WithLatencyWindow sets how many recent update latencies feed percentiles.
func WithLatencyWindow(n int) Option {
	return func(o *options) { o.latencyWindow = n }
}

// WithReconcile controls whether Open rewrites store entries that disagree
// with the log (left behind by a crash between the store write and the log
// append). Default: true.
func WithReconcile(enabled bool) Option {
	return func(o *options) { o.reconcile = enabled }
}

// Log is the incremental update and versioning log.
type Log struct {
	wal    *wal.WAL
	st     *store.Store
	codec  *compress.Codec
	logger *slog.Logger
	now    func() time.Time

	// gate is held shared by updates and exclusively by rollback.
	gate    sync.RWMutex
	stripes [numStripes]sync.Mutex

	mu        sync.Mutex // guards everything below
	seq       uint64
	ops       []opRef
	snapshots []snapshotRef
	masked    *roaring64.Bitmap
	current   map[string]opRef
	closed    bool

	latency *latencyWindow
}

// Open opens or creates the log at path and replays it. st and c are the
// store and codec the log writes through.
func Open(path string, st *store.Store, c *compress.Codec, optFns ...Option) (*Log, error) {
	o := options{
		logger:        slog.New(slog.DiscardHandler),
		sync:          true,
		latencyWindow: DefaultLatencyWindow,
		reconcile:     true,
		now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&o)
	}

	durability := wal.DurabilityAsync
	if o.sync {
		durability = wal.DurabilitySync
	}
	w, err := wal.Open(o.fs, path, wal.Options{Durability: durability, Logger: o.logger})
	if err != nil {
		return nil, fmt.Errorf("versionlog: open: %w", err)
	}

	l := &Log{
		wal:     w,
		st:      st,
		codec:   c,
		logger:  o.logger.With("component", "versionlog"),
		now:     o.now,
		masked:  roaring64.New(),
		current: make(map[string]opRef),
		latency: newLatencyWindow(o.latencyWindow),
	}

	if err := w.Replay(l.replayRecord); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("versionlog: replay: %w", err)
	}

	if o.reconcile {
		if len(l.ops) == 0 && st.Len() > 0 {
			l.logger.Warn("store has entries but the log is empty; skipping reconcile", "entries", st.Len())
		} else if err := l.reconcile(l.current); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("versionlog: reconcile: %w", err)
		}
	}

	l.logger.Info("update log opened", "ops", len(l.ops), "versions", len(l.snapshots), "last_seq", l.seq)
	return l, nil
}

func (l *Log) replayRecord(rec *wal.Record, offset int64) error {
	if rec.Seq > l.seq {
		l.seq = rec.Seq
	}

	switch rec.Type {
	case wal.RecordTypeAdd, wal.RecordTypeUpdate, wal.RecordTypeDelete:
		ref, err := refFromRecord(rec, offset)
		if err != nil {
			return err
		}
		l.ops = append(l.ops, ref)
		l.applyToCurrent(ref)
	case wal.RecordTypeSnapshot:
		version, createdAt, err := decodeSnapshotBody(rec.Body)
		if err != nil {
			return err
		}
		l.snapshots = append(l.snapshots, snapshotRef{
			Snapshot: Snapshot{Version: version, Seq: rec.Seq, CreatedAt: createdAt},
			mask:     l.masked.Clone(),
		})
	case wal.RecordTypeRollback:
		_, mask, err := decodeRollbackBody(rec.Body)
		if err != nil {
			return err
		}
		l.masked = mask
		l.current = l.stateFor(l.seq, mask)
	}
	return nil
}

func refFromRecord(rec *wal.Record, offset int64) (opRef, error) {
	ref := opRef{seq: rec.Seq, id: rec.Key, offset: offset}
	switch rec.Type {
	case wal.RecordTypeDelete:
		ref.kind = OpDelete
		return ref, nil
	case wal.RecordTypeAdd:
		ref.kind = OpAdd
	default:
		ref.kind = OpUpdate
	}
	env, meta, err := decodeUpdateBody(rec.Body)
	if err != nil {
		return opRef{}, err
	}
	dim, checksum, err := compress.Header(env)
	if err != nil {
		return opRef{}, err
	}
	ref.dim = dim
	ref.checksum = checksum
	ref.meta = meta
	ref.hash = hash.Fingerprint(rec.Body)
	return ref, nil
}

func (l *Log) applyToCurrent(ref opRef) {
	if ref.kind == OpDelete {
		delete(l.current, ref.id)
		return
	}
	l.current[ref.id] = ref
}

// stateFor folds every unmasked op with seq <= limit.
func (l *Log) stateFor(limit uint64, mask *roaring64.Bitmap) map[string]opRef {
	state := make(map[string]opRef)
	for _, ref := range l.ops {
		if ref.seq > limit {
			break
		}
		if mask.Contains(ref.seq) {
			continue
		}
		if ref.kind == OpDelete {
			delete(state, ref.id)
		} else {
			state[ref.id] = ref
		}
	}
	return state
}

// LastSeq returns the highest assigned sequence number.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// CurrentVersion returns the newest version, 0 before the first snapshot.
func (l *Log) CurrentVersion() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.snapshots) == 0 {
		return 0
	}
	return l.snapshots[len(l.snapshots)-1].Version
}

// Versions lists all snapshots in creation order.
func (l *Log) Versions() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Snapshot, len(l.snapshots))
	for i, s := range l.snapshots {
		out[i] = s.Snapshot
	}
	return out
}

// Metadata returns the metadata of the visible op for id.
func (l *Log) Metadata(id string) (map[string]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.current[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(ref.meta), true
}

// IDs returns the ids visible in the current state.
func (l *Log) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.current))
	for id := range l.current {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns update latency and fast-path counters.
func (l *Log) Metrics() Metrics {
	return l.latency.snapshot()
}

// Export describes a record-aligned prefix of the log file that holds every
// operation acknowledged before Export returned.
type Export struct {
	Path   string
	Length int64
}

// Export flushes the log and returns the prefix to copy for a backup.
func (l *Log) Export() (Export, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return Export{}, ErrClosed
	}
	if err := l.wal.Sync(); err != nil {
		return Export{}, err
	}
	return Export{Path: l.wal.Path(), Length: l.wal.Size()}, nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.gate.Lock()
	defer l.gate.Unlock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.wal.Close()
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
