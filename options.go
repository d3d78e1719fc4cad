package embedvault

import (
	"time"

	"github.com/hupe1980/embedvault/codec"
	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/index/ivfpq"
	"github.com/hupe1980/embedvault/internal/fs"
	"github.com/hupe1980/embedvault/resource"
	"github.com/hupe1980/embedvault/store"
	"github.com/hupe1980/embedvault/versionlog"
)

const (
	// DefaultTable is the table name the vault indexes its embeddings under.
	DefaultTable = "embeddings"
	// DefaultCacheTTL is how long cached query results stay valid.
	DefaultCacheTTL = 600 * time.Second
	// DefaultCacheMaxEntries caps the query cache.
	DefaultCacheMaxEntries = 10000
	// DefaultRefineFactor is the ANN over-fetch multiplier re-scored exactly.
	DefaultRefineFactor = 1
	// DefaultMinIndexRows is the row count below which automatic rebuilds
	// are skipped and queries scan exactly.
	DefaultMinIndexRows = 1000
	// DefaultBackupConcurrency bounds parallel uploads during a backup.
	DefaultBackupConcurrency = 4
)

type options struct {
	dimension         int
	metric            distance.Metric
	maxFileSize       int64
	durability        store.Durability
	compression       compress.Algorithm
	compressionLevel  int
	cacheTTL          time.Duration
	cacheMaxEntries   int
	invalidateOnWrite bool
	buildParams       index.BuildParams
	nprobes           int
	refineFactor      int
	driftTolerance    float64
	buildTimeout      time.Duration
	autoRebuild       bool
	minIndexRows      int
	seed              int64
	maxTrainingRows   int
	latencyWindow     int
	reconcileOnOpen   bool
	backupConcurrency int
	codec             codec.Codec
	fs                fs.FileSystem
	resources         *resource.Controller
	metricsCollector  MetricsCollector
	logger            *Logger
	now               func() time.Time
}

func defaultOptions() options {
	return options{
		metric:            distance.MetricL2,
		maxFileSize:       store.DefaultMaxFileSize,
		durability:        store.SyncAlways,
		compression:       compress.AlgorithmZstd,
		compressionLevel:  compress.DefaultLevel,
		cacheTTL:          DefaultCacheTTL,
		cacheMaxEntries:   DefaultCacheMaxEntries,
		buildParams:       index.DefaultBuildParams,
		nprobes:           ivfpq.DefaultNProbes,
		refineFactor:      DefaultRefineFactor,
		driftTolerance:    index.DefaultDriftTolerance,
		buildTimeout:      index.DefaultBuildTimeout,
		minIndexRows:      DefaultMinIndexRows,
		maxTrainingRows:   ivfpq.DefaultMaxTrainingRows,
		latencyWindow:     versionlog.DefaultLatencyWindow,
		reconcileOnOpen:   true,
		backupConcurrency: DefaultBackupConcurrency,
		codec:             codec.Default,
		fs:                fs.Default,
		metricsCollector:  NoopMetricsCollector{},
		logger:            NoopLogger(),
		now:               time.Now,
	}
}

// Option configures Open.
type Option func(*options)

// WithDimension fixes the embedding dimension. With 0 (the default) the
// dimension is taken from the first write and from existing data on reopen.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithMetric sets the distance metric used for indexing and scoring.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithMaxFileSize caps the data file. Writes that would exceed it fail with
// ErrSizeLimitExceeded.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFileSize = n
		}
	}
}

// WithDurability controls fsync of the data file and the update log.
func WithDurability(d store.Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithCompression selects the codec compressor.
func WithCompression(a compress.Algorithm) Option {
	return func(o *options) {
		o.compression = a
	}
}

// WithCompressionLevel sets the zstd level.
func WithCompressionLevel(level int) Option {
	return func(o *options) {
		o.compressionLevel = level
	}
}

// WithCacheTTL sets the query cache time to live. Zero disables expiry.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.cacheTTL = d
		}
	}
}

// WithCacheMaxEntries caps the query cache.
func WithCacheMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheMaxEntries = n
		}
	}
}

// WithInvalidateOnWrite clears the query cache after every write, delete,
// rollback and index swap. By default cached results only expire by TTL
// and may be stale for up to that long.
func WithInvalidateOnWrite(enabled bool) Option {
	return func(o *options) {
		o.invalidateOnWrite = enabled
	}
}

// WithPartitionCount sets the number of IVF partitions.
func WithPartitionCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buildParams.Partitions = n
		}
	}
}

// WithSubVectorCount sets the number of PQ sub-vectors.
func WithSubVectorCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buildParams.SubVectors = n
		}
	}
}

// WithBitWidth sets the bits per PQ code (1-8).
func WithBitWidth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buildParams.BitWidth = n
		}
	}
}

// WithNProbes sets the default number of partitions a query visits.
func WithNProbes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.nprobes = n
		}
	}
}

// WithRefineFactor sets the default ANN over-fetch multiplier.
func WithRefineFactor(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.refineFactor = n
		}
	}
}

// WithDriftTolerance sets the relative row-count change after which the
// persisted index is considered stale.
func WithDriftTolerance(t float64) Option {
	return func(o *options) {
		if t >= 0 {
			o.driftTolerance = t
		}
	}
}

// WithBuildTimeout bounds a single index build.
func WithBuildTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.buildTimeout = d
		}
	}
}

// WithAutoRebuild starts a background rebuild when writes push the row count
// past the drift tolerance.
func WithAutoRebuild(enabled bool) Option {
	return func(o *options) {
		o.autoRebuild = enabled
	}
}

// WithMinIndexRows sets the row count automatic rebuilds wait for.
func WithMinIndexRows(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.minIndexRows = n
		}
	}
}

// WithSeed makes index training deterministic.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithMaxTrainingRows caps the rows sampled to train partitions and
// codebooks. Larger vaults train on a uniform sample.
func WithMaxTrainingRows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTrainingRows = n
		}
	}
}

// WithLatencyWindow sets how many recent write latencies feed the update
// percentiles reported by Stats.
func WithLatencyWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.latencyWindow = n
		}
	}
}

// WithReconcileOnOpen controls whether Open repairs store entries that
// disagree with the update log after a crash. Default: true.
func WithReconcileOnOpen(enabled bool) Option {
	return func(o *options) {
		o.reconcileOnOpen = enabled
	}
}

// WithBackupConcurrency bounds parallel uploads during Backup and Restore.
func WithBackupConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backupConcurrency = n
		}
	}
}

// WithCodec configures the codec used for manifests and index descriptors.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithFileSystem routes all file access through fsys.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fs = fsys
		}
	}
}

// WithResources shares build slots and I/O limits with other vaults.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger sets the logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// SearchOption tunes a single query.
type SearchOption func(*searchOptions)

type searchOptions struct {
	nprobes      int
	refineFactor int
	filters      map[string]string
	exact        bool
	noCache      bool
}

// WithSearchNProbes overrides the number of partitions visited.
func WithSearchNProbes(n int) SearchOption {
	return func(o *searchOptions) {
		if n > 0 {
			o.nprobes = n
		}
	}
}

// WithSearchRefineFactor overrides the ANN over-fetch multiplier.
func WithSearchRefineFactor(n int) SearchOption {
	return func(o *searchOptions) {
		if n > 0 {
			o.refineFactor = n
		}
	}
}

// WithFilter restricts results to ids whose metadata key equals value.
// Multiple filters must all match.
func WithFilter(key, value string) SearchOption {
	return func(o *searchOptions) {
		if o.filters == nil {
			o.filters = make(map[string]string)
		}
		o.filters[key] = value
	}
}

// WithExactSearch bypasses the index and scans every row.
func WithExactSearch() SearchOption {
	return func(o *searchOptions) {
		o.exact = true
	}
}

// WithoutCache skips the query cache for lookup and insertion.
func WithoutCache() SearchOption {
	return func(o *searchOptions) {
		o.noCache = true
	}
}
