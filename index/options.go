package index

import (
	"log/slog"
	"time"

	"github.com/hupe1980/embedvault/codec"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/internal/fs"
	"github.com/hupe1980/embedvault/resource"
)

const (
	// DefaultDriftTolerance is the relative row-count drift tolerated before
	// a persisted index is considered stale.
	DefaultDriftTolerance = 0.1
	// DefaultBuildTimeout bounds a single build.
	DefaultBuildTimeout = 10 * time.Minute
	// DefaultRetainBuilds is the number of builds kept on disk per table.
	DefaultRetainBuilds = 2
)

// DefaultColumns is the indexed column set when none is configured.
var DefaultColumns = []string{"embedding"}

// DefaultBuildParams mirror the engine configuration defaults.
var DefaultBuildParams = BuildParams{
	Partitions: 16,
	SubVectors: 16,
	BitWidth:   8,
	Metric:     distance.MetricL2,
}

type options struct {
	params         BuildParams
	columns        []string
	driftTolerance float64
	buildTimeout   time.Duration
	retainBuilds   int
	seed           int64
	logger         *slog.Logger
	fs             fs.FileSystem
	codec          codec.Codec
	resources      *resource.Controller
	now            func() time.Time
}

func defaultOptions() options {
	return options{
		params:         DefaultBuildParams,
		columns:        DefaultColumns,
		driftTolerance: DefaultDriftTolerance,
		buildTimeout:   DefaultBuildTimeout,
		retainBuilds:   DefaultRetainBuilds,
		seed:           1,
		logger:         slog.New(slog.DiscardHandler),
		fs:             fs.Default,
		codec:          codec.Default,
		now:            time.Now,
	}
}

// Option configures a Manager.
type Option func(*options)

// WithBuildParams sets the parameters new builds use and reuse requires.
func WithBuildParams(p BuildParams) Option {
	return func(o *options) {
		o.params = p
	}
}

// WithColumns sets the indexed columns recorded in descriptors.
func WithColumns(cols ...string) Option {
	return func(o *options) {
		if len(cols) > 0 {
			o.columns = cols
		}
	}
}

// WithDriftTolerance sets the tolerated relative row drift.
func WithDriftTolerance(t float64) Option {
	return func(o *options) {
		if t >= 0 {
			o.driftTolerance = t
		}
	}
}

// WithBuildTimeout bounds every build.
func WithBuildTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.buildTimeout = d
		}
	}
}

// WithRetainBuilds sets how many builds per table stay on disk.
// The current build is always retained.
func WithRetainBuilds(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retainBuilds = n
		}
	}
}

// WithSeed fixes the seed handed to builders.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFileSystem sets the file system used for descriptors.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fs = fsys
		}
	}
}

// WithCodec sets the descriptor codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithResources bounds builds by the controller's build slots and memory.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
