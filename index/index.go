package index

import (
	"context"
	"errors"

	"github.com/hupe1980/embedvault/distance"
)

var (
	// ErrIndexBuildFailure wraps every failed build. No descriptor is written
	// and the partial artifact is removed.
	ErrIndexBuildFailure = errors.New("index: build failed")
	// ErrNoIndex is returned by Search when no index is servable.
	ErrNoIndex = errors.New("index: no servable index")
	// ErrNoDescriptor is returned when a table has no persisted descriptor.
	ErrNoDescriptor = errors.New("index: no descriptor")
	// ErrRebuildInProgress is delivered by RebuildAsync when the table
	// already has a background rebuild running.
	ErrRebuildInProgress = errors.New("index: rebuild already in progress")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("index: manager closed")
)

// Candidate is a single ANN hit. Distance follows the distance package
// convention: smaller is closer.
type Candidate struct {
	ID       string
	Distance float32
}

// SearchParams tune a single query.
type SearchParams struct {
	// NProbes is the number of partitions visited.
	NProbes int
	// RefineFactor multiplies k for the candidate set handed back to the
	// caller for exact re-scoring.
	RefineFactor int
}

// BuildParams describe the shape of an index. Two indexes with equal
// parameters over the same columns are interchangeable.
type BuildParams struct {
	Partitions int
	SubVectors int
	BitWidth   int
	Metric     distance.Metric
}

// BuildRequest is handed to a Builder.
type BuildRequest struct {
	Table     string
	Columns   []string
	Dimension int
	Params    BuildParams
	// Dir is the table directory; the artifact must be written to
	// filepath.Join(Dir, Artifact) and be durable when Build returns.
	Dir      string
	Artifact string
	Seed     int64
}

// RowSource yields the rows an index is built from.
type RowSource interface {
	Len() int
	Dimension() int
	Scan(ctx context.Context, fn func(id string, v []float32) error) error
}

// RowProvider returns the row source of a table.
type RowProvider func(table string) (RowSource, error)

// Index is a loaded, queryable ANN index. Implementations must be safe for
// concurrent Search calls.
type Index interface {
	Search(ctx context.Context, q []float32, k int, p SearchParams) ([]Candidate, error)
	Len() int
	Prewarm(ctx context.Context) error
	Close() error
}

// Builder creates and loads indexes of one algorithm.
type Builder interface {
	Algorithm() string
	Build(ctx context.Context, req BuildRequest, rows RowSource) (Index, error)
	Load(ctx context.Context, d *Descriptor, dir string) (Index, error)
}
