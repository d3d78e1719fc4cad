package embedvault

import (
	"errors"
	"fmt"

	"github.com/hupe1980/embedvault/codec"
	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/index/ivfpq"
	"github.com/hupe1980/embedvault/store"
	"github.com/hupe1980/embedvault/versionlog"
)

var (
	// ErrNotFound is returned for ids the vault does not hold.
	ErrNotFound = store.ErrNotFound

	// ErrSizeLimitExceeded is returned when a write would grow the data file
	// past the configured maximum.
	ErrSizeLimitExceeded = store.ErrSizeLimitExceeded

	// ErrDataCorruption is returned when stored bytes fail integrity checks.
	ErrDataCorruption = compress.ErrDataCorruption

	// ErrInvalidDimension is matched by every dimension error.
	ErrInvalidDimension = errors.New("embedvault: invalid dimension")

	// ErrIndexBuildFailure is returned when an index could not be built.
	ErrIndexBuildFailure = index.ErrIndexBuildFailure

	// ErrSerialization is returned when a manifest, descriptor or log
	// record cannot be encoded or decoded.
	ErrSerialization = codec.ErrSerialization

	// ErrNoIndex is returned by index-only operations when no index is servable.
	ErrNoIndex = index.ErrNoIndex

	// ErrUnknownVersion is returned for rollbacks to versions never created.
	ErrUnknownVersion = versionlog.ErrUnknownVersion

	// ErrInvalidLimit is returned when a search limit is not positive.
	ErrInvalidLimit = errors.New("embedvault: limit must be positive")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("embedvault: closed")
)

// ErrDimensionMismatch indicates a vector or query whose dimension differs
// from the vault's.
//
// It matches ErrInvalidDimension with errors.Is.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// Is reports whether target is ErrInvalidDimension.
func (e *ErrDimensionMismatch) Is(target error) bool {
	return target == ErrInvalidDimension
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Closed unification.
	if errors.Is(err, store.ErrClosed) || errors.Is(err, versionlog.ErrClosed) || errors.Is(err, index.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	if errors.Is(err, ivfpq.ErrDimensionMismatch) {
		return fmt.Errorf("%w: %w", ErrInvalidDimension, err)
	}
	if errors.Is(err, ivfpq.ErrCorruptArtifact) {
		return fmt.Errorf("%w: %w", ErrDataCorruption, err)
	}

	return err
}
