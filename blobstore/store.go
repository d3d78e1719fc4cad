package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store reads and writes whole blobs. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores the content of r under name, replacing any existing blob.
	// size is the content length, or -1 when unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Get opens a blob for reading.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
