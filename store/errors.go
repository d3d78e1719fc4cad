package store

import "errors"

var (
	// ErrNotFound is returned for ids absent from the manifest.
	ErrNotFound = errors.New("store: not found")

	// ErrSizeLimitExceeded is returned when a write would grow the data file
	// past the configured maximum. Nothing is written.
	ErrSizeLimitExceeded = errors.New("store: size limit exceeded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")

	// ErrEmptyID is returned for an empty id.
	ErrEmptyID = errors.New("store: empty id")
)
