package store

import (
	"log/slog"

	"github.com/hupe1980/embedvault/codec"
	"github.com/hupe1980/embedvault/internal/fs"
)

// Durability controls when appended payloads are fsynced.
type Durability int

const (
	// SyncAlways fsyncs the data file before the manifest references a payload.
	SyncAlways Durability = iota
	// SyncNone leaves flushing to the OS. A crash may lose recent payloads;
	// the startup consistency pass drops entries that point past the file end.
	SyncNone
)

const (
	// DefaultMaxFileSize is the default data file cap (1 GiB).
	DefaultMaxFileSize int64 = 1 << 30
	// DefaultMapChunkSize is the granularity the mapping grows by.
	DefaultMapChunkSize = 4 << 20
)

type options struct {
	maxFileSize  int64
	durability   Durability
	fs           fs.FileSystem
	logger       *slog.Logger
	mapChunkSize int
	codec        codec.Codec
}

func defaultOptions() options {
	return options{
		maxFileSize:  DefaultMaxFileSize,
		durability:   SyncAlways,
		fs:           fs.Default,
		logger:       slog.New(slog.DiscardHandler),
		mapChunkSize: DefaultMapChunkSize,
		codec:        codec.Default,
	}
}

// Option configures a Store.
type Option func(*options)

// WithMaxFileSize caps the data file length in bytes.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFileSize = n
		}
	}
}

// WithDurability sets the fsync policy for appends.
func WithDurability(d Durability) Option {
	return func(o *options) { o.durability = d }
}

// WithFileSystem replaces the file system used for the data file and the
// manifest. The mapping itself always goes through the OS.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fs = fsys
		}
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

// WithMapChunkSize sets how far past the file end the mapping is extended on
// each remap.
func WithMapChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mapChunkSize = n
		}
	}
}

// WithCodec sets the manifest codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}
