package store

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/hupe1980/embedvault/codec"
	vfs "github.com/hupe1980/embedvault/internal/fs"
)

const (
	// DataFileName is the append-only payload file.
	DataFileName = "embeddings.dat"
	// ManifestFileName is the id -> location manifest.
	ManifestFileName = "manifest.json"

	manifestVersion = 1
)

// Entry locates one payload in the data file.
type Entry struct {
	ID         string `json:"id"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
	Dimension  int    `json:"dimension"`
	Compressed bool   `json:"compressed"`
}

// End returns the offset one past the last byte of the entry.
func (e Entry) End() uint64 { return e.Offset + e.Size }

type manifestFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

func loadManifest(fsys vfs.FileSystem, c codec.Codec, path string) (map[string]Entry, error) {
	data, err := fsys.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", codec.ErrSerialization, err)
	}

	var mf manifestFile
	if err := codec.Decode(c, data, &mf); err != nil {
		return nil, err
	}
	if mf.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", codec.ErrSerialization, mf.Version)
	}

	entries := make(map[string]Entry, len(mf.Entries))
	for _, e := range mf.Entries {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: manifest entry without id", codec.ErrSerialization)
		}
		if _, dup := entries[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate manifest id %q", codec.ErrSerialization, e.ID)
		}
		entries[e.ID] = e
	}
	return entries, nil
}

func saveManifest(fsys vfs.FileSystem, c codec.Codec, path string, entries map[string]Entry) error {
	mf := manifestFile{Version: manifestVersion, Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		mf.Entries = append(mf.Entries, e)
	}
	slices.SortFunc(mf.Entries, func(a, b Entry) int {
		if a.Offset != b.Offset {
			if a.Offset < b.Offset {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})

	data, err := codec.Encode(c, mf)
	if err != nil {
		return err
	}
	if err := vfs.WriteFileAtomic(fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write manifest: %w", codec.ErrSerialization, err)
	}
	return nil
}
