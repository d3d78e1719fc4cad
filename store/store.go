package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/embedvault/codec"
	vfs "github.com/hupe1980/embedvault/internal/fs"
	"github.com/hupe1980/embedvault/internal/mmap"
)

// Payload is one value to be stored.
type Payload struct {
	Data       []byte
	Dimension  int
	Compressed bool
}

// Stats describes the store.
type Stats struct {
	Entries       int
	TotalBytes    uint64
	MappedBytes   int64
	FileBytes     int64
	AvgEntryBytes float64
	// Dropped counts manifest entries discarded by the startup consistency pass.
	Dropped int
}

// Store is the memory-mapped embedding store.
type Store struct {
	dir          string
	dataPath     string
	manifestPath string
	opts         options
	logger       *slog.Logger

	mu      sync.Mutex // single writer
	file    vfs.File
	fileLen int64
	closed  bool

	view    atomic.Pointer[view]
	dropped int
}

// Open opens or creates the store in dir.
func Open(dir string, optFns ...Option) (*Store, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	s := &Store{
		dir:          dir,
		dataPath:     filepath.Join(dir, DataFileName),
		manifestPath: filepath.Join(dir, ManifestFileName),
		opts:         o,
		logger:       o.logger.With("component", "store"),
	}

	f, err := o.fs.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open data file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("store: stat data file: %w", err)
	}
	s.file = f
	s.fileLen = fi.Size()

	entries, err := loadManifest(o.fs, o.codec, s.manifestPath)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := s.checkConsistency(entries); err != nil {
		_ = f.Close()
		return nil, err
	}

	v := &view{entries: entries, length: s.fileLen}
	if s.fileLen > 0 {
		m, err := mmap.OpenSize(s.dataPath, s.mapCapacity(s.fileLen))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("store: map data file: %w", err)
		}
		v.mapping = newMappingRef(m)
	}
	s.view.Store(v)

	s.logger.Info("store opened", "dir", dir, "entries", len(entries), "file_bytes", s.fileLen, "dropped", s.dropped)
	return s, nil
}

// checkConsistency drops entries whose byte range is not inside the data file
// and persists the cleaned manifest.
func (s *Store) checkConsistency(entries map[string]Entry) error {
	for id, e := range entries {
		if e.End() < e.Offset || e.End() > uint64(s.fileLen) {
			s.logger.Warn("dropping manifest entry beyond data file end",
				"id", id, "offset", e.Offset, "size", e.Size, "file_bytes", s.fileLen)
			delete(entries, id)
			s.dropped++
		}
	}
	if s.dropped == 0 {
		return nil
	}
	return saveManifest(s.opts.fs, s.opts.codec, s.manifestPath, entries)
}

func (s *Store) mapCapacity(length int64) int {
	chunk := int64(s.opts.mapChunkSize)
	capacity := (length + chunk - 1) / chunk * chunk
	if capacity > s.opts.maxFileSize {
		capacity = s.opts.maxFileSize
	}
	if capacity < length {
		capacity = length
	}
	return int(capacity)
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// DataPath returns the path of the data file.
func (s *Store) DataPath() string { return s.dataPath }

// ManifestPath returns the path of the manifest file.
func (s *Store) ManifestPath() string { return s.manifestPath }

// Put stores data under id. An existing id is redirected to the new bytes.
func (s *Store) Put(id string, data []byte) error {
	return s.PutPayload(id, Payload{Data: data})
}

// PutPayload stores p under id, recording its dimension and compressed flag.
func (s *Store) PutPayload(id string, p Payload) error {
	b := &Batch{}
	b.Put(id, p)
	return s.Apply(b)
}

// Remove deletes id from the manifest. The bytes stay in the data file.
func (s *Store) Remove(id string) error {
	b := &Batch{}
	b.Remove(id)
	return s.apply(b, true)
}

// Batch collects puts and removes applied atomically by Apply.
type Batch struct {
	puts    []batchPut
	removes []string
}

type batchPut struct {
	id string
	p  Payload
}

// Put queues a write. A later Put for the same id wins.
func (b *Batch) Put(id string, p Payload) {
	b.puts = append(b.puts, batchPut{id: id, p: p})
}

// Remove queues a removal. Ids that are absent are ignored.
func (b *Batch) Remove(id string) {
	b.removes = append(b.removes, id)
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.puts) + len(b.removes) }

// Apply appends every queued payload with one write, then persists a single
// manifest covering all of them. Either every operation becomes visible or
// none does. Removes are applied after puts.
func (s *Store) Apply(b *Batch) error {
	return s.apply(b, false)
}

func (s *Store) apply(b *Batch, strictRemove bool) error {
	for _, p := range b.puts {
		if p.id == "" {
			return ErrEmptyID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	cur := s.view.Load()

	if strictRemove {
		for _, id := range b.removes {
			if _, ok := cur.entries[id]; !ok {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
		}
	}

	var total int64
	for _, p := range b.puts {
		total += int64(len(p.p.Data))
	}
	oldLen := s.fileLen
	if oldLen+total > s.opts.maxFileSize {
		return fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrSizeLimitExceeded, oldLen, total, s.opts.maxFileSize)
	}

	entries := make(map[string]Entry, len(cur.entries)+len(b.puts))
	for id, e := range cur.entries {
		entries[id] = e
	}

	if total > 0 {
		buf := make([]byte, 0, total)
		for _, p := range b.puts {
			buf = append(buf, p.p.Data...)
		}
		if _, err := s.file.WriteAt(buf, oldLen); err != nil {
			s.rollback(oldLen)
			return fmt.Errorf("store: append: %w", err)
		}
		if s.opts.durability == SyncAlways {
			if err := s.file.Sync(); err != nil {
				s.rollback(oldLen)
				return fmt.Errorf("store: sync data file: %w", err)
			}
		}
	}

	off := uint64(oldLen)
	for _, p := range b.puts {
		entries[p.id] = Entry{
			ID:         p.id,
			Offset:     off,
			Size:       uint64(len(p.p.Data)),
			Dimension:  p.p.Dimension,
			Compressed: p.p.Compressed,
		}
		off += uint64(len(p.p.Data))
	}
	for _, id := range b.removes {
		delete(entries, id)
	}
	newLen := oldLen + total

	next := &view{entries: entries, length: newLen, mapping: cur.mapping}
	var (
		retired  *mappingRef
		remapped bool
	)
	if newLen > cur.mapping.size() {
		m, err := mmap.OpenSize(s.dataPath, s.mapCapacity(newLen))
		if err != nil {
			s.rollback(oldLen)
			return fmt.Errorf("store: remap data file: %w", err)
		}
		next.mapping = newMappingRef(m)
		retired = cur.mapping
		remapped = true
	}

	if err := saveManifest(s.opts.fs, s.opts.codec, s.manifestPath, entries); err != nil {
		if remapped {
			next.mapping.release()
		}
		s.rollback(oldLen)
		return err
	}

	s.fileLen = newLen
	s.view.Store(next)
	if retired != nil {
		retired.release()
	}
	return nil
}

// rollback truncates the data file back to length after a failed write.
func (s *Store) rollback(length int64) {
	if err := s.file.Truncate(length); err != nil {
		s.logger.Error("truncate after failed write", "length", length, "error", err)
		if fi, serr := s.file.Stat(); serr == nil {
			s.fileLen = fi.Size()
		}
		return
	}
	s.fileLen = length
}

// Read calls fn with the stored bytes of id. The slice points into the
// mapping and must not be retained or modified after fn returns.
func (s *Store) Read(id string, fn func([]byte) error) error {
	return s.withEntry(id, func(m *mmap.Mapping, e Entry) error {
		if m == nil {
			return fn(nil)
		}
		return fn(m.Bytes()[e.Offset:e.End()])
	})
}

// Get returns a copy of the stored bytes of id.
func (s *Store) Get(id string) ([]byte, error) {
	var out []byte
	err := s.withEntry(id, func(m *mmap.Mapping, e Entry) error {
		if m == nil {
			return nil
		}
		out = make([]byte, e.Size)
		_, err := m.ReadAt(out, int64(e.Offset))
		return err
	})
	return out, err
}

// withEntry calls fn with the entry of id and a mapping that stays valid for
// the call. m is nil for empty payloads.
func (s *Store) withEntry(id string, fn func(m *mmap.Mapping, e Entry) error) error {
	for {
		v := s.view.Load()
		if v == nil {
			return ErrClosed
		}
		e, ok := v.entries[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if e.Size == 0 {
			return fn(nil, e)
		}
		if !v.mapping.acquire() {
			// Retired between Load and acquire; the next view is published.
			continue
		}
		err := fn(v.mapping.m, e)
		v.mapping.release()
		return err
	}
}

// Scan calls fn for every entry in offset order against one consistent view.
// The slice passed to fn is only valid during the call.
func (s *Store) Scan(ctx context.Context, fn func(e Entry, b []byte) error) error {
	for {
		v := s.view.Load()
		if v == nil {
			return ErrClosed
		}
		if v.mapping == nil {
			for _, e := range sortedEntries(v.entries) {
				if err := fn(e, nil); err != nil {
					return err
				}
			}
			return nil
		}
		if !v.mapping.acquire() {
			continue
		}
		defer v.mapping.release()

		data := v.mapping.m.Bytes()
		for _, e := range sortedEntries(v.entries) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e, data[e.Offset:e.End()]); err != nil {
				return err
			}
		}
		return nil
	}
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Entry returns the manifest entry for id.
func (s *Store) Entry(id string) (Entry, error) {
	v := s.view.Load()
	if v == nil {
		return Entry{}, ErrClosed
	}
	e, ok := v.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Contains reports whether id is present.
func (s *Store) Contains(id string) bool {
	v := s.view.Load()
	if v == nil {
		return false
	}
	_, ok := v.entries[id]
	return ok
}

// IDs returns all ids in sorted order.
func (s *Store) IDs() []string {
	v := s.view.Load()
	if v == nil {
		return nil
	}
	ids := make([]string, 0, len(v.entries))
	for id := range v.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of entries.
func (s *Store) Len() int {
	v := s.view.Load()
	if v == nil {
		return 0
	}
	return len(v.entries)
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	v := s.view.Load()
	if v == nil {
		return Stats{Dropped: s.dropped}
	}
	st := Stats{
		Entries:     len(v.entries),
		TotalBytes:  v.logicalBytes(),
		MappedBytes: v.mapping.size(),
		FileBytes:   v.length,
		Dropped:     s.dropped,
	}
	if st.Entries > 0 {
		st.AvgEntryBytes = float64(st.TotalBytes) / float64(st.Entries)
	}
	return st
}

// Export describes a consistent point-in-time copy of the store: the first
// DataLength bytes of the data file plus the manifest that indexes them.
// Because the data file is append-only the prefix never changes afterwards.
type Export struct {
	DataPath   string
	DataLength int64
	Manifest   []byte
}

// Export captures the current view for backup.
func (s *Store) Export() (Export, error) {
	v := s.view.Load()
	if v == nil {
		return Export{}, ErrClosed
	}
	mf := manifestFile{Version: manifestVersion, Entries: sortedEntries(v.entries)}
	data, err := codec.Encode(s.opts.codec, mf)
	if err != nil {
		return Export{}, err
	}
	return Export{DataPath: s.dataPath, DataLength: v.length, Manifest: data}, nil
}

// Close releases the mapping and the data file. Readers still inside Read
// keep the mapping alive until they return.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	v := s.view.Swap(nil)
	if v != nil && v.mapping != nil {
		v.mapping.release()
	}
	return s.file.Close()
}
