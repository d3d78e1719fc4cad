package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/hupe1980/embedvault/internal/fs"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync before Append returns. Concurrent
	// appenders share one fsync (group commit).
	DurabilitySync
)

const (
	walMagic      = "EVLOGWAL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

type Options struct {
	Durability Durability
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL manages the append-only log file.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	cw   *countingWriter
	path string
	opts Options

	// truncated is the number of torn tail bytes dropped by Open.
	truncated int64

	// Group commit state
	syncedOffset int64      // Offset known to be fsync'd
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error encountered by background syncer
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// Open opens or creates a WAL at the given path. A torn record at the end of
// an existing log (a crash mid-append) is cut off; corruption before the
// tail is cut off the same way since nothing after it can be trusted.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	offset := stat.Size()
	var truncated int64

	if offset == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		offset = walHeaderSize
	} else {
		if err := checkHeader(f, offset); err != nil {
			f.Close()
			return nil, err
		}
		valid, scanErr := scanValid(f, offset)
		if valid < offset {
			opts.Logger.Warn("truncating damaged WAL tail",
				"path", path, "valid_bytes", valid, "dropped_bytes", offset-valid, "error", scanErr)
			if err := f.Truncate(valid); err != nil {
				f.Close()
				return nil, fmt.Errorf("wal: truncate tail: %w", err)
			}
			truncated = offset - valid
			offset = valid
		}
	}

	cw := &countingWriter{
		w: bufio.NewWriter(f),
		n: offset,
	}

	w := &WAL{
		fs:           fsys,
		file:         f,
		cw:           cw,
		path:         path,
		opts:         opts,
		truncated:    truncated,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	return w, nil
}

func checkHeader(f fs.File, size int64) error {
	if size < walHeaderSize {
		return fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize)
	}
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return err
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// scanValid returns the end offset of the last intact record.
func scanValid(f fs.File, size int64) (int64, error) {
	r := bufio.NewReader(io.NewSectionReader(f, walHeaderSize, size-walHeaderSize))
	valid := int64(walHeaderSize)
	for {
		_, n, err := Decode(r)
		if err == io.EOF {
			return valid, nil
		}
		if err != nil {
			return valid, err
		}
		valid += n
	}
}

// Truncated returns the number of damaged tail bytes dropped by Open.
func (w *WAL) Truncated() int64 { return w.truncated }

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Size returns the current size of the WAL in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}

		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n

		// fsync without the lock so appenders keep filling the next batch.
		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}

		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// AppendAsync writes a record to the file but does not wait for fsync.
// It returns the start and end offsets of the record.
func (w *WAL) AppendAsync(rec *Record) (start, end int64, err error) {
	b, err := rec.MarshalBinary()
	if err != nil {
		return 0, 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, 0, w.lastErr
	}

	start = w.cw.n
	if _, err := w.cw.Write(b); err != nil {
		return 0, 0, err
	}
	if err := w.cw.Flush(); err != nil {
		return 0, 0, err
	}
	end = w.cw.n

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return start, end, nil
}

// WaitFor waits until the WAL is synced up to the given offset. In
// DurabilityAsync it returns immediately.
func (w *WAL) WaitFor(offset int64) error {
	if w.opts.Durability != DurabilitySync {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// ReadAt decodes the record starting at offset.
func (w *WAL) ReadAt(offset int64) (*Record, error) {
	if offset < walHeaderSize {
		return nil, fmt.Errorf("wal: offset %d inside header", offset)
	}
	rec, _, err := Decode(bufio.NewReader(io.NewSectionReader(w.file, offset, math.MaxInt64-offset)))
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	return rec, err
}

// Sync ensures all buffered writes are committed to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	if err := w.cw.Flush(); err != nil {
		return err
	}

	// The background syncer only runs in DurabilitySync.
	if w.opts.Durability == DurabilityAsync {
		return w.file.Sync()
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}

	if err := w.cw.Flush(); err != nil {
		w.mu.Unlock()
		w.file.Close()
		return err
	}

	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	return w.file.Close()
}

// Replay calls fn for every record in log order with its start offset.
func (w *WAL) Replay(fn func(rec *Record, offset int64) error) error {
	r, err := w.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		off := r.Offset()
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec, off); err != nil {
			return err
		}
	}
}

// Reader returns a reader for replaying the WAL.
// The caller is responsible for closing the returned reader.
func (w *WAL) Reader() (*Reader, error) {
	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over WAL records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the offset of the next record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
