package mmap

import (
	"io"
	"os"
	"sync/atomic"
)

// Mapping is a read-only view of a file. It owns the mapped memory.
type Mapping struct {
	data   []byte
	size   int
	closed atomic.Bool
	unmap  func([]byte) error
}

// Open maps the file at path in full.
func Open(path string) (*Mapping, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if int64(int(fi.Size())) != fi.Size() {
		return nil, ErrInvalidSize
	}
	return OpenSize(path, int(fi.Size()))
}

// OpenSize maps size bytes of the file at path.
//
// On Unix size may exceed the file length, so bytes appended later become
// readable through the same mapping. Bytes past the file length must never
// be touched. Windows clamps size to the file length; Size reports the
// mapped length in both cases.
func OpenSize(path string, size int) (*Mapping, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		return &Mapping{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	data, unmap, err := osMap(f, size, fi.Size())
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, size: len(data), unmap: unmap}, nil
}

// Close unmaps the file. Further calls are no-ops.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.unmap == nil || m.data == nil {
		return nil
	}
	return m.unmap(m.data)
}

// Bytes returns the mapped memory, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the mapped length.
func (m *Mapping) Size() int { return m.size }

// Advise applies a paging hint to the whole mapping.
func (m *Mapping) Advise(a Advice) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.data == nil {
		return nil
	}
	return osAdvise(m.data, a)
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrInvalidOffset
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
