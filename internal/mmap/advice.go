package mmap

import "errors"

// Advice is a paging hint passed to madvise(2).
type Advice int

const (
	AdviseNormal Advice = iota
	AdviseSequential
	AdviseRandom
	// AdviseWillNeed asks the kernel to fault the range in ahead of use.
	AdviseWillNeed
)

var (
	ErrClosed        = errors.New("mmap: mapping is closed")
	ErrInvalidSize   = errors.New("mmap: invalid size")
	ErrOutOfBounds   = errors.New("mmap: range outside mapping")
	ErrInvalidOffset = errors.New("mmap: negative offset")
)

// Region is a window [offset, offset+size) of a Mapping. It shares the
// parent's memory and lifetime.
type Region struct {
	parent *Mapping
	offset int
	size   int
}

// Region returns the window of size bytes at offset.
func (m *Mapping) Region(offset, size int) (*Region, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if offset < 0 || size < 0 || offset+size > m.size {
		return nil, ErrOutOfBounds
	}
	return &Region{parent: m, offset: offset, size: size}, nil
}

// Len returns the window size.
func (r *Region) Len() int { return r.size }

// Bytes returns the window, or nil once the parent is closed.
func (r *Region) Bytes() []byte {
	if r.parent.closed.Load() {
		return nil
	}
	return r.parent.data[r.offset : r.offset+r.size]
}

// Advise applies a paging hint to the window.
func (r *Region) Advise(a Advice) error {
	if r.parent.closed.Load() {
		return ErrClosed
	}
	return osAdvise(r.parent.data[r.offset:r.offset+r.size], a)
}
