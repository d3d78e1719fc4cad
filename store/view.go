package store

import (
	"sync/atomic"

	"github.com/hupe1980/embedvault/internal/mmap"
)

// mappingRef counts the readers of a mapping. The store holds one reference
// while the mapping is current; whoever drops the count to zero unmaps it.
type mappingRef struct {
	m    *mmap.Mapping
	refs atomic.Int64
}

func newMappingRef(m *mmap.Mapping) *mappingRef {
	r := &mappingRef{m: m}
	r.refs.Store(1)
	return r
}

// acquire fails once the mapping has been retired and fully released.
func (r *mappingRef) acquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *mappingRef) release() {
	if r.refs.Add(-1) == 0 {
		_ = r.m.Close()
	}
}

func (r *mappingRef) size() int64 {
	if r == nil {
		return 0
	}
	return int64(r.m.Size())
}

// view is an immutable snapshot of the store. Writers publish a new view;
// they never mutate a published one.
type view struct {
	entries map[string]Entry
	// length is the durable data file length covered by entries.
	length  int64
	mapping *mappingRef
}

func (v *view) logicalBytes() uint64 {
	var total uint64
	for _, e := range v.entries {
		total += e.Size
	}
	return total
}
