package cache

import (
	"container/list"
	"slices"
	"sync"
	"time"
)

// Result is one ranked hit.
type Result struct {
	ID      string
	Locator string
	Score   float32
}

// Entry is a cached query result.
type Entry struct {
	Key        Key
	Results    []Result
	InsertedAt time.Time
	LastAccess time.Time
	Hits       uint64
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[Key]*list.Element
	order    *list.List // front = most recently used
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		items:    make(map[Key]*list.Element),
		order:    list.New(),
	}
}

// get returns a copy of the results; expired reports a lazily evicted entry.
func (s *shard) get(key Key, now time.Time, ttl time.Duration) (res []Result, ok, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.items[key]
	if !found {
		return nil, false, false
	}
	e := el.Value.(*Entry)
	if ttl > 0 && now.Sub(e.InsertedAt) >= ttl {
		s.remove(el)
		return nil, false, true
	}
	e.LastAccess = now
	e.Hits++
	s.order.MoveToFront(el)
	return slices.Clone(e.Results), true, false
}

// put returns the number of entries evicted for capacity.
func (s *shard) put(key Key, results []Result, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, found := s.items[key]; found {
		e := el.Value.(*Entry)
		e.Results = results
		e.InsertedAt = now
		e.LastAccess = now
		s.order.MoveToFront(el)
		return 0
	}

	el := s.order.PushFront(&Entry{Key: key, Results: results, InsertedAt: now, LastAccess: now})
	s.items[key] = el

	evicted := 0
	for s.order.Len() > s.capacity {
		s.remove(s.order.Back())
		evicted++
	}
	return evicted
}

func (s *shard) purge(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*Entry).InsertedAt) >= ttl {
			s.remove(el)
			n++
		}
		el = prev
	}
	return n
}

func (s *shard) peek(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	e := *el.Value.(*Entry)
	e.Results = slices.Clone(e.Results)
	return e, true
}

func (s *shard) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[Key]*list.Element)
	s.order.Init()
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *shard) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*Entry).Key)
}
