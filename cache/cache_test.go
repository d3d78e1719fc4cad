package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestKeyFor(t *testing.T) {
	q := []float32{0.1, 0.2, 0.3}
	p := Params{Table: "code", NProbes: 20, RefineFactor: 1, Filters: map[string]string{"lang": "go", "repo": "x"}}

	k := KeyFor(q, 10, p)
	assert.Equal(t, k, KeyFor([]float32{0.1, 0.2, 0.3}, 10, Params{
		Table: "code", NProbes: 20, RefineFactor: 1,
		Filters: map[string]string{"repo": "x", "lang": "go"},
	}))

	variants := []Key{
		KeyFor([]float32{0.1, 0.2, 0.30001}, 10, p),
		KeyFor(q, 11, p),
		KeyFor(q, 10, Params{Table: "code", NProbes: 21, RefineFactor: 1, Filters: p.Filters}),
		KeyFor(q, 10, Params{Table: "code", NProbes: 20, RefineFactor: 2, Filters: p.Filters}),
		KeyFor(q, 10, Params{Table: "docs", NProbes: 20, RefineFactor: 1, Filters: p.Filters}),
		KeyFor(q, 10, Params{Table: "code", NProbes: 20, RefineFactor: 1}),
	}
	for i, v := range variants {
		assert.NotEqual(t, k, v, "variant %d", i)
	}
	assert.Len(t, k.String(), 32)
}

func TestCache_HitMiss(t *testing.T) {
	c := New()
	k := KeyFor([]float32{1}, 5, Params{})

	_, ok := c.Get(k)
	assert.False(t, ok)

	c.Put(k, []Result{{ID: "a", Locator: "a.go", Score: 0.9}})
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, []Result{{ID: "a", Locator: "a.go", Score: 0.9}}, got)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	assert.Equal(t, 1, st.Entries)

	e, ok := c.Peek(k)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Hits)
}

func TestCache_CopiesValues(t *testing.T) {
	c := New()
	k := KeyFor([]float32{1}, 1, Params{})

	in := []Result{{ID: "a"}}
	c.Put(k, in)
	in[0].ID = "mutated"

	out, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "a", out[0].ID)

	out[0].ID = "mutated"
	again, _ := c.Get(k)
	assert.Equal(t, "a", again[0].ID)
}

func TestCache_TTLExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(WithTTL(time.Minute), WithClock(clk.Now))
	k := KeyFor([]float32{1}, 1, Params{})

	c.Put(k, []Result{{ID: "a"}})
	clk.Advance(59 * time.Second)
	_, ok := c.Get(k)
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Purge(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(WithTTL(time.Minute), WithClock(clk.Now))

	for i := 0; i < 10; i++ {
		c.Put(KeyFor([]float32{float32(i)}, 1, Params{}), nil)
	}
	clk.Advance(30 * time.Second)
	fresh := KeyFor([]float32{99}, 1, Params{})
	c.Put(fresh, nil)
	clk.Advance(31 * time.Second)

	assert.Equal(t, 10, c.Purge())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(fresh)
	assert.True(t, ok)
}

func TestCache_NoTTL(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := New(WithTTL(0), WithClock(clk.Now))
	k := KeyFor([]float32{1}, 1, Params{})
	c.Put(k, nil)
	clk.Advance(1000 * time.Hour)
	_, ok := c.Get(k)
	assert.True(t, ok)
	assert.Equal(t, 0, c.Purge())
}

func TestCache_LRUEvictionWithinShard(t *testing.T) {
	c := New(WithMaxEntries(maxShards * 2))

	// Collect three keys that land in the same shard.
	var keys []Key
	for i := 0; len(keys) < 3; i++ {
		k := KeyFor([]float32{float32(i)}, 1, Params{})
		if k[0]%maxShards == 0 {
			keys = append(keys, k)
		}
	}

	c.Put(keys[0], nil)
	c.Put(keys[1], nil)
	_, ok := c.Get(keys[0]) // keys[1] becomes least recently used
	require.True(t, ok)
	c.Put(keys[2], nil)

	_, ok = c.Get(keys[1])
	assert.False(t, ok)
	_, ok = c.Get(keys[0])
	assert.True(t, ok)
	_, ok = c.Get(keys[2])
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_MaxEntriesIsTotal(t *testing.T) {
	for _, limit := range []int{1, 4, 17, 100} {
		t.Run(fmt.Sprintf("max=%d", limit), func(t *testing.T) {
			c := New(WithMaxEntries(limit), WithTTL(0))
			for i := range 16 * limit {
				c.Put(KeyFor([]float32{float32(i)}, 1, Params{}), nil)
				require.LessOrEqual(t, c.Len(), limit)
			}
			assert.Equal(t, uint64(16*limit-c.Len()), c.Stats().Evictions)
		})
	}
}

func TestCache_Clear(t *testing.T) {
	c := New()
	k := KeyFor([]float32{1}, 1, Params{})
	c.Put(k, nil)
	c.Clear()
	_, ok := c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Concurrent(t *testing.T) {
	c := New(WithMaxEntries(64))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := KeyFor([]float32{float32(i % 100)}, g%3, Params{})
				if res, ok := c.Get(k); ok {
					if len(res) != 1 || res[0].ID != fmt.Sprint(i%100) {
						t.Errorf("unexpected cached value %v", res)
						return
					}
					continue
				}
				c.Put(k, []Result{{ID: fmt.Sprint(i % 100)}})
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
	st := c.Stats()
	assert.Equal(t, uint64(8*500), st.Hits+st.Misses)
}

func TestCache_RunJanitor(t *testing.T) {
	c := New(WithTTL(time.Millisecond))
	c.Put(KeyFor([]float32{1}, 1, Params{}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func BenchmarkCache_GetHit(b *testing.B) {
	c := New()
	q := make([]float32, 768)
	k := KeyFor(q, 10, Params{})
	c.Put(k, make([]Result, 10))
	for b.Loop() {
		_, _ = c.Get(k)
	}
}
