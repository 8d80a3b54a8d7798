package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicGetPut(t *testing.T) {
	c := New[string, int](3, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2, 0, nil)
	assert.False(t, c.Put("a", 1))
	assert.False(t, c.Put("b", 2))

	// Touch a so b becomes the eviction candidate.
	c.Get("a")
	assert.True(t, c.Put("c", 3))

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestUpdateExistingDoesNotEvict(t *testing.T) {
	c := New[string, int](2, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)
	assert.False(t, c.Put("a", 10))

	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[string, int](2, 0, nil)
	c.Put("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 0, c.Len())
}

func TestCapacityOne(t *testing.T) {
	c := New[int, int](1, 0, nil)
	c.Put(1, 1)
	assert.True(t, c.Put(2, 2))
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestPanicOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[string, int](0, 0, nil) })
}

func TestTTLExpiration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](4, time.Minute, clock)
	c.Put("a", 1)

	assert.Equal(t, time.Minute, c.TTL("a"))

	clock.Advance(59 * time.Second)
	assert.Equal(t, time.Second, c.TTL("a"))
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.TTL("a"))
	assert.Equal(t, 0, c.Len())
}

func TestTTLUpdateResetsLifetime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](4, time.Minute, clock)
	c.Put("a", 1)

	clock.Advance(50 * time.Second)
	c.Put("a", 2)
	clock.Advance(50 * time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestNoTTLReportsZero(t *testing.T) {
	c := New[string, int](1, 0, clockwork.NewFakeClock())
	c.Put("a", 1)
	assert.Zero(t, c.TTL("a"))
}

func TestPutIfAbsent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](4, time.Minute, clock)

	wait, ok := c.PutIfAbsent("a", 1)
	assert.True(t, ok)
	assert.Zero(t, wait)

	clock.Advance(15 * time.Second)
	wait, ok = c.PutIfAbsent("a", 2)
	assert.False(t, ok)
	assert.Equal(t, 45*time.Second, wait)
	v, _ := c.Get("a")
	assert.Equal(t, 1, v, "existing entry must be left untouched")

	clock.Advance(45 * time.Second)
	_, ok = c.PutIfAbsent("a", 3)
	assert.True(t, ok, "expired entry counts as absent")
	v, _ = c.Get("a")
	assert.Equal(t, 3, v)
}

func TestPutIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	c := New[string, int](4, time.Hour, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if _, ok := c.PutIfAbsent("k", g); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](64, time.Hour, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*500+i)%100)
				c.Put(key, i)
				c.Get(key)
				c.TTL(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
