package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	c := New()
	assert.Equal(t, int64(0), c.Current(), "new clock should start at 0")
	assert.Equal(t, int64(1), c.Tick())
}

func TestNewAt(t *testing.T) {
	c := NewAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Tick())
}

func TestObserve_AdvancesPastSeen(t *testing.T) {
	c := New()
	c.Observe(10)
	assert.Equal(t, int64(11), c.Tick(), "tick after observing 10 must be 11")
}

func TestObserve_NeverRewinds(t *testing.T) {
	c := NewAt(100)
	c.Observe(5)
	assert.Equal(t, int64(100), c.Current(), "observing a smaller clock must not rewind")
}

func TestTick_Unique(t *testing.T) {
	c := New()
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		v := c.Tick()
		assert.False(t, seen[v], "value %d generated twice", v)
		seen[v] = true
	}
}

func TestConcurrentTickAndObserve(t *testing.T) {
	c := New()
	const goroutines = 50
	const perGoroutine = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				c.Observe(int64(g * i))
				v := c.Tick()
				mu.Lock()
				assert.False(t, seen[v], "duplicate clock value %d", v)
				seen[v] = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}
