package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_StartsAtZero(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Current())
}

func TestDeterministicClock_NextIncrementsMonotonically(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Next())
	assert.Equal(t, int64(3), clock.Next())
	assert.Equal(t, int64(3), clock.Current())
}

func TestDeterministicClock_Observe(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Observe(10)
	assert.Equal(t, int64(11), clock.Next())

	// Observing a smaller value never rewinds.
	clock.Observe(3)
	assert.Equal(t, int64(12), clock.Next())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Next()
	clock.Next()
	clock.Reset()
	assert.Equal(t, int64(1), clock.Next())
}

func TestDeterministicClock_ConcurrentNext(t *testing.T) {
	clock := NewDeterministicClock()
	var wg sync.WaitGroup
	seen := make([]int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = clock.Next()
		}(i)
	}
	wg.Wait()

	unique := make(map[int64]bool)
	for _, v := range seen {
		unique[v] = true
	}
	assert.Len(t, unique, 100, "every Next value is distinct")
	assert.Equal(t, int64(100), clock.Current())
}
