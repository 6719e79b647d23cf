package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTick verifies fetch-and-increment semantics.
func TestTick(t *testing.T) {
	c := New()

	assert.Equal(t, uint64(0), c.Now())
	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())
	assert.Equal(t, uint64(2), c.Now())
	assert.Equal(t, uint64(0), c.LastComplete())
}

// TestTryPublish verifies that only the next commit time can be published.
func TestTryPublish(t *testing.T) {
	c := New()
	c.Tick()
	c.Tick()

	assert.False(t, c.TryPublish(2), "commit 2 published before commit 1")
	assert.True(t, c.TryPublish(1))
	assert.True(t, c.TryPublish(2))
	assert.Equal(t, uint64(2), c.LastComplete())
}

// TestPublish_WaitsForPredecessor verifies that Publish returns at once when
// its commit time is next and otherwise blocks until the predecessor lands.
func TestPublish_WaitsForPredecessor(t *testing.T) {
	c := New()
	first, second := c.Tick(), c.Tick()

	done := make(chan struct{})
	go func() {
		c.Publish(second)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("commit 2 published before commit 1")
	case <-time.After(20 * time.Millisecond):
	}

	c.Publish(first)
	<-done
	assert.Equal(t, second, c.LastComplete())
}

// TestPublish_FIFO verifies that publication happens strictly in commit-time
// order even when committers finish out of order.
func TestPublish_FIFO(t *testing.T) {
	c := New()
	const writers = 64

	times := make([]uint64, writers)
	for i := range times {
		times[i] = c.Tick()
	}

	var (
		mu    sync.Mutex
		order []uint64
		wg    sync.WaitGroup
	)
	// Launch in reverse so most writers must wait for their predecessors.
	for i := writers - 1; i >= 0; i-- {
		wg.Add(1)
		go func(ts uint64) {
			defer wg.Done()
			c.WaitFor(ts - 1)
			mu.Lock()
			order = append(order, ts)
			mu.Unlock()
			c.Publish(ts)
		}(times[i])
	}
	wg.Wait()

	require.Len(t, order, writers)
	for i, ts := range order {
		assert.Equal(t, uint64(i+1), ts, "publication out of order at %d", i)
	}
	assert.Equal(t, uint64(writers), c.LastComplete())
}

// TestSync verifies lastComplete catches up at quiescence.
func TestSync(t *testing.T) {
	c := New()
	c.Tick()
	c.Tick()
	c.Sync()

	assert.Equal(t, c.Now(), c.LastComplete())
}
