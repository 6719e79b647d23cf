package alloc

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/txn"
)

func newDescriptor() *txn.Descriptor {
	return txn.New(1, orec.NewTable(4, orec.HashFibonacci), txn.Config{})
}

func idle() uint64 { return math.MaxUint64 }

func TestAllocFresh(t *testing.T) {
	a := New(idle)
	tx := newDescriptor()

	w := a.Alloc(tx, 4)
	require.Len(t, w, 4)
	assert.Equal(t, []uint64{0, 0, 0, 0}, w)
	assert.Len(t, tx.Allocs, 1)
	assert.Nil(t, a.Alloc(tx, 0))
	assert.Equal(t, uint64(1), a.Stats().Fresh)
}

func TestAbortReturnsAllocations(t *testing.T) {
	a := New(idle)
	tx := newDescriptor()

	w := a.Alloc(tx, 8)
	w[3] = 42
	a.OnAbort(tx)
	tx.Reset()
	assert.Equal(t, 1, a.Stats().Free)

	again := a.Alloc(tx, 8)
	assert.Same(t, &w[0], &again[0], "aborted block not reused")
	assert.Zero(t, again[3], "reused block not zeroed")
	assert.Equal(t, uint64(1), a.Stats().Reused)
}

func TestBestFit(t *testing.T) {
	a := New(idle)
	tx := newDescriptor()

	small := a.Alloc(tx, 4)
	mid := a.Alloc(tx, 16)
	a.Alloc(tx, 64)
	a.OnAbort(tx)
	tx.Reset()

	got := a.Alloc(tx, 10)
	assert.Len(t, got, 10)
	assert.Same(t, &mid[0], &got[0], "expected smallest block that fits")

	got = a.Alloc(tx, 3)
	assert.Same(t, &small[0], &got[0])

	got = a.Alloc(tx, 100)
	assert.Len(t, got, 100)
	assert.Equal(t, uint64(4), a.Stats().Fresh)
}

func TestAbortDropsFrees(t *testing.T) {
	a := New(idle)
	tx := newDescriptor()

	a.Free(tx, make([]uint64, 4))
	a.OnAbort(tx)
	tx.Reset()
	a.OnCommit(tx, 1)

	s := a.Stats()
	assert.Zero(t, s.Limbo)
	assert.Zero(t, s.Free)
}

// TestDeferredFree: a committed free is reused only once the horizon passes
// its stamp.
func TestDeferredFree(t *testing.T) {
	var mu sync.Mutex
	horizon := uint64(3)
	a := New(func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		return horizon
	})
	tx := newDescriptor()

	block := a.Alloc(tx, 4)
	a.OnCommit(tx, 1)
	tx.Reset()

	a.Free(tx, block)
	a.OnCommit(tx, 5)
	tx.Reset()
	assert.Equal(t, 1, a.Stats().Limbo)

	a.OnBegin(tx)
	assert.Equal(t, 1, a.Stats().Limbo, "reclaimed while a reader predates the free")
	other := a.Alloc(tx, 4)
	assert.NotSame(t, &block[0], &other[0])
	a.OnAbort(tx)
	tx.Reset()

	mu.Lock()
	horizon = 5
	mu.Unlock()
	a.OnBegin(tx)
	s := a.Stats()
	assert.Zero(t, s.Limbo)
	assert.Equal(t, uint64(1), s.Reclaimed)
	assert.Equal(t, 2, s.Free)
}

func TestLimboOrderedByStamp(t *testing.T) {
	a := New(idle)
	tx := newDescriptor()

	for _, stamp := range []uint64{7, 3, 9, 5} {
		a.Free(tx, make([]uint64, 2))
		a.OnCommit(tx, stamp)
		tx.Reset()
	}
	assert.Equal(t, 2, a.Reclaim(5))
	assert.Equal(t, 2, a.Stats().Limbo)
	assert.Equal(t, 0, a.Reclaim(6))
	assert.Equal(t, 2, a.Reclaim(math.MaxUint64))
}

func TestConcurrentAllocFree(t *testing.T) {
	a := New(idle)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := newDescriptor()
			for i := 0; i < 200; i++ {
				w := a.Alloc(tx, 1+i%7)
				w[0] = uint64(i)
				a.Free(tx, w)
				a.OnCommit(tx, uint64(i))
				tx.Reset()
				a.OnBegin(tx)
			}
		}()
	}
	wg.Wait()
	a.Reclaim(math.MaxUint64)
	s := a.Stats()
	assert.Zero(t, s.Limbo)
	assert.Equal(t, s.Fresh+s.Reused, uint64(8*200))
}
