// Package alloc provides transactional allocation of word blocks.
//
// Allocation is logged in the descriptor and undone on abort. Frees are
// deferred: a block freed by a committed transaction enters limbo stamped with
// a clock value and is reused only after every active transaction began at or
// after that stamp, so no in-flight reader can still reach it.
package alloc

import (
	"slices"
	"sort"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/kolkov/orecstm/internal/stm/txn"
)

// btreeDegree matches the degree tinykv uses for its in-memory trees.
const btreeDegree = 32

// Horizon returns the smallest begin time among active transactions, or
// math.MaxUint64 when none is active.
type Horizon func() uint64

type block struct {
	size  int
	addr  uintptr
	words []uint64
}

func freeBlock(w []uint64) block {
	w = w[:cap(w)]
	return block{size: len(w), addr: uintptr(unsafe.Pointer(unsafe.SliceData(w))), words: w}
}

// byFit orders free blocks by capacity, then address, so the first block at
// or above a size pivot is the best fit.
func byFit(a, b block) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.addr < b.addr
}

type limboEntry struct {
	stamp uint64
	words []uint64
}

// Stats is a snapshot of allocator activity.
type Stats struct {
	Fresh     uint64
	Reused    uint64
	Reclaimed uint64
	Free      int
	Limbo     int
}

// Allocator is shared by every thread of a runtime.
type Allocator struct {
	horizon Horizon

	mu    sync.Mutex
	free  *btree.BTreeG[block]
	limbo []limboEntry // ascending stamp

	pending   atomic.Int64
	fresh     atomic.Uint64
	reused    atomic.Uint64
	reclaimed atomic.Uint64
}

// New creates an allocator reclaiming against horizon.
func New(horizon Horizon) *Allocator {
	return &Allocator{
		horizon: horizon,
		free:    btree.NewG[block](btreeDegree, byFit),
	}
}

// Alloc returns a zeroed block of n words owned by tx's transaction. If the
// transaction aborts the block goes straight back to the free tree.
func (a *Allocator) Alloc(tx *txn.Descriptor, n int) []uint64 {
	if n <= 0 {
		return nil
	}
	words := a.take(n)
	tx.Allocs = append(tx.Allocs, words)
	return words
}

func (a *Allocator) take(n int) []uint64 {
	a.mu.Lock()
	var found block
	var ok bool
	a.free.AscendGreaterOrEqual(block{size: n}, func(b block) bool {
		found, ok = b, true
		return false
	})
	if ok {
		a.free.Delete(found)
	}
	a.mu.Unlock()

	if !ok {
		a.fresh.Inc()
		return make([]uint64, n)
	}
	a.reused.Inc()
	words := found.words[:n]
	clear(words)
	return words
}

// Free schedules block for release when tx commits.
func (a *Allocator) Free(tx *txn.Descriptor, words []uint64) {
	if cap(words) == 0 {
		return
	}
	tx.Frees = append(tx.Frees, words)
}

// OnBegin reclaims limbo blocks whose stamp every active transaction has
// passed. The calling thread must already have published its begin time.
func (a *Allocator) OnBegin(tx *txn.Descriptor) {
	if a.pending.Load() == 0 {
		return
	}
	a.Reclaim(a.horizon())
}

// OnCommit keeps the transaction's allocations and moves its frees to limbo
// under stamp. stamp must be a clock value no active-at-commit transaction
// can have begun at, e.g. timestamp+1 sampled after commit.
func (a *Allocator) OnCommit(tx *txn.Descriptor, stamp uint64) {
	if len(tx.Frees) == 0 {
		return
	}
	entries := make([]limboEntry, len(tx.Frees))
	for i, w := range tx.Frees {
		entries[i] = limboEntry{stamp: stamp, words: w}
	}
	a.mu.Lock()
	// Committers race to this lock, so stamps can arrive out of order.
	at := sort.Search(len(a.limbo), func(i int) bool { return a.limbo[i].stamp > stamp })
	a.limbo = slices.Insert(a.limbo, at, entries...)
	a.mu.Unlock()
	a.pending.Add(int64(len(tx.Frees)))
}

// OnAbort returns the transaction's allocations and drops its frees.
func (a *Allocator) OnAbort(tx *txn.Descriptor) {
	if len(tx.Allocs) == 0 {
		return
	}
	a.mu.Lock()
	for _, w := range tx.Allocs {
		a.free.ReplaceOrInsert(freeBlock(w))
	}
	a.mu.Unlock()
}

// Reclaim moves limbo blocks stamped at or before horizon to the free tree
// and returns how many it moved.
func (a *Allocator) Reclaim(horizon uint64) int {
	a.mu.Lock()
	n := 0
	for n < len(a.limbo) && a.limbo[n].stamp <= horizon {
		w := a.limbo[n].words
		a.free.ReplaceOrInsert(freeBlock(w))
		a.limbo[n] = limboEntry{}
		n++
	}
	a.limbo = a.limbo[n:]
	a.mu.Unlock()

	if n > 0 {
		a.pending.Sub(int64(n))
		a.reclaimed.Add(uint64(n))
	}
	return n
}

// Stats returns current counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	free, limbo := a.free.Len(), len(a.limbo)
	a.mu.Unlock()
	return Stats{
		Fresh:     a.fresh.Load(),
		Reused:    a.reused.Load(),
		Reclaimed: a.reclaimed.Load(),
		Free:      free,
		Limbo:     limbo,
	}
}
