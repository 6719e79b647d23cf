package api

import (
	"math"
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/txn"
)

// idle marks a slot whose thread is not inside a transaction.
const idle = math.MaxUint64

// slot is the shared per-thread-id state. start is written by the owner and
// read by switchers and the allocator's reclaimer.
type slot struct {
	start atomic.Uint64
	_     [56]byte

	desc       *txn.Descriptor
	registered bool
}

// registry hands out thread ids 1..size. Ids are recycled FIFO so a freshly
// released id is the last to be reused.
type registry struct {
	mu    sync.Mutex
	free  []uint32
	slots []slot // index id-1
	count atomic.Int32
}

func newRegistry(size int) *registry {
	r := &registry{
		free:  make([]uint32, size),
		slots: make([]slot, size),
	}
	for i := range r.free {
		r.free[i] = uint32(i + 1)
		r.slots[i].start.Store(idle)
	}
	return r
}

// alloc reserves an id and returns its slot, creating the descriptor on
// first use of the id.
func (r *registry) alloc(table *orec.Table, cfg txn.Config) (uint32, *slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return 0, nil, ErrTooManyThreads
	}
	id := r.free[0]
	r.free = r.free[1:]

	s := &r.slots[id-1]
	if s.desc == nil {
		s.desc = txn.New(id, table, cfg)
	}
	s.desc.Reset()
	s.desc.Status = txn.Idle
	s.registered = true
	r.count.Inc()
	return id, s, nil
}

func (r *registry) release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.slots[id-1]
	s.start.Store(idle)
	s.registered = false
	r.free = append(r.free, id)
	r.count.Dec()
}

// lookup returns the slot of a registered id.
func (r *registry) lookup(id uint32) (*slot, bool) {
	if id == 0 || int(id) > len(r.slots) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.slots[id-1]
	return s, s.registered
}

// horizon is the smallest published start time, or idle.
func (r *registry) horizon() uint64 {
	lowest := uint64(idle)
	for i := range r.slots {
		if v := r.slots[i].start.Load(); v < lowest {
			lowest = v
		}
	}
	return lowest
}

// waitQuiescent spins until no slot is inside a transaction.
func (r *registry) waitQuiescent() {
	for i := range r.slots {
		for r.slots[i].start.Load() != idle {
			runtime.Gosched()
		}
	}
}

func (r *registry) threads() int { return int(r.count.Load()) }
