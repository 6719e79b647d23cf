// Package txn defines the per-thread transaction descriptor.
//
// A Descriptor is created once when a thread registers with a runtime and is
// reused for every transaction that thread runs. Everything in it except the
// liveness flag is private to the owning thread.
package txn

import (
	"sync/atomic"

	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/readlog"
	"github.com/kolkov/orecstm/internal/stm/writeset"
)

// Mode selects which read/write/commit path the engine runs for a
// transaction. Every transaction starts ReadOnly; the first write moves it to
// ReadWrite. Turbo is reserved for the oldest transaction of an ordered
// algorithm, which writes in place.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
	Turbo
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case Turbo:
		return "turbo"
	default:
		return "unknown"
	}
}

// Status is the lifecycle position of the current transaction.
type Status uint8

const (
	Idle Status = iota
	Active
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Lock is one held orec and the version it carried before acquisition.
// Rollback stores Prev back; the orec itself never points at its owner.
type Lock struct {
	Orec *orec.Orec
	Prev uint64
}

// Descriptor is the state of one thread's current transaction.
type Descriptor struct {
	// ID is the registry id of the owning thread, never 0.
	ID uint32
	// MyLock is the lock word this thread CASes into orecs it acquires.
	MyLock orec.LockWord

	// StartTime is the snapshot time: every logged read was valid as of it.
	StartTime uint64
	// EndTime is the commit time (or reserved commit order); 0 when none has
	// been taken.
	EndTime uint64

	Mode   Mode
	Status Status

	Reads  *readlog.Log
	Writes *writeset.Set
	Locks  []Lock

	// Allocs are blocks handed out by this transaction, returned on abort.
	Allocs [][]uint64
	// Frees are blocks released by this transaction, reclaimed after commit.
	Frees [][]uint64

	// Attempt counts consecutive aborts of the current logical transaction.
	Attempt int
	// LastAbort is the reason for the most recent abort.
	LastAbort AbortReason

	Counters Counters

	killed atomic.Bool
}

// Config sizes the descriptor's logs.
type Config struct {
	WriteSetCapacity int
	ReadLogCapacity  int
	LazyReadHashing  bool
}

// New creates the descriptor for thread id over table.
func New(id uint32, table *orec.Table, cfg Config) *Descriptor {
	return &Descriptor{
		ID:     id,
		MyLock: orec.Locked(id),
		Reads:  readlog.New(table, cfg.ReadLogCapacity, cfg.LazyReadHashing),
		Writes: writeset.NewSet(cfg.WriteSetCapacity),
		Locks:  make([]Lock, 0, 16),
	}
}

// AddLock records that the thread now holds o, which carried version prev.
func (d *Descriptor) AddLock(o *orec.Orec, prev uint64) {
	d.Locks = append(d.Locks, Lock{Orec: o, Prev: prev})
}

// Owns reports whether w is this thread's lock word.
//
//go:nosplit
func (d *Descriptor) Owns(w orec.LockWord) bool {
	return w == d.MyLock
}

// Kill marks the current transaction for remote abort. Safe to call from any
// goroutine; the owner notices at its next read or at commit.
func (d *Descriptor) Kill() {
	d.killed.Store(true)
}

// Killed reports whether a remote abort is pending.
//
//go:nosplit
func (d *Descriptor) Killed() bool {
	return d.killed.Load()
}

// Revive clears a pending remote abort. Called at begin.
func (d *Descriptor) Revive() {
	d.killed.Store(false)
}

// EndAttempt clears the protocol state of the finished attempt: logs, held
// locks, mode and commit time. The allocation logs survive so the runtime can
// settle them with the allocator afterwards.
func (d *Descriptor) EndAttempt() {
	d.Reads.Reset()
	d.Writes.Reset()
	clear(d.Locks)
	d.Locks = d.Locks[:0]
	d.Mode = ReadOnly
	d.EndTime = 0
}

// Reset clears all per-transaction state so the descriptor can run the next
// transaction. Backing storage is kept.
func (d *Descriptor) Reset() {
	d.EndAttempt()
	clear(d.Allocs)
	d.Allocs = d.Allocs[:0]
	clear(d.Frees)
	d.Frees = d.Frees[:0]
}
