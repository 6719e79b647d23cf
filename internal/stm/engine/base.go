package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/orecstm/internal/stm/clock"
	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/txn"
	"github.com/kolkov/orecstm/internal/stm/writeset"
)

// base holds the orec machinery shared by every algorithm in this package.
type base struct {
	table *orec.Table
	clock *clock.Clock

	// ordered algorithms take snapshots from lastComplete and publish it in
	// commit order; unordered ones use the raw timestamp.
	ordered bool
}

// snapshot returns a new snapshot time that is at least atLeast.
//
// For ordered algorithms this waits until every writer up to atLeast has
// finished writeback, so the returned time is safe to read at.
func (b *base) snapshot(atLeast uint64) uint64 {
	if !b.ordered {
		return b.clock.Now()
	}
	b.clock.WaitFor(atLeast)
	return b.clock.LastComplete()
}

func (b *base) begin(tx *txn.Descriptor) {
	tx.Revive()
	tx.LastAbort = txn.ReasonNone
	tx.Mode = txn.ReadOnly
	tx.EndTime = 0
	tx.Status = txn.Active
	if b.ordered {
		tx.StartTime = b.clock.LastComplete()
	} else {
		tx.StartTime = b.clock.Now()
	}
}

// abort records reason and returns the matching error.
func abort(tx *txn.Descriptor, reason txn.AbortReason) error {
	tx.LastAbort = reason
	if reason == txn.ReasonRemote {
		return ErrRemoteAbort
	}
	return ErrConflict
}

// valid reports whether o still supports a read made at the snapshot:
// unlocked and not newer than it, or held by tx itself.
func valid(tx *txn.Descriptor, o *orec.Orec) bool {
	w := o.Load()
	if w.IsLocked() {
		return tx.Owns(w)
	}
	return w.Version() <= tx.StartTime
}

// validate checks the whole read log against the current snapshot.
func (b *base) validate(tx *txn.Descriptor) bool {
	return tx.Reads.Validate(func(o *orec.Orec) bool { return valid(tx, o) })
}

// testHookAfterWordLoad runs between a read's word load and its orec check.
var testHookAfterWordLoad func()

// readMemory is the read-only read: load the word, then its orec, and accept
// the value only if the orec proves it was not written after the snapshot.
// A newer but unlocked orec extends the snapshot instead of aborting.
//
// For ordered algorithms loading the word before the orec is enough: every
// writer stamped at or before the snapshot has finished writeback, and a
// later writer locks the orec before it writes the word and stamps it after,
// so a new value implies the orec load sees the lock or a newer version.
//
// Unordered snapshots may include a writer that has its commit time but is
// still writing back, so there the orec is loaded before and after the word
// and the read is retried unless both loads agree.
//
// With a lazy read log and an ordered algorithm, a read made while the
// timestamp still equals the snapshot skips the orec entirely: no writer has
// a commit time past the snapshot, so none can have written the word yet.
// The address is hashed only if the transaction later validates.
//
// Thread Safety: owner thread only; shared words and orecs are accessed
// atomically.
func (b *base) readMemory(tx *txn.Descriptor, addr *uint64) (uint64, error) {
	if tx.Killed() {
		return 0, abort(tx, txn.ReasonRemote)
	}
	if b.ordered && tx.Reads.Lazy() {
		val := atomic.LoadUint64(addr)
		if b.clock.Now() == tx.StartTime {
			tx.Reads.Insert(addr, nil)
			return val, nil
		}
	}

	o := b.table.Get(addr)
	for {
		if tx.Killed() {
			return 0, abort(tx, txn.ReasonRemote)
		}

		var before orec.LockWord
		if !b.ordered {
			before = o.Load()
		}
		val := atomic.LoadUint64(addr)
		if testHookAfterWordLoad != nil {
			testHookAfterWordLoad()
		}
		w := o.Load()
		if !b.ordered && before != w {
			continue
		}

		if !w.IsLocked() {
			if w.Version() <= tx.StartTime {
				tx.Reads.Insert(addr, o)
				return val, nil
			}
			// Newer version: revalidate everything at a later snapshot.
			newts := b.snapshot(w.Version())
			if !b.validate(tx) {
				return 0, abort(tx, txn.ReasonValidation)
			}
			tx.StartTime = newts
			continue
		}

		if tx.Owns(w) {
			// Only a turbo transaction reads through its own locks, and it
			// reads memory directly without calling readMemory.
			Fatal("read through own orec outside turbo mode",
				zap.Uint32("thread", tx.ID), zap.Stringer("mode", tx.Mode))
		}
		return 0, abort(tx, txn.ReasonLocked)
	}
}

// readBuffered serves a read-write transaction: buffered writes first, then
// memory. A partially written word merges buffered bytes over memory.
func (b *base) readBuffered(tx *txn.Descriptor, addr *uint64) (uint64, error) {
	val, mask, ok := tx.Writes.Find(addr)
	if ok && mask == writeset.FullMask {
		return val, nil
	}
	mem, err := b.readMemory(tx, addr)
	if err != nil {
		return 0, err
	}
	if ok {
		return mem&^mask | val, nil
	}
	return mem, nil
}

// acquireAll CASes every write-set orec to tx's lock word. Orecs already
// held by tx (two addresses aliasing one orec) are skipped. An orec locked by
// another thread, or stamped after the snapshot, aborts.
func (b *base) acquireAll(tx *txn.Descriptor) error {
	for _, e := range tx.Writes.Entries() {
		o := b.table.Get(e.Addr)
		w := o.Load()
		if tx.Owns(w) {
			continue
		}
		if w.IsLocked() || w.Version() > tx.StartTime {
			return abort(tx, txn.ReasonAcquire)
		}
		if !o.CompareAndSwap(w, tx.MyLock) {
			return abort(tx, txn.ReasonAcquire)
		}
		tx.AddLock(o, w.Version())
	}
	return nil
}

// takeAll acquires write-set orecs for a transaction that holds the commit
// token. Nobody else may be holding any orec at that point, so a failed CAS
// means the protocol is broken.
func (b *base) takeAll(tx *txn.Descriptor) {
	for _, e := range tx.Writes.Entries() {
		b.take(tx, b.table.Get(e.Addr))
	}
}

func (b *base) take(tx *txn.Descriptor, o *orec.Orec) {
	w := o.Load()
	if tx.Owns(w) {
		return
	}
	if w.IsLocked() || !o.CompareAndSwap(w, tx.MyLock) {
		Fatal("orec held while commit token owner acquires",
			zap.Uint32("thread", tx.ID), zap.Stringer("orec", o.Load()),
			zap.Uint64("order", tx.EndTime))
	}
	tx.AddLock(o, w.Version())
}

// release stamps every held orec with version, unlocking it.
func release(tx *txn.Descriptor, version uint64) {
	next := orec.Unlocked(version)
	for _, l := range tx.Locks {
		l.Orec.Store(next)
	}
}

// restore puts back the version each held orec had before acquisition.
func restore(tx *txn.Descriptor) {
	for i := len(tx.Locks) - 1; i >= 0; i-- {
		l := tx.Locks[i]
		if !tx.Owns(l.Orec.Load()) {
			Fatal("rollback of orec not owned by thread",
				zap.Uint32("thread", tx.ID), zap.Stringer("orec", l.Orec.Load()))
		}
		l.Orec.Store(orec.Unlocked(l.Prev))
	}
}

// commitReadOnly validates a read-only transaction if any writer committed
// since its snapshot. No shared state is written.
func (b *base) commitReadOnly(tx *txn.Descriptor) error {
	if tx.Killed() {
		return abort(tx, txn.ReasonRemote)
	}
	now := b.clock.Now()
	if b.ordered {
		now = b.clock.LastComplete()
	}
	if now != tx.StartTime && !b.validate(tx) {
		return abort(tx, txn.ReasonReadOnlyValidation)
	}
	tx.Counters.CommitsReadOnly++
	b.finish(tx, txn.Committed)
	return nil
}

func (b *base) finish(tx *txn.Descriptor, status txn.Status) {
	tx.Status = status
	tx.EndAttempt()
}

// rollback is the shared unwind: restore orecs, hand off a reserved commit
// time in order, clear logs.
func (b *base) rollback(tx *txn.Descriptor) {
	restore(tx)
	if tx.EndTime != 0 && b.ordered {
		// Someone may be waiting on this slot in Publish.
		b.clock.Publish(tx.EndTime)
	}
	tx.Counters.Aborts[tx.LastAbort]++
	b.finish(tx, txn.Aborted)
}
