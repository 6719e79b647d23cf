package engine

import (
	"github.com/kolkov/orecstm/internal/stm/txn"
)

// orecELA is the reference protocol: lazy orec acquisition decided by CAS
// races, extendable timestamps, and an in-order lastComplete hand-off that
// makes commits privatization safe.
type orecELA struct {
	base
}

func newOrecELA(env Env) Algorithm {
	return &orecELA{base{table: env.Table, clock: env.Clock, ordered: true}}
}

func (a *orecELA) Name() string { return "OrecELA" }

func (a *orecELA) PrivatizationSafe() bool { return true }

// Begin snapshots lastComplete rather than timestamp, so the transaction
// never waits on a writer that has a commit time but is still writing back.
func (a *orecELA) Begin(tx *txn.Descriptor) {
	a.begin(tx)
}

// Read returns the value of *addr in tx's snapshot.
//
// Read-only transactions go straight to memory and log the orec. Once tx
// has written, the write set is consulted first and a full-word hit returns
// without touching the orec at all.
//
// An orec stamped after the snapshot extends the snapshot to the current
// lastComplete after validating the read log; the read aborts only if that
// validation fails or the orec is locked.
//
// Performance: a read that hits an unlocked, old orec costs one hash, two
// atomic loads and one append to the read log.
func (a *orecELA) Read(tx *txn.Descriptor, addr *uint64) (uint64, error) {
	if tx.Mode == txn.ReadOnly {
		return a.readMemory(tx, addr)
	}
	return a.readBuffered(tx, addr)
}

// Write buffers the value. No orec is touched until commit.
func (a *orecELA) Write(tx *txn.Descriptor, addr *uint64, val, mask uint64) error {
	tx.Writes.Insert(addr, val, mask)
	tx.Mode = txn.ReadWrite
	return nil
}

// Commit makes tx's writes visible.
//
// Read-only transactions validate only if some writer finished since their
// snapshot, and never write shared state. Writers acquire orecs by CAS, take
// a commit time, validate unless nobody else committed in between, write
// back, release at the commit time and publish lastComplete in commit order.
// The publication wait is what makes the algorithm privatization safe: a
// writer cannot report completion before every earlier writer has finished
// writeback.
//
// On error the caller must Rollback.
func (a *orecELA) Commit(tx *txn.Descriptor) error {
	if tx.Mode == txn.ReadOnly {
		return a.commitReadOnly(tx)
	}
	if tx.Killed() {
		return abort(tx, txn.ReasonRemote)
	}

	// 1. Acquire every orec covering the write set.
	if err := a.acquireAll(tx); err != nil {
		return err
	}

	// 2. Commit time.
	tx.EndTime = a.clock.Tick()

	// 3. Validate unless nobody committed since the snapshot.
	if tx.EndTime != tx.StartTime+1 && !a.validate(tx) {
		return abort(tx, txn.ReasonValidation)
	}

	// 4. Writeback; every written address is covered by a held orec.
	tx.Writes.Writeback()

	// 5. Release, then publish in commit order.
	release(tx, tx.EndTime)
	a.clock.Publish(tx.EndTime)

	tx.Counters.CommitsReadWrite++
	a.finish(tx, txn.Committed)
	return nil
}

// Rollback restores every acquired orec to its previous version and, if a
// commit time was taken, still publishes it so later writers are not
// blocked. It never fails.
func (a *orecELA) Rollback(tx *txn.Descriptor) {
	a.rollback(tx)
}
