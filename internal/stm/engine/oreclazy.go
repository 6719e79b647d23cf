package engine

import "github.com/kolkov/orecstm/internal/stm/txn"

// orecLazy is orecELA without the ordered hand-off: snapshots come from the
// raw timestamp and commits do not wait for their predecessors to finish
// writeback. Cheaper commits; not privatization safe.
type orecLazy struct {
	base
}

func newOrecLazy(env Env) Algorithm {
	return &orecLazy{base{table: env.Table, clock: env.Clock}}
}

func (a *orecLazy) Name() string { return "OrecLazy" }

func (a *orecLazy) PrivatizationSafe() bool { return false }

func (a *orecLazy) Begin(tx *txn.Descriptor) { a.begin(tx) }

func (a *orecLazy) Read(tx *txn.Descriptor, addr *uint64) (uint64, error) {
	if tx.Mode == txn.ReadOnly {
		return a.readMemory(tx, addr)
	}
	return a.readBuffered(tx, addr)
}

func (a *orecLazy) Write(tx *txn.Descriptor, addr *uint64, val, mask uint64) error {
	tx.Writes.Insert(addr, val, mask)
	tx.Mode = txn.ReadWrite
	return nil
}

func (a *orecLazy) Commit(tx *txn.Descriptor) error {
	if tx.Mode == txn.ReadOnly {
		return a.commitReadOnly(tx)
	}
	if tx.Killed() {
		return abort(tx, txn.ReasonRemote)
	}
	if err := a.acquireAll(tx); err != nil {
		return err
	}
	tx.EndTime = a.clock.Tick()
	if tx.EndTime != tx.StartTime+1 && !a.validate(tx) {
		return abort(tx, txn.ReasonValidation)
	}
	tx.Writes.Writeback()
	release(tx, tx.EndTime)

	tx.Counters.CommitsReadWrite++
	a.finish(tx, txn.Committed)
	return nil
}

func (a *orecLazy) Rollback(tx *txn.Descriptor) { a.rollback(tx) }
