package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/orecstm/internal/stm/txn"
	"github.com/kolkov/orecstm/internal/stm/writeset"
)

// cToken orders writers with a commit token. A transaction reserves its
// commit time ("order") from the timestamp at its first write, and commits
// only when lastComplete == order-1, i.e. when it is the oldest writer in
// flight. Orec acquisition therefore never races; conflicts surface only as
// failed read validation.
//
// With turbo enabled, a writer that finds itself oldest before commit
// validates, writes back its buffer, and from then on writes in place. A
// turbo transaction cannot be rolled back.
type cToken struct {
	base
	turbo bool
}

func newCToken(env Env) Algorithm {
	return &cToken{base: base{table: env.Table, clock: env.Clock, ordered: true}}
}

func newCTokenTurbo(env Env) Algorithm {
	return &cToken{base: base{table: env.Table, clock: env.Clock, ordered: true}, turbo: true}
}

func (a *cToken) Name() string {
	if a.turbo {
		return "CTokenTurbo"
	}
	return "CToken"
}

func (a *cToken) PrivatizationSafe() bool { return true }

func (a *cToken) Begin(tx *txn.Descriptor) { a.begin(tx) }

// Read serves turbo transactions directly from memory, since they hold the
// orec of everything they wrote. Other writers check for the token after
// each read and may switch to turbo.
func (a *cToken) Read(tx *txn.Descriptor, addr *uint64) (uint64, error) {
	switch tx.Mode {
	case txn.ReadOnly:
		return a.readMemory(tx, addr)
	case txn.Turbo:
		return atomic.LoadUint64(addr), nil
	}

	val, err := a.readBuffered(tx, addr)
	if err != nil {
		return 0, err
	}
	if err := a.maybeTurbo(tx); err != nil {
		return 0, err
	}
	return val, nil
}

// Write reserves the commit order on the first write of a transaction.
// Writes are buffered, or stored in place once the transaction is turbo.
func (a *cToken) Write(tx *txn.Descriptor, addr *uint64, val, mask uint64) error {
	switch tx.Mode {
	case txn.Turbo:
		a.writeInPlace(tx, addr, val, mask)
		return nil
	case txn.ReadOnly:
		tx.EndTime = a.clock.Tick()
		tx.Mode = txn.ReadWrite
	}
	tx.Writes.Insert(addr, val, mask)
	return a.maybeTurbo(tx)
}

// maybeTurbo switches tx to turbo mode if it is the oldest writer.
func (a *cToken) maybeTurbo(tx *txn.Descriptor) error {
	if !a.turbo || a.clock.LastComplete() != tx.EndTime-1 {
		return nil
	}
	if tx.Killed() {
		return abort(tx, txn.ReasonRemote)
	}
	if !a.validate(tx) {
		return abort(tx, txn.ReasonValidation)
	}
	a.takeAll(tx)
	tx.Writes.Writeback()
	tx.Mode = txn.Turbo
	return nil
}

func (a *cToken) writeInPlace(tx *txn.Descriptor, addr *uint64, val, mask uint64) {
	a.take(tx, a.table.Get(addr))
	if mask == writeset.FullMask {
		atomic.StoreUint64(addr, val)
		return
	}
	cur := atomic.LoadUint64(addr)
	atomic.StoreUint64(addr, cur&^mask|val&mask)
}

// Commit waits until every earlier writer has committed or aborted, then
// commits without contention: the token holder cannot lose an orec CAS.
func (a *cToken) Commit(tx *txn.Descriptor) error {
	switch tx.Mode {
	case txn.ReadOnly:
		return a.commitReadOnly(tx)
	case txn.Turbo:
		release(tx, tx.EndTime)
		a.clock.Publish(tx.EndTime)
		tx.Counters.CommitsTurbo++
		a.finish(tx, txn.Committed)
		return nil
	}

	if tx.Killed() {
		return abort(tx, txn.ReasonRemote)
	}

	// Wait for the token: every earlier writer has committed or aborted.
	a.clock.WaitFor(tx.EndTime - 1)

	if tx.StartTime != tx.EndTime-1 && !a.validate(tx) {
		return abort(tx, txn.ReasonValidation)
	}

	a.takeAll(tx)
	tx.Writes.Writeback()
	release(tx, tx.EndTime)
	a.clock.Publish(tx.EndTime)

	tx.Counters.CommitsReadWrite++
	a.finish(tx, txn.Committed)
	return nil
}

func (a *cToken) Rollback(tx *txn.Descriptor) {
	if tx.Mode == txn.Turbo {
		Fatal("rollback of turbo transaction",
			zap.Uint32("thread", tx.ID), zap.Uint64("order", tx.EndTime),
			zap.Stringer("reason", tx.LastAbort))
	}
	a.rollback(tx)
}
