package api

import (
	"runtime"
	"unsafe"

	"github.com/pingcap/errors"

	"github.com/kolkov/orecstm/internal/stm/engine"
	"github.com/kolkov/orecstm/internal/stm/txn"
	"github.com/kolkov/orecstm/internal/stm/writeset"
)

// Thread is a registered participant. It is not safe for concurrent use:
// one goroutine drives it at a time.
//
// The low-level protocol is Begin, any number of Load/Store, then Commit.
// When any of them returns an error the caller must call Rollback before the
// next Begin.
type Thread struct {
	rt   *Runtime
	id   uint32
	slot *slot
	desc *txn.Descriptor

	// algo is the algorithm the current transaction began under.
	algo   engine.Algorithm
	closed bool
}

// ID returns the thread id, usable with Runtime.AbortRemote.
func (th *Thread) ID() uint32 { return th.id }

// Active reports whether a transaction is in progress.
func (th *Thread) Active() bool { return th.desc.Status == txn.Active }

// Counters returns the thread's commit and abort totals.
func (th *Thread) Counters() txn.Counters { return th.desc.Counters }

// Begin starts a transaction. It waits while an algorithm switch is in
// progress.
func (th *Thread) Begin() error {
	if th.closed || th.rt.closed.Load() {
		return ErrClosed
	}
	if th.Active() {
		return ErrActive
	}
	rt := th.rt
	for {
		for rt.switching.Load() {
			runtime.Gosched()
		}
		// Publish before the second check: a switcher either sees this slot
		// busy or this thread sees the gate closed.
		th.slot.start.Store(rt.clock.LastComplete())
		if !rt.switching.Load() {
			break
		}
		th.slot.start.Store(idle)
	}
	th.algo = rt.algorithm()
	th.algo.Begin(th.desc)
	rt.alloc.OnBegin(th.desc)
	return nil
}

// fail records an aborting error for diagnostics and passes it through.
func (th *Thread) fail(err error) error {
	th.rt.tracer.Record(th.id, th.desc.LastAbort, 2)
	return err
}

// Load reads *addr transactionally.
func (th *Thread) Load(addr *uint64) (uint64, error) {
	if !th.Active() {
		return 0, ErrNotActive
	}
	v, err := th.algo.Read(th.desc, addr)
	if err != nil {
		return 0, th.fail(err)
	}
	return v, nil
}

// Store writes val to *addr transactionally.
func (th *Thread) Store(addr *uint64, val uint64) error {
	return th.StoreMasked(addr, val, writeset.FullMask)
}

// StoreMasked writes the bytes of val selected by mask to *addr.
func (th *Thread) StoreMasked(addr *uint64, val, mask uint64) error {
	if !th.Active() {
		return ErrNotActive
	}
	if err := th.algo.Write(th.desc, addr, val, mask); err != nil {
		return th.fail(err)
	}
	return nil
}

// Commit tries to make the transaction's writes visible.
func (th *Thread) Commit() error {
	if !th.Active() {
		return ErrNotActive
	}
	kind := th.desc.Mode
	if err := th.algo.Commit(th.desc); err != nil {
		return th.fail(err)
	}
	rt := th.rt
	// Every thread beginning from here on samples lastComplete >= stamp only
	// after this commit finished.
	rt.alloc.OnCommit(th.desc, rt.clock.Now()+1)
	th.desc.Reset()
	th.slot.start.Store(idle)

	switch kind {
	case txn.ReadOnly:
		rt.commitsRO.Inc()
	case txn.ReadWrite:
		rt.commitsRW.Inc()
	case txn.Turbo:
		rt.commitsTurbo.Inc()
	}
	rt.metrics.Commit(th.algo.Name(), kind)
	rt.cm.OnCommit(th.desc)
	return nil
}

// Rollback abandons the transaction. Without a preceding error the abort is
// counted as explicit. Rollback of an inactive thread is a no-op.
func (th *Thread) Rollback() {
	if !th.Active() {
		return
	}
	if th.desc.LastAbort == txn.ReasonNone {
		th.desc.LastAbort = txn.ReasonExplicit
	}
	reason := th.desc.LastAbort
	th.algo.Rollback(th.desc)
	th.rt.alloc.OnAbort(th.desc)
	th.desc.Reset()
	th.slot.start.Store(idle)

	th.rt.aborts[reason].Inc()
	th.rt.metrics.Abort(th.algo.Name(), reason)
}

// Alloc returns a zeroed block of n words that is released if the
// transaction aborts.
func (th *Thread) Alloc(n int) ([]uint64, error) {
	if !th.Active() {
		return nil, ErrNotActive
	}
	return th.rt.alloc.Alloc(th.desc, n), nil
}

// Free releases block once the transaction commits and no concurrent
// transaction can still reach it.
func (th *Thread) Free(block []uint64) error {
	if !th.Active() {
		return ErrNotActive
	}
	th.rt.alloc.Free(th.desc, block)
	return nil
}

// Close rolls back any open transaction and releases the thread id.
func (th *Thread) Close() {
	if th.closed {
		return
	}
	th.Rollback()
	th.closed = true
	th.rt.reg.release(th.id)
}

// Atomically runs fn in a transaction, retrying until it commits.
//
// A conflict, remote abort or Tx.Abort rolls back, consults the contention
// manager and retries. A non-nil error from fn rolls back and is returned
// without retry. A panic from fn rolls back and propagates. With max-retries
// set, ErrTooManyRetries is returned after that many aborted attempts.
func (th *Thread) Atomically(fn func(*Tx) error) error {
	maxRetries := th.rt.cfg.MaxRetries
	for attempt := 1; ; attempt++ {
		if err := th.Begin(); err != nil {
			return err
		}
		retry, err := th.attempt(fn)
		if !retry {
			th.rt.metrics.Attempts(attempt)
			return err
		}
		if maxRetries > 0 && attempt >= maxRetries {
			th.rt.metrics.Attempts(attempt)
			return errors.Annotatef(ErrTooManyRetries, "%d attempts", attempt)
		}
		th.rt.cm.OnAbort(th.desc, attempt)
	}
}

// abortSignal unwinds a Tx body to the enclosing attempt.
type abortSignal struct{}

func (th *Thread) attempt(fn func(*Tx) error) (retry bool, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(abortSignal); !ok {
			th.desc.LastAbort = txn.ReasonUser
			th.Rollback()
			panic(r)
		}
		th.Rollback()
		retry, err = true, nil
	}()

	if uerr := fn(&Tx{th: th}); uerr != nil {
		th.desc.LastAbort = txn.ReasonUser
		th.Rollback()
		return false, uerr
	}
	if cerr := th.Commit(); cerr != nil {
		th.Rollback()
		return true, nil
	}
	return false, nil
}

// wordOf reinterprets an int64 location as a word.
func wordOf(p *int64) *uint64 {
	return (*uint64)(unsafe.Pointer(p))
}
