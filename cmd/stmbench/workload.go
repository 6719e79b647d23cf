package main

import (
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/pingcap/errors"

	"github.com/kolkov/orecstm/stm"
)

// initialBalance is every bank account's starting balance.
const initialBalance = 1000

// auditPercent is the share of bank operations that sum every account.
const auditPercent = 10

var errAuditFailed = errors.New("audit saw an inconsistent total")

// workload is one benchmark scenario over a block of shared words.
type workload interface {
	Name() string
	// Op runs one transactional operation for worker tid.
	Op(tx *stm.Tx, tid int, rng *rand.Rand) error
	// Check verifies the final state after ops committed operations.
	Check(ops uint64) error
}

type workloadFactory func(words, threads int) workload

var workloads = map[string]workloadFactory{
	"counter":  newCounterWorkload,
	"bank":     newBankWorkload,
	"disjoint": newDisjointWorkload,
}

func workloadNames() []string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newWorkload(name string, words, threads int) (workload, error) {
	f, ok := workloads[name]
	if !ok {
		return nil, errors.Errorf("unknown workload %q (have %v)", name, workloadNames())
	}
	return f(words, threads), nil
}

// counterWorkload increments one shared word. Every transaction conflicts
// with every other.
type counterWorkload struct {
	value uint64
}

func newCounterWorkload(_, _ int) workload { return &counterWorkload{} }

func (w *counterWorkload) Name() string { return "counter" }

func (w *counterWorkload) Op(tx *stm.Tx, _ int, _ *rand.Rand) error {
	tx.Store(&w.value, tx.Load(&w.value)+1)
	return nil
}

func (w *counterWorkload) Check(ops uint64) error {
	if got := atomic.LoadUint64(&w.value); got != ops {
		return errors.Errorf("counter = %d after %d increments", got, ops)
	}
	return nil
}

// bankWorkload moves money between random accounts and occasionally audits
// the total from a read-only transaction.
type bankWorkload struct {
	accounts []uint64
	audits   atomic.Uint64
	failed   atomic.Uint64
}

func newBankWorkload(words, _ int) workload {
	if words < 2 {
		words = 2
	}
	w := &bankWorkload{accounts: make([]uint64, words)}
	for i := range w.accounts {
		w.accounts[i] = initialBalance
	}
	return w
}

func (w *bankWorkload) Name() string { return "bank" }

func (w *bankWorkload) total() uint64 {
	return uint64(len(w.accounts)) * initialBalance
}

func (w *bankWorkload) Op(tx *stm.Tx, _ int, rng *rand.Rand) error {
	if rng.IntN(100) < auditPercent {
		var sum uint64
		for i := range w.accounts {
			sum += tx.Load(&w.accounts[i])
		}
		if sum != w.total() {
			w.failed.Add(1)
			return errors.Annotatef(errAuditFailed, "sum %d, want %d", sum, w.total())
		}
		w.audits.Add(1)
		return nil
	}

	from := rng.IntN(len(w.accounts))
	to := rng.IntN(len(w.accounts) - 1)
	if to >= from {
		to++
	}
	fb := tx.Load(&w.accounts[from])
	if fb == 0 {
		return nil
	}
	amount := 1 + rng.Uint64N(min(fb, 100))
	tx.Store(&w.accounts[from], fb-amount)
	tx.Store(&w.accounts[to], tx.Load(&w.accounts[to])+amount)
	return nil
}

func (w *bankWorkload) Check(uint64) error {
	if n := w.failed.Load(); n > 0 {
		return errors.Errorf("%d of %d audits failed", n, n+w.audits.Load())
	}
	var sum uint64
	for i := range w.accounts {
		sum += atomic.LoadUint64(&w.accounts[i])
	}
	if sum != w.total() {
		return errors.Errorf("bank total = %d, want %d", sum, w.total())
	}
	return nil
}

// disjointWorkload gives each worker its own word, so only orec aliasing
// can make transactions conflict.
type disjointWorkload struct {
	slots []uint64
}

// disjointStride spaces worker words a cache line apart.
const disjointStride = 8

func newDisjointWorkload(_, threads int) workload {
	return &disjointWorkload{slots: make([]uint64, threads*disjointStride)}
}

func (w *disjointWorkload) Name() string { return "disjoint" }

func (w *disjointWorkload) Op(tx *stm.Tx, tid int, _ *rand.Rand) error {
	p := &w.slots[tid*disjointStride]
	tx.Store(p, tx.Load(p)+1)
	return nil
}

func (w *disjointWorkload) Check(ops uint64) error {
	var sum uint64
	for i := 0; i < len(w.slots); i += disjointStride {
		sum += atomic.LoadUint64(&w.slots[i])
	}
	if sum != ops {
		return errors.Errorf("disjoint total = %d after %d increments", sum, ops)
	}
	return nil
}
