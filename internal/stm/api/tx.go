package api

import "github.com/kolkov/orecstm/internal/stm/txn"

// Tx is the handle passed to an Atomically body. Its operations never
// return conflicts: they unwind the body and the transaction is retried.
// A Tx must not escape its body.
type Tx struct {
	th *Thread
}

// Thread returns the thread running the transaction.
func (tx *Tx) Thread() *Thread { return tx.th }

func (tx *Tx) check(err error) {
	if err == nil {
		return
	}
	if IsRetryable(err) {
		panic(abortSignal{})
	}
	panic(err)
}

// Load reads *addr.
func (tx *Tx) Load(addr *uint64) uint64 {
	v, err := tx.th.Load(addr)
	tx.check(err)
	return v
}

// Store writes val to *addr.
func (tx *Tx) Store(addr *uint64, val uint64) {
	tx.check(tx.th.Store(addr, val))
}

// StoreMasked writes the bytes of val selected by mask to *addr.
func (tx *Tx) StoreMasked(addr *uint64, val, mask uint64) {
	tx.check(tx.th.StoreMasked(addr, val, mask))
}

// LoadInt64 reads *addr as a signed word.
func (tx *Tx) LoadInt64(addr *int64) int64 {
	return int64(tx.Load(wordOf(addr)))
}

// StoreInt64 writes a signed word.
func (tx *Tx) StoreInt64(addr *int64, val int64) {
	tx.Store(wordOf(addr), uint64(val))
}

// Alloc returns a zeroed n-word block owned by the transaction.
func (tx *Tx) Alloc(n int) []uint64 {
	b, err := tx.th.Alloc(n)
	tx.check(err)
	return b
}

// Free releases block when the transaction commits.
func (tx *Tx) Free(block []uint64) {
	tx.check(tx.th.Free(block))
}

// Abort rolls back and restarts the transaction. It does not return.
func (tx *Tx) Abort() {
	tx.th.desc.LastAbort = txn.ReasonExplicit
	panic(abortSignal{})
}
