package orec

import "sync/atomic"

// Orec is one ownership record.
//
// The record is padded to 64 bytes so that neighbouring orecs do not share a
// cache line; hot orecs are CAS targets for every committing writer.
type Orec struct {
	word atomic.Uint64
	_    [56]byte
}

// Load returns the current lock word.
//
// Called on every transactional read (once per attempt, twice for unordered
// algorithms) and on every validation pass, so it must stay a single atomic
// load with no allocation.
//
// Thread Safety: Safe for concurrent calls.
//
//go:nosplit
func (o *Orec) Load() LockWord {
	return LockWord(o.word.Load())
}

// CompareAndSwap installs next if the orec still holds old.
//
// This is the race that decides ownership: of all committers that saw the
// same unlocked word, exactly one CAS succeeds. Losers abort rather than
// retry, so contention never turns into spinning on the orec.
//
// Thread Safety: Safe for concurrent calls.
//
//go:nosplit
func (o *Orec) CompareAndSwap(old, next LockWord) bool {
	return o.word.CompareAndSwap(uint64(old), uint64(next))
}

// Store overwrites the lock word. Only the current owner may call it, either
// to release (stamp a new version or restore the previous one) or, in ordered
// algorithms, to take an orec nobody else can contend for.
func (o *Orec) Store(w LockWord) {
	o.word.Store(uint64(w))
}
