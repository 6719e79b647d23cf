// Package writeset implements the redo log of an in-flight transaction.
//
// Buffered writes are kept as (address, value, mask) entries in insertion
// order, with an open-addressed index for O(1) expected lookup. Each index
// slot carries the version of the set that filled it; Reset bumps the
// version instead of zeroing the index, so clearing is O(1) regardless of
// how large the set grew.
package writeset

import (
	"sync/atomic"
	"unsafe"
)

// FullMask selects every byte of a word.
const FullMask = ^uint64(0)

// DefaultCapacity is used when NewSet is given a non-positive capacity.
const DefaultCapacity = 64

// Entry is one buffered write. Only bytes selected by Mask are meaningful in
// Val.
type Entry struct {
	Addr *uint64
	Val  uint64
	Mask uint64
}

// slot is one index bucket. It is live only while version == Set.version.
type slot struct {
	version uint32
	idx     uint32
}

// Set is a transaction's write set. It is owned by a single thread and is not
// safe for concurrent use.
type Set struct {
	entries []Entry
	index   []slot
	shift   uint
	version uint32
	resizes int
}

// NewSet returns an empty set that holds capacity entries before growing.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Set{version: 1}
	s.alloc(capacity)
	return s
}

// alloc sizes the backing array and index for capacity entries. The index is
// kept at most half full.
func (s *Set) alloc(capacity int) {
	bits := uint(1)
	for 1<<bits < 2*capacity {
		bits++
	}
	s.entries = make([]Entry, 0, capacity)
	s.index = make([]slot, 1<<bits)
	s.shift = 64 - bits
}

func (s *Set) hash(addr *uint64) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return ((uint64(uintptr(unsafe.Pointer(addr))) >> 3) * goldenRatio) >> s.shift
}

// probe returns the index position holding addr, or the first free position
// on its probe sequence.
func (s *Set) probe(addr *uint64) (pos uint64, found bool) {
	mask := uint64(len(s.index) - 1)
	for pos = s.hash(addr); ; pos = (pos + 1) & mask {
		sl := s.index[pos]
		if sl.version != s.version {
			return pos, false
		}
		if s.entries[sl.idx].Addr == addr {
			return pos, true
		}
	}
}

// Insert buffers a write of val to the bytes of *addr selected by mask.
//
// A second write to the same address overwrites the selected bytes of the
// earlier entry in place; the set never holds two entries for one address.
// Inserting past capacity doubles the capacity first.
//
// Called on every transactional write. The common case is one hash, one
// probe sequence and one append with no allocation; growth allocates and so
// only happens while the transaction holds no orecs.
//
// Thread Safety: owner thread only.
func (s *Set) Insert(addr *uint64, val, mask uint64) {
	pos, found := s.probe(addr)
	if found {
		e := &s.entries[s.index[pos].idx]
		e.Val = e.Val&^mask | val&mask
		e.Mask |= mask
		return
	}

	if len(s.entries) == cap(s.entries) {
		s.Resize()
		pos, _ = s.probe(addr)
	}

	//nolint:gosec // G115: entry count is bounded by capacity, far below 2^32.
	s.index[pos] = slot{version: s.version, idx: uint32(len(s.entries))}
	s.entries = append(s.entries, Entry{Addr: addr, Val: val & mask, Mask: mask})
}

// Find returns the buffered value and mask for addr.
//
// Every read of a read-write transaction calls Find first, so a miss must be
// cheap: probing stops at the first slot whose version is stale.
func (s *Set) Find(addr *uint64) (val, mask uint64, ok bool) {
	pos, found := s.probe(addr)
	if !found {
		return 0, 0, false
	}
	e := s.entries[s.index[pos].idx]
	return e.Val, e.Mask, true
}

// Resize doubles the capacity and rebuilds the index. Every entry survives.
//
// The engine never calls Insert while it holds orecs, so growth never
// happens inside a commit's lock-held window.
func (s *Set) Resize() {
	old := s.entries
	s.version = 1
	s.alloc(2 * cap(old))
	s.resizes++
	for _, e := range old {
		pos, _ := s.probe(e.Addr)
		//nolint:gosec // G115: see Insert.
		s.index[pos] = slot{version: s.version, idx: uint32(len(s.entries))}
		s.entries = append(s.entries, e)
	}
}

// Writeback copies every buffered value to memory.
//
// The caller must hold the orec of every address in the set. Full-word
// entries are a single atomic store; masked entries merge with the current
// contents of the word.
func (s *Set) Writeback() {
	for _, e := range s.entries {
		if e.Mask == FullMask {
			atomic.StoreUint64(e.Addr, e.Val)
			continue
		}
		cur := atomic.LoadUint64(e.Addr)
		atomic.StoreUint64(e.Addr, cur&^e.Mask|e.Val)
	}
}

// Reset logically empties the set in O(1) by bumping the index version. When
// the version wraps, the index is zeroed for real.
func (s *Set) Reset() {
	s.entries = s.entries[:0]
	s.version++
	if s.version == 0 {
		clear(s.index)
		s.version = 1
	}
}

// Entries returns the buffered writes in insertion order. The slice is only
// valid until the next Insert or Reset.
func (s *Set) Entries() []Entry { return s.entries }

// Len returns the number of distinct addresses written.
func (s *Set) Len() int { return len(s.entries) }

// Cap returns the number of entries that fit before the next resize.
func (s *Set) Cap() int { return cap(s.entries) }

// Resizes returns how many times the set has doubled since creation.
func (s *Set) Resizes() int { return s.resizes }
