package orec

import (
	"encoding/binary"
	"unsafe"

	farm "github.com/dgryski/go-farm"
)

// HashKind selects how word addresses are spread over the table.
type HashKind string

const (
	// HashFibonacci multiplies the word index by the 64-bit golden ratio and
	// keeps the top bits. One multiply and one shift; the default.
	HashFibonacci HashKind = "fibonacci"

	// HashFarm runs FarmHash over the address bytes. Slower, but immune to
	// strided access patterns that happen to collide under multiplication.
	HashFarm HashKind = "farm"
)

// MinBits and MaxBits bound the table size (2^MinBits .. 2^MaxBits orecs).
const (
	MinBits = 4
	MaxBits = 26
)

// SlotBytes is the memory taken by one padded orec.
const SlotBytes = int64(unsafe.Sizeof(Orec{}))

// BitsFor returns the largest table size, in bits, whose orecs fit in n
// bytes, clamped to [MinBits, MaxBits].
func BitsFor(n int64) uint {
	bits := uint(MinBits)
	for bits < MaxBits && SlotBytes<<(bits+1) <= n {
		bits++
	}
	return bits
}

// BytesFor returns the memory taken by a table of 1<<bits orecs.
func BytesFor(bits uint) int64 { return SlotBytes << bits }

// Table is the process-wide (per runtime) array of orecs.
//
// Table size is a fixed power of two chosen at construction and never
// changes. Many addresses alias to one orec; that only causes false
// conflicts, never missed ones.
type Table struct {
	orecs []Orec
	bits  uint
	mask  uint64
	kind  HashKind
}

// NewTable creates a table of 1<<bits orecs, all unlocked at version 0.
// bits is clamped to [MinBits, MaxBits]. An unknown kind falls back to
// HashFibonacci.
func NewTable(bits uint, kind HashKind) *Table {
	if bits < MinBits {
		bits = MinBits
	}
	if bits > MaxBits {
		bits = MaxBits
	}
	if kind != HashFarm {
		kind = HashFibonacci
	}
	return &Table{
		orecs: make([]Orec, 1<<bits),
		bits:  bits,
		mask:  1<<bits - 1,
		kind:  kind,
	}
}

// Index returns the slot that covers addr.
func (t *Table) Index(addr *uint64) uint64 {
	// Words are 8-byte aligned; drop the always-zero low bits.
	w := uint64(uintptr(unsafe.Pointer(addr))) >> 3

	if t.kind == HashFarm {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], w)
		return farm.Hash64(buf[:]) & t.mask
	}

	const goldenRatio = 0x9E3779B97F4A7C15
	return (w * goldenRatio) >> (64 - t.bits)
}

// Get returns the orec covering addr.
func (t *Table) Get(addr *uint64) *Orec {
	return &t.orecs[t.Index(addr)]
}

// Size returns the number of orecs.
func (t *Table) Size() int { return len(t.orecs) }

// Bits returns log2 of the table size.
func (t *Table) Bits() uint { return t.bits }

// Kind returns the hash kind in use.
func (t *Table) Kind() HashKind { return t.kind }
