// Package readlog implements the read log of an in-flight transaction: the
// orecs whose versions must still be valid when the transaction commits or
// extends its snapshot.
//
// The log is append-only. Duplicates are kept; deduplicating would cost more
// than validating an orec twice.
package readlog

import "github.com/kolkov/orecstm/internal/stm/orec"

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 64

// Log is a transaction's read log. Owned by one thread.
//
// A read whose orec was already looked up is logged as that orec. In lazy
// mode a read may instead be logged by address alone, and the address is
// hashed to its orec only when a validation pass first needs it. Read-only
// transactions that see no concurrent commit never validate, so their reads
// skip the hash entirely. The hashed prefix of the address list is
// remembered in a cursor so each address is hashed at most once per
// transaction.
type Log struct {
	table *orec.Table
	lazy  bool

	orecs []*orec.Orec
	addrs []*uint64

	// hashed is the number of addrs already converted into orecs.
	hashed int
	// validating guards the lazy cursor; validation is not reentrant.
	validating bool
}

// New returns an empty log for table. With lazy set, reads logged without an
// orec are hashed at validation instead of at insertion.
func New(table *orec.Table, capacity int, lazy bool) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{table: table, lazy: lazy}
	l.orecs = make([]*orec.Orec, 0, capacity)
	if lazy {
		l.addrs = make([]*uint64, 0, capacity)
	}
	return l
}

// Lazy reports whether the log can defer hashing.
func (l *Log) Lazy() bool { return l.lazy }

// Insert records a read of addr, whose covering orec is o. A nil o defers
// the lookup to validation in lazy mode and hashes immediately otherwise.
//
// Thread Safety: owner thread only.
func (l *Log) Insert(addr *uint64, o *orec.Orec) {
	if o == nil {
		if l.lazy {
			l.addrs = append(l.addrs, addr)
			return
		}
		o = l.table.Get(addr)
	}
	l.orecs = append(l.orecs, o)
}

// Len returns the number of logged reads, duplicates included.
func (l *Log) Len() int {
	return len(l.orecs) + l.Pending()
}

// Pending returns the number of logged addresses not yet hashed.
func (l *Log) Pending() int {
	return len(l.addrs) - l.hashed
}

// Validate calls ok for every logged orec and reports whether all passed.
// It stops at the first failure.
//
// Validate panics if called while another Validate on the same log is in
// progress; the engine never does that, so it indicates a protocol bug.
func (l *Log) Validate(ok func(o *orec.Orec) bool) bool {
	if l.validating {
		panic("readlog: reentrant validation")
	}
	l.validating = true
	defer func() { l.validating = false }()

	if l.lazy {
		for ; l.hashed < len(l.addrs); l.hashed++ {
			l.orecs = append(l.orecs, l.table.Get(l.addrs[l.hashed]))
		}
	}
	for _, o := range l.orecs {
		if !ok(o) {
			return false
		}
	}
	return true
}

// Reset empties the log in O(1), keeping its backing storage.
func (l *Log) Reset() {
	l.orecs = l.orecs[:0]
	l.addrs = l.addrs[:0]
	l.hashed = 0
}
