// Package orec implements ownership records: versioned lock words that guard
// buckets of transactional memory, and the fixed-size table that maps word
// addresses to them.
//
// A LockWord is a single 64-bit value interpreted as a tagged union:
//   - Top bit clear: bottom 63 bits are a version (commit timestamp of the
//     last writer).
//   - Top bit set: bottom 32 bits are the id of the thread holding the orec.
//
// Packing both cases into one word keeps acquisition a single CAS.
package orec

import "strconv"

// LockWord is the packed state of one orec.
// Layout: [Lock:1][Version:63] or [Lock:1][unused:31][Owner:32].
type LockWord uint64

const (
	// LockBit marks a LockWord as held by a thread.
	LockBit = LockWord(1) << 63

	// VersionMask extracts the version of an unlocked word.
	VersionMask = uint64(LockBit) - 1

	// OwnerMask extracts the owner id of a locked word.
	OwnerMask = uint64(1)<<32 - 1
)

// Unlocked returns the word for an orec last stamped at version.
//
// Versions beyond 63 bits are truncated.
//
//go:nosplit
func Unlocked(version uint64) LockWord {
	return LockWord(version & VersionMask)
}

// Locked returns the word for an orec held by owner.
//
//go:nosplit
func Locked(owner uint32) LockWord {
	return LockBit | LockWord(owner)
}

// IsLocked reports whether the lock bit is set.
//
//go:nosplit
func (w LockWord) IsLocked() bool {
	return w&LockBit != 0
}

// Version returns the version of an unlocked word. The result is meaningless
// for a locked word; callers check IsLocked first.
//
//go:nosplit
func (w LockWord) Version() uint64 {
	return uint64(w) & VersionMask
}

// Owner returns the owning thread id of a locked word, or 0 if unlocked.
//
//go:nosplit
func (w LockWord) Owner() uint32 {
	if !w.IsLocked() {
		return 0
	}
	//nolint:gosec // G115: bottom 32 bits hold the owner id.
	return uint32(uint64(w) & OwnerMask)
}

// Decode splits the word into its tag and payload.
//
// Returns (true, owner) for a locked word and (false, version) otherwise.
func (w LockWord) Decode() (locked bool, value uint64) {
	if w.IsLocked() {
		return true, uint64(w.Owner())
	}
	return false, w.Version()
}

// String formats the word as "v42" for versions and "locked@7" for owners.
// Used in diagnostics only.
func (w LockWord) String() string {
	if w.IsLocked() {
		return "locked@" + strconv.FormatUint(uint64(w.Owner()), 10)
	}
	return "v" + strconv.FormatUint(w.Version(), 10)
}
