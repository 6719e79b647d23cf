// Package stm provides word-based software transactional memory for Go.
//
// Transactions read and write aligned 64-bit words. Every word maps to an
// ownership record (orec) in a fixed table; the default algorithm, OrecELA,
// buffers writes, acquires orecs lazily at commit, extends its snapshot
// instead of aborting when unrelated writers commit, and hands off commit
// completion in order so data made private by a transaction can be read
// without further synchronization.
//
// # Quick Start
//
//	var balance [2]uint64
//
//	err := stm.Atomically(func(tx *stm.Tx) error {
//		from := tx.Load(&balance[0])
//		if from < 10 {
//			return errInsufficientFunds // rolls back, no retry
//		}
//		tx.Store(&balance[0], from-10)
//		tx.Store(&balance[1], tx.Load(&balance[1])+10)
//		return nil
//	})
//
// Conflicts unwind the body and retry it, so the body must not have side
// effects outside the transaction.
//
// # Runtimes
//
// [Atomically] uses a process-wide runtime created from $STM_CONFIG (a TOML
// file) and the STM_ALGORITHM and STM_LOG_LEVEL variables. Independent
// runtimes are created with [NewRuntime]; words must not be shared between
// runtimes.
//
// # Algorithms
//
//   - OrecELA: the default. Privatization safe.
//   - OrecLazy: like OrecELA without ordered completion. Not privatization
//     safe.
//   - CToken: writers commit in the order of their first write.
//   - CTokenTurbo: CToken where the oldest writer writes in place. Such a
//     transaction cannot roll back, so its body must not fail or panic once
//     it has written.
//
// The algorithm can be changed at run time with Runtime.SetAlgorithm, which
// waits for running transactions to finish.
//
// # Low-level API
//
// A [Thread] exposes Begin, Load, Store, Commit and Rollback directly. Any
// error from Load, Store or Commit requires a Rollback.
package stm
