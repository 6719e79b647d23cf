package api

import (
	"github.com/pingcap/errors"

	"github.com/kolkov/orecstm/internal/stm/engine"
)

var (
	// ErrConflict and ErrRemoteAbort are returned by the low-level Thread
	// operations; the caller must Rollback.
	ErrConflict    = engine.ErrConflict
	ErrRemoteAbort = engine.ErrRemoteAbort

	// ErrUnknownAlgorithm reports an unregistered algorithm name.
	ErrUnknownAlgorithm = engine.ErrUnknownAlgorithm

	// ErrExplicitAbort is the error a low-level caller sees after Tx.Abort.
	ErrExplicitAbort = errors.New("stm: transaction aborted explicitly")

	// ErrTooManyRetries is returned by Atomically once max-retries attempts
	// have aborted.
	ErrTooManyRetries = errors.New("stm: too many retries")

	// ErrTooManyThreads reports that every thread id is registered.
	ErrTooManyThreads = errors.New("stm: too many threads")

	// ErrNotActive reports a transactional operation outside Begin/Commit.
	ErrNotActive = errors.New("stm: no active transaction")

	// ErrActive reports Begin on a thread already running a transaction.
	ErrActive = errors.New("stm: transaction already active")

	// ErrClosed reports use of a closed thread or runtime.
	ErrClosed = errors.New("stm: closed")

	// ErrUnknownThread reports a thread id that is not registered.
	ErrUnknownThread = errors.New("stm: unknown thread")
)

// IsRetryable reports whether err asks the caller to roll back and retry.
func IsRetryable(err error) bool {
	switch errors.Cause(err) {
	case ErrConflict, ErrRemoteAbort, ErrExplicitAbort:
		return true
	}
	return false
}
