// Package cm holds contention managers: policies consulted between a
// transaction's abort and its retry.
package cm

import (
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/pingcap/errors"

	"github.com/kolkov/orecstm/internal/stm/txn"
)

// ErrUnknownPolicy is returned by New for an unrecognized policy name.
var ErrUnknownPolicy = errors.New("stm: unknown contention policy")

// Policy names accepted by New.
const (
	PolicyNone    = "none"
	PolicyBackoff = "backoff"
)

// Manager is notified of every abort and commit of the threads it serves.
// OnAbort runs after rollback and before the retry's begin.
type Manager interface {
	OnAbort(tx *txn.Descriptor, attempt int)
	OnCommit(tx *txn.Descriptor)
}

// New returns the manager for policy. minWait and maxWait bound the backoff
// window.
func New(policy string, minWait, maxWait time.Duration) (Manager, error) {
	switch policy {
	case PolicyNone, "":
		return None{}, nil
	case PolicyBackoff:
		return NewBackoff(minWait, maxWait), nil
	}
	return nil, errors.Annotatef(ErrUnknownPolicy, "policy %q", policy)
}

// None retries immediately.
type None struct{}

func (None) OnAbort(*txn.Descriptor, int) {}
func (None) OnCommit(*txn.Descriptor)     {}

// yieldThreshold is the wait below which sleeping costs more than it saves.
const yieldThreshold = 50 * time.Microsecond

// Backoff waits a random duration in [0, min<<attempt), capped at max.
type Backoff struct {
	Min, Max time.Duration

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewBackoff creates a randomized exponential backoff policy.
func NewBackoff(minWait, maxWait time.Duration) *Backoff {
	if minWait <= 0 {
		minWait = time.Microsecond
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return &Backoff{Min: minWait, Max: maxWait, sleep: wait}
}

// Window returns the upper bound of the wait before retry number attempt.
func (b *Backoff) Window(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	w := b.Min
	for i := 1; i < attempt && w < b.Max; i++ {
		w <<= 1
	}
	if w > b.Max {
		w = b.Max
	}
	return w
}

func (b *Backoff) OnAbort(_ *txn.Descriptor, attempt int) {
	b.sleep(rand.N(b.Window(attempt)) + 1)
}

func (b *Backoff) OnCommit(*txn.Descriptor) {}

func wait(d time.Duration) {
	if d < yieldThreshold {
		runtime.Gosched()
		return
	}
	time.Sleep(d)
}
