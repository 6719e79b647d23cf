// Package clock implements the global commit clock shared by all
// transactions of one runtime.
//
// Two counters make up the clock:
//   - timestamp: incremented once by every committing writer (or, in ordered
//     algorithms, once per reserved commit slot). Its value after the
//     increment is the writer's commit time.
//   - lastComplete: trails timestamp and is advanced strictly in commit-time
//     order, only after the writer has finished writeback.
//
// Observing lastComplete == t means every writer with commit time <= t has
// finished writing memory, not merely decided to commit. That is what makes
// a transaction that starts at lastComplete privatization safe.
package clock

import (
	"runtime"
	"sync/atomic"
)

// spinBeforeYield is how many busy polls a waiter performs before it starts
// yielding the processor between polls.
const spinBeforeYield = 64

// Clock holds the two global counters. The zero value is ready to use.
//
// Each counter sits on its own cache line: timestamp is hit by every
// committer, lastComplete by every transaction begin.
type Clock struct {
	timestamp    atomic.Uint64
	_            [56]byte
	lastComplete atomic.Uint64
	_            [56]byte
}

// New returns a clock at time zero.
func New() *Clock {
	return &Clock{}
}

// Now returns the current timestamp.
//
//go:nosplit
func (c *Clock) Now() uint64 {
	return c.timestamp.Load()
}

// LastComplete returns the newest commit time whose writeback, and that of
// every earlier commit, has finished.
//
//go:nosplit
func (c *Clock) LastComplete() uint64 {
	return c.lastComplete.Load()
}

// Tick atomically increments the timestamp and returns the new value.
func (c *Clock) Tick() uint64 {
	return c.timestamp.Add(1)
}

// Publish marks commit time t as complete.
//
// It waits until every earlier commit time has been published
// (lastComplete == t-1) and then stores t. Callers must own commit time t,
// i.e. have obtained it from Tick.
func (c *Clock) Publish(t uint64) {
	if c.TryPublish(t) {
		return
	}
	c.WaitFor(t - 1)
	c.lastComplete.Store(t)
}

// TryPublish publishes t if it is next in line and reports whether it did.
// It never waits; Publish tries it first.
func (c *Clock) TryPublish(t uint64) bool {
	return c.lastComplete.CompareAndSwap(t-1, t)
}

// WaitFor spins until lastComplete >= t.
func (c *Clock) WaitFor(t uint64) {
	for i := 0; c.lastComplete.Load() < t; i++ {
		if i >= spinBeforeYield {
			runtime.Gosched()
		}
	}
}

// Sync makes lastComplete catch up with timestamp.
//
// Only valid at a quiescence point, when no transaction is between Tick and
// Publish. Used when switching to an algorithm that relies on lastComplete
// after one that did not maintain it.
func (c *Clock) Sync() {
	c.lastComplete.Store(c.timestamp.Load())
}
