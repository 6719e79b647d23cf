// Package engine implements the concurrency-control algorithms of the STM.
//
// Every algorithm is an Algorithm value selected per runtime. Within a
// transaction the descriptor's Mode picks the read-only or read-write path;
// the first Write performs the switch. Read, Write and Commit report a
// conflict by returning ErrConflict or ErrRemoteAbort. The caller must then
// call Rollback, which never fails.
package engine

import (
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/kolkov/orecstm/internal/stm/clock"
	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/txn"
)

var (
	// ErrConflict reports that the transaction must roll back and retry.
	ErrConflict = errors.New("stm: transaction conflict")

	// ErrRemoteAbort reports that another thread killed the transaction.
	ErrRemoteAbort = errors.New("stm: transaction aborted remotely")

	// ErrUnknownAlgorithm is returned by New for an unregistered name.
	ErrUnknownAlgorithm = errors.New("stm: unknown algorithm")
)

// Algorithm is one concurrency-control protocol.
type Algorithm interface {
	// Name is the registry name, e.g. "OrecELA".
	Name() string

	// Begin starts a transaction on tx: samples the snapshot time and resets
	// the mode. It takes no locks.
	Begin(tx *txn.Descriptor)

	// Read returns the transactional value of *addr.
	Read(tx *txn.Descriptor, addr *uint64) (uint64, error)

	// Write buffers (or, in turbo mode, performs) a write of the bytes of
	// val selected by mask.
	Write(tx *txn.Descriptor, addr *uint64, val, mask uint64) error

	// Commit makes the transaction's writes visible atomically.
	Commit(tx *txn.Descriptor) error

	// Rollback releases everything the transaction holds and restores the
	// orecs it acquired. It is the unconditional unwind path.
	Rollback(tx *txn.Descriptor)

	// PrivatizationSafe reports whether a committed transaction's writes are
	// guaranteed to be in memory once lastComplete reaches its commit time.
	PrivatizationSafe() bool
}

// Env is the shared state every algorithm of a runtime operates on.
type Env struct {
	Table *orec.Table
	Clock *clock.Clock
}

// Factory creates an algorithm bound to env.
type Factory func(env Env) Algorithm

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an algorithm available by name. It panics on duplicates,
// like database/sql drivers.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for algorithm " + name)
	}
	registry[name] = f
}

// New instantiates the named algorithm.
func New(name string, env Env) (Algorithm, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Annotatef(ErrUnknownAlgorithm, "algorithm %q", name)
	}
	return f(env), nil
}

// Names lists registered algorithms in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultAlgorithm is the reference protocol.
const DefaultAlgorithm = "OrecELA"

func init() {
	Register("OrecELA", newOrecELA)
	Register("OrecLazy", newOrecLazy)
	Register("CToken", newCToken)
	Register("CTokenTurbo", newCTokenTurbo)
}

// FatalFunc reports an unrecoverable protocol invariant violation. It must
// not return normally.
type FatalFunc func(msg string, fields ...zap.Field)

var (
	fatalMu sync.RWMutex
	fatalFn FatalFunc = func(msg string, fields ...zap.Field) {
		log.Fatal(msg, append(fields, zap.Stack("stack"))...)
	}
)

// SetFatal replaces the invariant-violation handler and returns a function
// restoring the previous one. Tests install a handler that panics.
func SetFatal(f FatalFunc) (restore func()) {
	fatalMu.Lock()
	prev := fatalFn
	fatalFn = f
	fatalMu.Unlock()
	return func() {
		fatalMu.Lock()
		fatalFn = prev
		fatalMu.Unlock()
	}
}

// Fatal terminates the process through the installed handler. Continuing
// after a corrupted orec or clock would break atomicity for every other
// thread, so there is no containment.
func Fatal(msg string, fields ...zap.Field) {
	fatalMu.RLock()
	f := fatalFn
	fatalMu.RUnlock()
	f(msg, fields...)
	// A handler that returns is a bug in the handler.
	panic("stm: fatal: " + msg)
}
