package engine

import (
	"fmt"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kolkov/orecstm/internal/stm/clock"
	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/txn"
	"github.com/kolkov/orecstm/internal/stm/writeset"
)

// allAlgorithms are the registered protocols exercised by shared tests.
var allAlgorithms = []string{"OrecELA", "OrecLazy", "CToken", "CTokenTurbo"}

type fixture struct {
	env  Env
	algo Algorithm
	next uint32
	// lazy gives new descriptors a read log that defers orec lookups.
	lazy bool
}

func newFixture(t testing.TB, name string) *fixture {
	t.Helper()
	env := Env{Table: orec.NewTable(12, orec.HashFibonacci), Clock: clock.New()}
	algo, err := New(name, env)
	require.NoError(t, err)
	return &fixture{env: env, algo: algo}
}

func (f *fixture) descriptor() *txn.Descriptor {
	f.next++
	return txn.New(f.next, f.env.Table, txn.Config{
		WriteSetCapacity: 8,
		ReadLogCapacity:  8,
		LazyReadHashing:  f.lazy,
	})
}

// atomically runs body in a retry loop until it commits.
func (f *fixture) atomically(tx *txn.Descriptor, body func() error) {
	for {
		f.algo.Begin(tx)
		err := body()
		if err == nil {
			err = f.algo.Commit(tx)
		}
		if err == nil {
			return
		}
		if errors.Cause(err) != ErrConflict && errors.Cause(err) != ErrRemoteAbort {
			panic(err)
		}
		f.algo.Rollback(tx)
	}
}

func (f *fixture) mustRead(t testing.TB, tx *txn.Descriptor, addr *uint64) uint64 {
	t.Helper()
	v, err := f.algo.Read(tx, addr)
	require.NoError(t, err)
	return v
}

func (f *fixture) mustWrite(t testing.TB, tx *txn.Descriptor, addr *uint64, val uint64) {
	t.Helper()
	require.NoError(t, f.algo.Write(tx, addr, val, writeset.FullMask))
}

// panicOnFatal turns invariant violations into recoverable panics.
func panicOnFatal(t testing.TB) {
	t.Helper()
	restore := SetFatal(func(msg string, fields ...zap.Field) {
		panic(fmt.Sprintf("fatal: %s", msg))
	})
	t.Cleanup(restore)
}

// readLogModes names the read log variants shared tests run under.
var readLogModes = []struct {
	name string
	lazy bool
}{{"eager", false}, {"lazy", true}}

// unordered reports whether name takes its snapshot from the raw timestamp.
func unordered(name string) bool { return name == "OrecLazy" }
