package stm_test

import (
	"fmt"
	"os"

	"github.com/pingcap/errors"

	"github.com/kolkov/orecstm/stm"
)

func newRuntime() *stm.Runtime {
	cfg := stm.DefaultConfig()
	cfg.OrecTableBits = 10
	cfg.Log.Level = "error"
	rt, err := stm.NewRuntime(*cfg)
	if err != nil {
		panic(err)
	}
	return rt
}

// Example moves money between two accounts atomically.
func Example() {
	rt := newRuntime()
	defer rt.Close()

	accounts := []uint64{100, 0}
	err := rt.Atomically(func(tx *stm.Tx) error {
		from := tx.Load(&accounts[0])
		tx.Store(&accounts[0], from-30)
		tx.Store(&accounts[1], tx.Load(&accounts[1])+30)
		return nil
	})
	fmt.Println(err, accounts)

	// Output:
	// <nil> [70 30]
}

// Example_userError shows that an error returned by the body rolls the
// transaction back without retrying.
func Example_userError() {
	rt := newRuntime()
	defer rt.Close()

	errEmpty := errors.New("account empty")
	balance := uint64(5)
	err := rt.Atomically(func(tx *stm.Tx) error {
		tx.Store(&balance, 0)
		if tx.Load(&balance) == 0 {
			return errEmpty
		}
		return nil
	})
	fmt.Println(err, balance)

	// Output:
	// account empty 5
}

// Example_thread drives a transaction explicitly.
func Example_thread() {
	rt := newRuntime()
	defer rt.Close()

	th, err := rt.NewThread()
	if err != nil {
		panic(err)
	}
	defer th.Close()

	var word uint64
	for {
		if err := th.Begin(); err != nil {
			panic(err)
		}
		if err := th.Store(&word, 7); err != nil {
			th.Rollback()
			continue
		}
		if err := th.Commit(); err != nil {
			th.Rollback()
			continue
		}
		break
	}
	fmt.Println(word)

	// Output:
	// 7
}

// Example_report prints the runtime summary.
func Example_report() {
	rt := newRuntime()
	defer rt.Close()

	var x uint64
	_ = rt.Atomically(func(tx *stm.Tx) error {
		tx.Store(&x, 1)
		return nil
	})
	_ = stm.Report(os.Stdout, rt)

	// Output:
	// ==================
	// STM Report (OrecELA)
	// ==================
	// commits: 1 (read-only 0, read-write 1, turbo 0)
	// aborts:  0
	// ==================
}
