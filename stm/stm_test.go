package stm

import (
	"bytes"
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeLifecycle(t *testing.T) {
	t.Setenv("STM_CONFIG", "")
	t.Setenv("STM_ALGORITHM", "CToken")
	Fini()

	require.NoError(t, Init())
	require.NoError(t, Init())
	rt, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "CToken", rt.Algorithm())

	var counter uint64
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, Atomically(func(tx *Tx) error {
					tx.Store(&counter, tx.Load(&counter)+1)
					return nil
				}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(400), counter)

	var buf bytes.Buffer
	require.NoError(t, Report(&buf, rt))
	assert.Contains(t, buf.String(), "STM Report (CToken)")

	Fini()
	Fini()

	// A new default runtime is created on demand after Fini.
	again, err := Default()
	require.NoError(t, err)
	assert.NotSame(t, rt, again)
	Fini()
}

func TestInitRejectsBadEnvironment(t *testing.T) {
	Fini()
	t.Setenv("STM_CONFIG", "")
	t.Setenv("STM_ALGORITHM", "NoSuchAlgorithm")
	err := Init()
	assert.Error(t, err)
	_, err = Default()
	assert.Error(t, err)
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, "v1.0.0", info.SchemaVersion)
	assert.Equal(t, "OrecELA", info.DefaultAlgorithm)
	assert.Subset(t, info.Algorithms, []string{"OrecELA", "OrecLazy", "CToken", "CTokenTurbo"})
}

type failingWriter struct{ writes int }

var errWriteFailed = errors.New("write failed")

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errWriteFailed
}

// TestReportWriteError verifies that a failing writer is reported and that
// the report is written in a single call.
func TestReportWriteError(t *testing.T) {
	rt, err := NewRuntime(*DefaultConfig())
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.Atomically(func(tx *Tx) error { return nil }))

	w := &failingWriter{}
	assert.Equal(t, errWriteFailed, Report(w, rt))
	assert.Equal(t, 1, w.writes)
}
