package trace

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/orecstm/internal/stm/txn"
)

func captureHere(d *Depot) uint64 { return d.Capture(0) }

func TestDepotDeduplicates(t *testing.T) {
	var d Depot
	var hashes []uint64
	for i := 0; i < 3; i++ {
		hashes = append(hashes, captureHere(&d))
	}
	require.NotZero(t, hashes[0])
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])
	assert.Equal(t, 1, d.Len())

	other := d.Capture(0)
	assert.NotEqual(t, hashes[0], other)
	assert.Equal(t, 2, d.Len())
}

func TestDepotGetAndFormat(t *testing.T) {
	var d Depot
	h := captureHere(&d)

	s := d.Get(h)
	require.NotNil(t, s)
	out := s.Format()
	assert.Contains(t, out, "captureHere")
	assert.Contains(t, out, "trace_test.go")

	assert.Nil(t, d.Get(0))
	assert.Nil(t, d.Get(h+1))
	assert.Equal(t, "  <unknown>\n", (*Stack)(nil).Format())
}

func TestSampler(t *testing.T) {
	all := NewSampler(0)
	assert.Equal(t, uint64(1), all.Rate())
	for i := 0; i < 10; i++ {
		assert.True(t, all.ShouldSample())
	}

	tenth := NewSampler(10)
	hits := 0
	for i := 0; i < 1000; i++ {
		if tenth.ShouldSample() {
			hits++
		}
	}
	assert.Equal(t, 100, hits)
	seen, sampled := tenth.Counts()
	assert.Equal(t, uint64(1000), seen)
	assert.Equal(t, uint64(100), sampled)
}

func abortAt(tr *Tracer, reason txn.AbortReason) { tr.Record(1, reason, 0) }

func TestTracerSites(t *testing.T) {
	tr := New(1)
	for i := 0; i < 3; i++ {
		abortAt(tr, txn.ReasonValidation)
	}
	abortAt(tr, txn.ReasonLocked)

	sites := tr.Sites()
	require.Len(t, sites, 2)
	assert.Equal(t, uint64(3), sites[0].Count)
	assert.Equal(t, txn.ReasonValidation, sites[0].Reason)
	assert.Equal(t, sites[0].Stack, sites[1].Stack, "same call site, different reason")
	require.NotNil(t, tr.Stack(sites[0].Stack))

	var buf bytes.Buffer
	require.NoError(t, tr.Report(&buf, 1))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "abort sites: 4 sampled of 4 aborts\n"), out)
	assert.Contains(t, out, "#1 validation x3")
	assert.NotContains(t, out, "#2")
	assert.Contains(t, out, "abortAt")
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	tr.Record(1, txn.ReasonLocked, 0)
	assert.Nil(t, tr.Sites())
	assert.Nil(t, tr.Stack(1))

	var buf bytes.Buffer
	require.NoError(t, tr.Report(&buf, 0))
	assert.Equal(t, "abort sites: 0 sampled of 0 aborts\n", buf.String())
}

func TestTracerConcurrent(t *testing.T) {
	tr := New(1)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				abortAt(tr, txn.ReasonAcquire)
			}
		}()
	}
	wg.Wait()

	var total uint64
	for _, s := range tr.Sites() {
		total += s.Count
	}
	assert.Equal(t, uint64(800), total)
}
