package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/orecstm/stm"
)

func testConfig() stm.Config {
	cfg := *stm.DefaultConfig()
	cfg.Contention.Policy = "none"
	return cfg
}

func testOptions(workload, algorithm string) Options {
	opts := defaultOptions()
	opts.Workload = workload
	opts.Algorithm = algorithm
	opts.Threads = 4
	opts.Ops = 200
	opts.Words = 16
	opts.OrecBits = 10
	opts.Seed = 42
	return opts
}

func TestRunWorkloads(t *testing.T) {
	for _, algo := range stm.Algorithms() {
		for _, wl := range workloadNames() {
			t.Run(algo+"/"+wl, func(t *testing.T) {
				res, err := Run(context.Background(), testConfig(), testOptions(wl, algo))
				require.NoError(t, err)
				require.NoError(t, res.CheckErr)

				assert.Equal(t, uint64(4*200), res.Ops)
				assert.Zero(t, res.Errors)
				assert.Equal(t, algo, res.Stats.Algorithm)
				assert.GreaterOrEqual(t, res.Stats.Commits(), res.Ops)
				assert.Equal(t, int(res.Ops), res.Latency.Samples)
				assert.LessOrEqual(t, res.Latency.P50, res.Latency.P99)
				assert.LessOrEqual(t, res.Latency.P99, res.Latency.Max)
			})
		}
	}
}

func TestRunDuration(t *testing.T) {
	opts := testOptions("counter", "OrecELA")
	opts.Ops = 0
	opts.Duration = 50 * time.Millisecond

	res, err := Run(context.Background(), testConfig(), opts)
	require.NoError(t, err)
	require.NoError(t, res.CheckErr)
	assert.Positive(t, res.Ops)
	assert.GreaterOrEqual(t, res.Elapsed, opts.Duration)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := testOptions("bank", "OrecLazy")
	opts.Ops = 0

	res, err := Run(ctx, testConfig(), opts)
	require.NoError(t, err)
	assert.Zero(t, res.Ops)
	assert.NoError(t, res.CheckErr)
}

func TestRunTargetRate(t *testing.T) {
	opts := testOptions("disjoint", "CToken")
	opts.Threads = 2
	opts.Ops = 0
	opts.Duration = 200 * time.Millisecond
	opts.Target = 50

	res, err := Run(context.Background(), testConfig(), opts)
	require.NoError(t, err)
	require.NoError(t, res.CheckErr)
	// One token up front plus ~10 refills per thread.
	assert.LessOrEqual(t, res.Ops, uint64(2*15))
}

func TestRunTableSize(t *testing.T) {
	opts := testOptions("counter", "OrecELA")
	opts.TableSize = "256KiB"

	res, err := Run(context.Background(), testConfig(), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(256<<10), res.TableBytes)
}

func TestValidateOptions(t *testing.T) {
	cases := map[string]func(*Options){
		"threads":    func(o *Options) { o.Threads = 0 },
		"ops":        func(o *Options) { o.Ops = -1 },
		"duration":   func(o *Options) { o.Ops, o.Duration = 0, 0 },
		"target":     func(o *Options) { o.Target = -1 },
		"table-size": func(o *Options) { o.TableSize = "lots" },
		"workload":   func(o *Options) { o.Workload = "nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := testOptions("bank", "OrecELA")
			mutate(&opts)
			assert.Error(t, opts.validate())
		})
	}

	_, err := Run(context.Background(), testConfig(), testOptions("bank", "NoSuchAlgorithm"))
	assert.Error(t, err)
}

func TestBankCheckDetectsLoss(t *testing.T) {
	w := newBankWorkload(4, 1).(*bankWorkload)
	require.NoError(t, w.Check(0))
	w.accounts[0]--
	assert.Error(t, w.Check(0))
}

func TestResultPrint(t *testing.T) {
	opts := testOptions("bank", "OrecELA")
	opts.Trace = true
	res, err := Run(context.Background(), testConfig(), opts)
	require.NoError(t, err)

	var buf bytes.Buffer
	res.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "workload  bank (OrecELA, 4 threads, orec table 64KiB)")
	assert.Contains(t, out, "ops       800")
	assert.Contains(t, out, "latency   mean")
	assert.Contains(t, out, "check     ok")
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	configPath = ""
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestCommands(t *testing.T) {
	out := execute(t, "algorithms")
	for _, name := range stm.Algorithms() {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "* OrecELA")

	assert.Contains(t, execute(t, "version"), "stmbench version "+stm.Version)
	assert.Contains(t, execute(t, "config"), `algorithm = "OrecELA"`)

	out = execute(t, "run", "-w", "counter", "-a", "CToken", "-t", "2", "--ops", "100", "--orec-bits", "8")
	assert.Contains(t, out, "workload  counter (CToken, 2 threads")
	assert.Contains(t, out, "ops       200")
	assert.Contains(t, out, "check     ok")
}
