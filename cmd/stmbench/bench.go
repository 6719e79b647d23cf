package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/stm"
)

// maxSamples bounds the latency samples kept per worker.
const maxSamples = 1 << 16

// Options configures one benchmark run.
type Options struct {
	Algorithm string
	Workload  string
	Threads   int
	Duration  time.Duration
	Ops       int
	Words     int
	// Target is the per-thread operation rate; zero means unlimited.
	Target   float64
	OrecBits uint
	OrecHash string
	// TableSize, when set, overrides OrecBits with a memory budget such as
	// "4MiB".
	TableSize string
	Trace     bool
	Seed      uint64

	RuntimeOptions []stm.Option
}

func defaultOptions() Options {
	def := stm.DefaultConfig()
	return Options{
		Algorithm: def.Algorithm,
		Workload:  "bank",
		Threads:   4,
		Duration:  3 * time.Second,
		Words:     64,
		OrecBits:  def.OrecTableBits,
		OrecHash:  def.OrecHash,
		Seed:      uint64(time.Now().UnixNano()),
	}
}

func (o *Options) validate() error {
	if o.Threads < 1 {
		return errors.Errorf("threads must be positive, got %d", o.Threads)
	}
	if o.Ops < 0 {
		return errors.Errorf("ops must not be negative, got %d", o.Ops)
	}
	if o.Ops == 0 && o.Duration <= 0 {
		return errors.New("one of ops or duration must be positive")
	}
	if o.Target < 0 {
		return errors.Errorf("target must not be negative, got %v", o.Target)
	}
	if o.TableSize != "" {
		n, err := units.RAMInBytes(o.TableSize)
		if err != nil {
			return errors.Annotatef(err, "table-size %q", o.TableSize)
		}
		o.OrecBits = orec.BitsFor(n)
	}
	_, err := newWorkload(o.Workload, o.Words, o.Threads)
	return err
}

// Latency summarizes per-operation latencies in microseconds.
type Latency struct {
	Samples int
	Mean    float64
	P50     float64
	P99     float64
	Max     float64
}

func summarize(samples stats.Float64Data) Latency {
	l := Latency{Samples: len(samples)}
	if len(samples) == 0 {
		return l
	}
	l.Mean, _ = stats.Mean(samples)
	l.P50, _ = stats.Percentile(samples, 50)
	l.P99, _ = stats.Percentile(samples, 99)
	l.Max, _ = stats.Max(samples)
	return l
}

// Result is the outcome of one run.
type Result struct {
	Workload   string
	Threads    int
	TableBytes int64
	Elapsed    time.Duration
	Ops        uint64
	Errors     uint64
	Latency    Latency
	Stats      stm.Stats

	// CheckErr is set when the workload's final state is inconsistent.
	CheckErr error

	// Trace holds the hottest abort sites when tracing was enabled.
	Trace string
}

// Throughput is committed operations per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

// AbortRate is aborted attempts over all attempts.
func (r *Result) AbortRate() float64 {
	aborts := r.Stats.TotalAborts()
	total := aborts + r.Stats.Commits()
	if total == 0 {
		return 0
	}
	return float64(aborts) / float64(total)
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "workload  %s (%s, %d threads, orec table %s)\n",
		r.Workload, r.Stats.Algorithm, r.Threads, units.BytesSize(float64(r.TableBytes)))
	fmt.Fprintf(w, "elapsed   %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "ops       %d (%.1f ops/s, %d failed)\n", r.Ops, r.Throughput(), r.Errors)
	fmt.Fprintf(w, "commits   %d (read-only %d, read-write %d, turbo %d)\n",
		r.Stats.Commits(), r.Stats.CommitsReadOnly, r.Stats.CommitsReadWrite, r.Stats.CommitsTurbo)
	fmt.Fprintf(w, "aborts    %d (%.2f%%)\n", r.Stats.TotalAborts(), 100*r.AbortRate())
	for _, reason := range stm.AbortReasons() {
		if n := r.Stats.Aborts[reason]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", reason, n)
		}
	}
	if r.Latency.Samples > 0 {
		fmt.Fprintf(w, "latency   mean %.1fus p50 %.1fus p99 %.1fus max %.1fus\n",
			r.Latency.Mean, r.Latency.P50, r.Latency.P99, r.Latency.Max)
	}
	fmt.Fprint(w, r.Trace)
	if r.CheckErr != nil {
		fmt.Fprintf(w, "check     FAILED: %v\n", r.CheckErr)
	} else {
		fmt.Fprintf(w, "check     ok\n")
	}
}

// Run executes opts.Workload on a fresh runtime built from cfg. It stops
// after opts.Ops operations per thread, after opts.Duration, or when ctx is
// done, whichever comes first.
func Run(ctx context.Context, cfg stm.Config, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg.Algorithm = opts.Algorithm
	cfg.OrecTableBits = opts.OrecBits
	cfg.OrecHash = opts.OrecHash
	cfg.Trace.Enabled = cfg.Trace.Enabled || opts.Trace
	if cfg.MaxThreads < opts.Threads {
		cfg.MaxThreads = opts.Threads
	}

	rt, err := stm.NewRuntime(cfg, opts.RuntimeOptions...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close() }()

	wl, err := newWorkload(opts.Workload, opts.Words, opts.Threads)
	if err != nil {
		return nil, err
	}

	if opts.Ops == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	log.Info("benchmark starting",
		zap.String("workload", wl.Name()),
		zap.String("algorithm", rt.Algorithm()),
		zap.Int("threads", opts.Threads),
		zap.Float64("target", opts.Target))

	var (
		wg       sync.WaitGroup
		ops      atomic.Uint64
		failures atomic.Uint64
		samples  = make([][]float64, opts.Threads)
		errs     = make([]error, opts.Threads)
	)
	start := time.Now()
	for tid := 0; tid < opts.Threads; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			w := worker{
				tid:  tid,
				wl:   wl,
				ops:  opts.Ops,
				rng:  rand.New(rand.NewPCG(opts.Seed, uint64(tid))),
				done: &ops,
				fail: &failures,
			}
			if opts.Target > 0 {
				w.limit = ratelimit.NewBucketWithRate(opts.Target, 1)
			}
			samples[tid], errs[tid] = w.run(ctx, rt)
		}(tid)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var all stats.Float64Data
	for _, s := range samples {
		all = append(all, s...)
	}
	res := &Result{
		Workload:   wl.Name(),
		Threads:    opts.Threads,
		TableBytes: orec.BytesFor(cfg.OrecTableBits),
		Elapsed:    elapsed,
		Ops:        ops.Load(),
		Errors:     failures.Load(),
		Latency:    summarize(all),
		Stats:      rt.Stats(),
		CheckErr:   wl.Check(ops.Load()),
	}
	if tr := rt.Tracer(); tr != nil {
		var buf bytes.Buffer
		if err := tr.Report(&buf, 5); err == nil {
			res.Trace = buf.String()
		}
	}
	log.Info("benchmark finished",
		zap.Uint64("ops", res.Ops),
		zap.Duration("elapsed", elapsed),
		zap.Float64("abort-rate", res.AbortRate()))
	return res, nil
}

type worker struct {
	tid   int
	wl    workload
	ops   int
	rng   *rand.Rand
	limit *ratelimit.Bucket
	done  *atomic.Uint64
	fail  *atomic.Uint64
}

func (w *worker) run(ctx context.Context, rt *stm.Runtime) ([]float64, error) {
	th, err := rt.NewThread()
	if err != nil {
		return nil, err
	}
	defer th.Close()

	var samples []float64
	fn := func(tx *stm.Tx) error { return w.wl.Op(tx, w.tid, w.rng) }
	for i := 0; w.ops == 0 || i < w.ops; i++ {
		if ctx.Err() != nil {
			break
		}
		if w.limit != nil {
			if d := w.limit.Take(1); d > 0 {
				select {
				case <-ctx.Done():
					return samples, nil
				case <-time.After(d):
				}
			}
		}
		begin := time.Now()
		if err := th.Atomically(fn); err != nil {
			w.fail.Add(1)
			log.Debug("operation failed", zap.Int("thread", w.tid), zap.Error(err))
			continue
		}
		if len(samples) < maxSamples {
			samples = append(samples, float64(time.Since(begin).Nanoseconds())/1e3)
		}
		w.done.Add(1)
	}
	return samples, nil
}
