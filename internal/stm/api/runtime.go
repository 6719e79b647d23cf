// Package api is the runtime context of the STM: it owns the orec table, the
// clock, the thread registry and the selected algorithm, and exposes
// transactions to callers through Thread (explicit begin/commit) and
// Atomically (closure with automatic retry).
package api

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kolkov/orecstm/internal/stm/alloc"
	"github.com/kolkov/orecstm/internal/stm/clock"
	"github.com/kolkov/orecstm/internal/stm/cm"
	"github.com/kolkov/orecstm/internal/stm/config"
	"github.com/kolkov/orecstm/internal/stm/engine"
	"github.com/kolkov/orecstm/internal/stm/metrics"
	"github.com/kolkov/orecstm/internal/stm/orec"
	"github.com/kolkov/orecstm/internal/stm/trace"
	"github.com/kolkov/orecstm/internal/stm/txn"
)

// Option customizes NewRuntime.
type Option func(*Runtime)

// WithRegisterer registers the runtime's collectors on r instead of the
// default prometheus registerer. It has no effect unless metrics are enabled.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(rt *Runtime) { rt.registerer = r }
}

// WithContentionManager overrides the configured contention policy.
func WithContentionManager(m cm.Manager) Option {
	return func(rt *Runtime) { rt.cm = m }
}

// Runtime is one independent STM instance. Words accessed through different
// runtimes must not overlap.
type Runtime struct {
	cfg   config.Config
	table *orec.Table
	clock *clock.Clock
	reg   *registry
	txCfg txn.Config

	algo     atomic.Value // engine.Algorithm
	switchMu sync.Mutex
	// switching closes the begin gate while an algorithm change waits for
	// quiescence.
	switching atomic.Bool
	closed    atomic.Bool

	alloc      *alloc.Allocator
	cm         cm.Manager
	tracer     *trace.Tracer
	metrics    *metrics.Metrics
	registerer prometheus.Registerer

	spareMu sync.Mutex
	spare   []*Thread

	commitsRO    atomic.Uint64
	commitsRW    atomic.Uint64
	commitsTurbo atomic.Uint64
	aborts       []atomic.Uint64 // indexed by txn.AbortReason
	switches     atomic.Uint64
}

var loggerOnce sync.Once

func setupLogger(cfg *log.Config) {
	loggerOnce.Do(func() {
		lg, props, err := log.InitLogger(cfg, zap.AddStacktrace(zapcore.FatalLevel))
		if err != nil {
			log.Warn("stm logger setup failed, keeping default", zap.Error(err))
			return
		}
		log.ReplaceGlobals(lg, props)
	})
}

// NewRuntime creates a runtime from cfg.
func NewRuntime(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogger(&cfg.Log)
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}

	rt := &Runtime{
		cfg:   cfg,
		table: orec.NewTable(cfg.OrecTableBits, orec.HashKind(cfg.OrecHash)),
		clock: clock.New(),
		reg:   newRegistry(cfg.MaxThreads),
		txCfg: txn.Config{
			WriteSetCapacity: cfg.WriteSetCapacity,
			ReadLogCapacity:  cfg.ReadLogCapacity,
			LazyReadHashing:  cfg.LazyReadHashing,
		},
		aborts: make([]atomic.Uint64, len(txn.Reasons())+1),
	}
	for _, opt := range opts {
		opt(rt)
	}

	algo, err := engine.New(cfg.Algorithm, rt.env())
	if err != nil {
		return nil, err
	}
	rt.algo.Store(algo)

	if rt.cm == nil {
		rt.cm, err = cm.New(cfg.Contention.Policy,
			cfg.Contention.MinBackoff.Duration, cfg.Contention.MaxBackoff.Duration)
		if err != nil {
			return nil, err
		}
	}
	rt.alloc = alloc.New(rt.reg.horizon)
	if cfg.Trace.Enabled {
		rt.tracer = trace.New(cfg.Trace.SampleRate)
	}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.New(cfg.Metrics.Namespace,
			func() float64 { return float64(rt.clock.Now()) },
			func() float64 { return float64(rt.reg.threads()) })
		if rt.registerer == nil {
			rt.registerer = prometheus.DefaultRegisterer
		}
		if err := rt.metrics.Register(rt.registerer); err != nil {
			return nil, errors.Annotate(err, "register stm metrics")
		}
	}

	log.Info("stm runtime started",
		zap.String("algorithm", algo.Name()),
		zap.Uint("orec-table-bits", rt.table.Bits()),
		zap.String("orec-hash", string(rt.table.Kind())),
		zap.Int("max-threads", cfg.MaxThreads))
	warnIfUnsafe(algo)
	return rt, nil
}

func (rt *Runtime) env() engine.Env {
	return engine.Env{Table: rt.table, Clock: rt.clock}
}

func warnIfUnsafe(a engine.Algorithm) {
	if !a.PrivatizationSafe() {
		log.Warn("algorithm is not privatization safe; non-transactional access to "+
			"data written transactionally may observe partial writeback",
			zap.String("algorithm", a.Name()))
	}
}

func (rt *Runtime) algorithm() engine.Algorithm {
	return rt.algo.Load().(engine.Algorithm)
}

// Algorithm returns the name of the active algorithm.
func (rt *Runtime) Algorithm() string { return rt.algorithm().Name() }

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() config.Config { return rt.cfg }

// SetAlgorithm switches every subsequent transaction to name. It blocks new
// transactions, waits for the running ones to finish, and drains the clock
// so the next algorithm starts from a consistent lastComplete. It must not be
// called from inside a transaction.
func (rt *Runtime) SetAlgorithm(name string) error {
	next, err := engine.New(name, rt.env())
	if err != nil {
		return err
	}
	rt.switchMu.Lock()
	defer rt.switchMu.Unlock()

	prev := rt.algorithm()
	rt.switching.Store(true)
	rt.reg.waitQuiescent()
	rt.clock.Sync()
	rt.algo.Store(next)
	rt.switching.Store(false)

	rt.switches.Inc()
	rt.metrics.Switch()
	log.Debug("stm algorithm switched",
		zap.String("from", prev.Name()), zap.String("to", next.Name()),
		zap.Uint64("clock", rt.clock.Now()))
	warnIfUnsafe(next)
	return nil
}

// NewThread registers a thread. The caller owns it until Close.
func (rt *Runtime) NewThread() (*Thread, error) {
	if rt.closed.Load() {
		return nil, ErrClosed
	}
	id, s, err := rt.reg.alloc(rt.table, rt.txCfg)
	if err != nil {
		return nil, errors.Annotatef(err, "max-threads %d", rt.cfg.MaxThreads)
	}
	return &Thread{rt: rt, id: id, slot: s, desc: s.desc}, nil
}

// AbortRemote asks thread id to abort its current transaction. The thread
// notices at its next read or at commit; a transaction already writing in
// place is not interrupted.
func (rt *Runtime) AbortRemote(id uint32) error {
	s, ok := rt.reg.lookup(id)
	if !ok {
		return errors.Annotatef(ErrUnknownThread, "thread %d", id)
	}
	s.desc.Kill()
	return nil
}

// Tracer returns the abort-site tracer, nil when tracing is disabled.
func (rt *Runtime) Tracer() *trace.Tracer { return rt.tracer }

// Allocator returns the runtime's transactional allocator.
func (rt *Runtime) Allocator() *alloc.Allocator { return rt.alloc }

// borrow takes a spare thread or registers a new one.
func (rt *Runtime) borrow() (*Thread, error) {
	rt.spareMu.Lock()
	if n := len(rt.spare); n > 0 {
		th := rt.spare[n-1]
		rt.spare = rt.spare[:n-1]
		rt.spareMu.Unlock()
		return th, nil
	}
	rt.spareMu.Unlock()
	return rt.NewThread()
}

func (rt *Runtime) giveBack(th *Thread) {
	if rt.closed.Load() {
		th.Close()
		return
	}
	rt.spareMu.Lock()
	rt.spare = append(rt.spare, th)
	rt.spareMu.Unlock()
}

// Atomically runs fn as a transaction on a pooled thread, retrying on
// conflict. See Thread.Atomically.
func (rt *Runtime) Atomically(fn func(*Tx) error) error {
	th, err := rt.borrow()
	if err != nil {
		return err
	}
	defer rt.giveBack(th)
	return th.Atomically(fn)
}

// Close stops new transactions, waits for running ones and releases the
// pooled threads. Threads created with NewThread must be closed by their
// owners.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	rt.reg.waitQuiescent()

	rt.spareMu.Lock()
	spare := rt.spare
	rt.spare = nil
	rt.spareMu.Unlock()
	for _, th := range spare {
		th.Close()
	}
	if rt.registerer != nil {
		rt.metrics.Unregister(rt.registerer)
	}

	s := rt.Stats()
	log.Info("stm runtime closed",
		zap.String("algorithm", s.Algorithm),
		zap.Uint64("commits", s.Commits()),
		zap.Uint64("aborts", s.TotalAborts()))
	return nil
}
