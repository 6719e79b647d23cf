// Package stm is the public API of the software transactional memory
// runtime.
//
// See doc.go for an overview and examples.
package stm

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	internal "github.com/kolkov/orecstm/internal/stm/api"
	"github.com/kolkov/orecstm/internal/stm/config"
	"github.com/kolkov/orecstm/internal/stm/engine"
	"github.com/kolkov/orecstm/internal/stm/txn"
)

// Re-exported types.
type (
	Runtime = internal.Runtime
	Thread  = internal.Thread
	Tx      = internal.Tx
	Stats   = internal.Stats
	Option  = internal.Option
	Config  = config.Config

	AbortReason = txn.AbortReason
)

// Re-exported errors. Compare with errors.Cause from github.com/pingcap/errors.
var (
	ErrConflict         = internal.ErrConflict
	ErrRemoteAbort      = internal.ErrRemoteAbort
	ErrExplicitAbort    = internal.ErrExplicitAbort
	ErrTooManyRetries   = internal.ErrTooManyRetries
	ErrTooManyThreads   = internal.ErrTooManyThreads
	ErrUnknownAlgorithm = internal.ErrUnknownAlgorithm
	ErrNotActive        = internal.ErrNotActive
	ErrClosed           = internal.ErrClosed
)

// Re-exported options.
var (
	WithRegisterer        = internal.WithRegisterer
	WithContentionManager = internal.WithContentionManager
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a TOML file (or $STM_CONFIG when path is empty) and
// applies environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewRuntime creates an independent runtime.
func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	return internal.NewRuntime(cfg, opts...)
}

// AbortReasons lists every abort reason in a stable order.
func AbortReasons() []AbortReason { return txn.Reasons() }

// Algorithms lists the registered algorithm names.
func Algorithms() []string { return engine.Names() }

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Init creates the process-wide default runtime from $STM_CONFIG and the
// environment. Calling Init again while the default runtime is open is a
// no-op.
func Init() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT != nil {
		return nil
	}
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	rt, err := internal.NewRuntime(*cfg)
	if err != nil {
		return err
	}
	defaultRT = rt
	return nil
}

// Default returns the default runtime, initializing it on first use.
func Default() (*Runtime, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT == nil {
		return nil, ErrClosed
	}
	return defaultRT, nil
}

// Atomically runs fn as a transaction on the default runtime.
func Atomically(fn func(*Tx) error) error {
	rt, err := Default()
	if err != nil {
		return err
	}
	return rt.Atomically(fn)
}

// Fini closes the default runtime and prints a summary to stderr.
func Fini() {
	defaultMu.Lock()
	rt := defaultRT
	defaultRT = nil
	defaultMu.Unlock()
	if rt == nil {
		return
	}
	_ = rt.Close()
	_ = Report(os.Stderr, rt)
}

// Report writes a summary of rt's activity and, if tracing is enabled, its
// hottest abort sites.
func Report(w io.Writer, rt *Runtime) error {
	s := rt.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "==================\n")
	fmt.Fprintf(&b, "STM Report (%s)\n", s.Algorithm)
	fmt.Fprintf(&b, "==================\n")
	fmt.Fprintf(&b, "commits: %d (read-only %d, read-write %d, turbo %d)\n",
		s.Commits(), s.CommitsReadOnly, s.CommitsReadWrite, s.CommitsTurbo)
	fmt.Fprintf(&b, "aborts:  %d\n", s.TotalAborts())
	for _, r := range AbortReasons() {
		if n := s.Aborts[r]; n > 0 {
			fmt.Fprintf(&b, "  %-14s %d\n", r, n)
		}
	}
	if tr := rt.Tracer(); tr != nil {
		if err := tr.Report(&b, 5); err != nil {
			return err
		}
	}
	b.WriteString("==================\n")
	_, err := io.WriteString(w, b.String())
	return err
}
