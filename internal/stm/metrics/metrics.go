// Package metrics exports runtime activity to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/orecstm/internal/stm/txn"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "stm"

// Metrics holds the collectors of one runtime. A nil *Metrics ignores every
// observation.
type Metrics struct {
	commits  *prometheus.CounterVec
	aborts   *prometheus.CounterVec
	switches prometheus.Counter
	attempts prometheus.Histogram
	clock    prometheus.GaugeFunc
	threads  prometheus.GaugeFunc
}

// New creates collectors under namespace. clock and threads are sampled at
// scrape time.
func New(namespace string, clock, threads func() float64) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Metrics{
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "commits_total",
				Help:      "Counter of committed transactions.",
			}, []string{"algorithm", "kind"}),

		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "aborts_total",
				Help:      "Counter of rolled back transactions.",
			}, []string{"algorithm", "reason"}),

		switches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "algorithm_switches_total",
				Help:      "Counter of algorithm changes at quiescence.",
			}),

		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "attempts",
				Help:      "Bucketed histogram of attempts per Atomically call.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),

		clock: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "clock",
				Name:      "timestamp",
				Help:      "Current value of the global commit clock.",
			}, clock),

		threads: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "threads",
				Help:      "Number of registered threads.",
			}, threads),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.commits, m.aborts, m.switches, m.attempts, m.clock, m.threads}
}

// Register adds every collector to r. On failure nothing stays registered.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	cs := m.collectors()
	for i, c := range cs {
		if err := r.Register(c); err != nil {
			for _, done := range cs[:i] {
				r.Unregister(done)
			}
			return err
		}
	}
	return nil
}

// Unregister removes the collectors from r.
func (m *Metrics) Unregister(r prometheus.Registerer) {
	if m == nil {
		return
	}
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}

// Commit counts a commit of the given kind.
func (m *Metrics) Commit(algorithm string, kind txn.Mode) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(algorithm, kind.String()).Inc()
}

// Abort counts a rollback.
func (m *Metrics) Abort(algorithm string, reason txn.AbortReason) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(algorithm, reason.String()).Inc()
}

// Switch counts an algorithm change.
func (m *Metrics) Switch() {
	if m == nil {
		return
	}
	m.switches.Inc()
}

// Attempts observes how many tries one Atomically call took.
func (m *Metrics) Attempts(n int) {
	if m == nil {
		return
	}
	m.attempts.Observe(float64(n))
}
