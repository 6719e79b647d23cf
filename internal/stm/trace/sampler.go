package trace

import "go.uber.org/atomic"

// Sampler selects one event in Rate using a shared counter. A rate of 0 or 1
// selects every event.
type Sampler struct {
	rate uint64
	pos  atomic.Uint64

	seen    atomic.Uint64
	sampled atomic.Uint64
}

// NewSampler creates a sampler for rate.
func NewSampler(rate uint64) *Sampler {
	if rate == 0 {
		rate = 1
	}
	return &Sampler{rate: rate}
}

// Rate returns the normalized rate.
func (s *Sampler) Rate() uint64 { return s.rate }

// ShouldSample reports whether the current event is selected.
func (s *Sampler) ShouldSample() bool {
	s.seen.Inc()
	if s.rate > 1 && s.pos.Inc()%s.rate != 0 {
		return false
	}
	s.sampled.Inc()
	return true
}

// Counts returns how many events were offered and how many selected.
func (s *Sampler) Counts() (seen, sampled uint64) {
	return s.seen.Load(), s.sampled.Load()
}
