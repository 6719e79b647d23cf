// Package trace captures where transactions abort.
//
// A Tracer samples aborts, records the caller stack in a deduplicating
// depot, and counts hits per (stack, reason) site. Report lists the hottest
// sites, which is usually where contention on a shared word starts.
package trace

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/kolkov/orecstm/internal/stm/txn"
)

// Site is an abort location and the number of sampled aborts seen there.
type Site struct {
	Stack  uint64
	Reason txn.AbortReason
	Count  uint64
}

type siteKey struct {
	stack  uint64
	reason txn.AbortReason
}

// Tracer is safe for concurrent use. A nil *Tracer records nothing.
type Tracer struct {
	sampler *Sampler
	depot   Depot

	mu    sync.Mutex
	sites map[siteKey]uint64
}

// New creates a tracer sampling one abort in rate.
func New(rate uint64) *Tracer {
	return &Tracer{sampler: NewSampler(rate), sites: make(map[siteKey]uint64)}
}

// Record notes an abort of thread with reason. skip is the number of frames
// between the caller and the code that issued the failing operation.
func (t *Tracer) Record(thread uint32, reason txn.AbortReason, skip int) {
	if t == nil || !t.sampler.ShouldSample() {
		return
	}
	h := t.depot.Capture(skip + 1)

	t.mu.Lock()
	t.sites[siteKey{h, reason}]++
	t.mu.Unlock()

	log.Debug("sampled transaction abort",
		zap.Uint32("thread", thread),
		zap.Stringer("reason", reason),
		zap.Uint64("site", h))
}

// Sites returns recorded sites, most frequent first.
func (t *Tracer) Sites() []Site {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Site, 0, len(t.sites))
	for k, n := range t.sites {
		out = append(out, Site{Stack: k.stack, Reason: k.reason, Count: n})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Stack != out[j].Stack {
			return out[i].Stack < out[j].Stack
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

// Stack resolves a site's stack hash.
func (t *Tracer) Stack(h uint64) *Stack {
	if t == nil {
		return nil
	}
	return t.depot.Get(h)
}

// Report writes the top sites to w. top <= 0 writes all of them.
func (t *Tracer) Report(w io.Writer, top int) error {
	sites := t.Sites()
	if top > 0 && len(sites) > top {
		sites = sites[:top]
	}
	var seen, sampled uint64
	if t != nil {
		seen, sampled = t.sampler.Counts()
	}
	if _, err := fmt.Fprintf(w, "abort sites: %d sampled of %d aborts\n", sampled, seen); err != nil {
		return err
	}
	for i, s := range sites {
		if _, err := fmt.Fprintf(w, "#%d %s x%d\n%s", i+1, s.Reason, s.Count, t.depot.Get(s.Stack).Format()); err != nil {
			return err
		}
	}
	return nil
}
