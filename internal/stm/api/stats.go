package api

import (
	"github.com/kolkov/orecstm/internal/stm/alloc"
	"github.com/kolkov/orecstm/internal/stm/txn"
)

// Stats is a snapshot of runtime-wide activity.
type Stats struct {
	Algorithm string
	Threads   int
	Clock     uint64
	Switches  uint64

	CommitsReadOnly  uint64
	CommitsReadWrite uint64
	CommitsTurbo     uint64
	Aborts           map[txn.AbortReason]uint64

	Alloc alloc.Stats
}

// Commits is the total over commit kinds.
func (s Stats) Commits() uint64 {
	return s.CommitsReadOnly + s.CommitsReadWrite + s.CommitsTurbo
}

// TotalAborts is the total over abort reasons.
func (s Stats) TotalAborts() uint64 {
	var n uint64
	for _, v := range s.Aborts {
		n += v
	}
	return n
}

// Stats returns current totals. Counters are read independently, so a
// snapshot taken under load is approximate.
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Algorithm:        rt.Algorithm(),
		Threads:          rt.reg.threads(),
		Clock:            rt.clock.Now(),
		Switches:         rt.switches.Load(),
		CommitsReadOnly:  rt.commitsRO.Load(),
		CommitsReadWrite: rt.commitsRW.Load(),
		CommitsTurbo:     rt.commitsTurbo.Load(),
		Aborts:           make(map[txn.AbortReason]uint64),
		Alloc:            rt.alloc.Stats(),
	}
	for _, r := range txn.Reasons() {
		if n := rt.aborts[r].Load(); n > 0 {
			s.Aborts[r] = n
		}
	}
	return s
}
