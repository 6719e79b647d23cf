package txn

// AbortReason classifies why a transaction was rolled back.
type AbortReason uint8

const (
	// ReasonNone means the transaction has not aborted.
	ReasonNone AbortReason = iota
	// ReasonLocked: a read found the orec held by another thread.
	ReasonLocked
	// ReasonAcquire: commit could not take an orec (held by another thread,
	// newer than the snapshot, or a lost CAS).
	ReasonAcquire
	// ReasonValidation: a logged read was overwritten (snapshot extension or
	// commit-time validation failed).
	ReasonValidation
	// ReasonReadOnlyValidation: final validation of a read-only commit
	// failed.
	ReasonReadOnlyValidation
	// ReasonRemote: another thread killed the transaction.
	ReasonRemote
	// ReasonExplicit: the application asked to abort and retry.
	ReasonExplicit
	// ReasonUser: the application returned an error; no retry.
	ReasonUser

	numReasons
)

var reasonNames = [numReasons]string{
	ReasonNone:               "none",
	ReasonLocked:             "locked",
	ReasonAcquire:            "acquire",
	ReasonValidation:         "validation",
	ReasonReadOnlyValidation: "ro-validation",
	ReasonRemote:             "remote",
	ReasonExplicit:           "explicit",
	ReasonUser:               "user",
}

func (r AbortReason) String() string {
	if r >= numReasons {
		return "unknown"
	}
	return reasonNames[r]
}

// Reasons lists every abort reason except ReasonNone, in declaration order.
func Reasons() []AbortReason {
	out := make([]AbortReason, 0, numReasons-1)
	for r := ReasonLocked; r < numReasons; r++ {
		out = append(out, r)
	}
	return out
}

// Counters are per-thread totals. Plain integers: only the owner writes them
// and aggregation happens after the thread closes or under quiescence.
type Counters struct {
	CommitsReadOnly  uint64
	CommitsReadWrite uint64
	CommitsTurbo     uint64
	Aborts           [numReasons]uint64
}

// Commits returns the total number of commits.
func (c *Counters) Commits() uint64 {
	return c.CommitsReadOnly + c.CommitsReadWrite + c.CommitsTurbo
}

// TotalAborts returns the number of aborts of every reason.
func (c *Counters) TotalAborts() uint64 {
	var n uint64
	for _, v := range c.Aborts {
		n += v
	}
	return n
}

// Add accumulates other into c.
func (c *Counters) Add(other *Counters) {
	c.CommitsReadOnly += other.CommitsReadOnly
	c.CommitsReadWrite += other.CommitsReadWrite
	c.CommitsTurbo += other.CommitsTurbo
	for i := range c.Aborts {
		c.Aborts[i] += other.Aborts[i]
	}
}
