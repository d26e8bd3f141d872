package node

import "sync/atomic"

// Stats are the node's operation counters. All fields are updated
// atomically and may be read at any time.
type Stats struct {
	Executed     uint64 // master transactions attempted
	Committed    uint64 // master transactions committed
	CertFailures uint64 // master transactions rejected by certification
	Applied      uint64 // replicated writesets applied
	RevalFailed  uint64 // transactions discarded by local re-validation
}

type stats struct {
	executed     atomic.Uint64
	committed    atomic.Uint64
	certFailures atomic.Uint64
	applied      atomic.Uint64
}

// Stats returns a snapshot of the counters.
func (n *Node) Stats() Stats {
	return Stats{
		Executed:     n.stats.executed.Load(),
		Committed:    n.stats.committed.Load(),
		CertFailures: n.stats.certFailures.Load(),
		Applied:      n.stats.applied.Load(),
		RevalFailed:  n.store.RevalidationFailures(),
	}
}
