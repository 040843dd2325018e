package guard

import "sync/atomic"

type counters struct {
	probes             atomic.Uint64
	reconnects         atomic.Uint64
	probeFailures      atomic.Uint64
	timeouts           atomic.Uint64
	affinityViolations atomic.Uint64
}

// Stats is a point-in-time snapshot of guard activity.
type Stats struct {
	Probes             uint64 // liveness probes issued
	Reconnects         uint64 // backoff retries after an invalidated probe
	ProbeFailures      uint64 // terminal non-invalidation probe errors
	Timeouts           uint64 // retry loops that exhausted the reconnect timeout
	AffinityViolations uint64 // checkouts rejected for crossing a process boundary
}

// Stats returns a snapshot of the guard's counters.
func (g *Guard) Stats() Stats {
	return Stats{
		Probes:             g.stats.probes.Load(),
		Reconnects:         g.stats.reconnects.Load(),
		ProbeFailures:      g.stats.probeFailures.Load(),
		Timeouts:           g.stats.timeouts.Load(),
		AffinityViolations: g.stats.affinityViolations.Load(),
	}
}
