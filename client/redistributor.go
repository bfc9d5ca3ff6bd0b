package client

// maxClosePerRecovery bounds how many excess connections C10 will
// force-invalidate in a single recovery event (§4.10 default).
const maxClosePerRecovery = 100

// Redistributor is C10: triggered by C9 on endpoint recovery, it prevents
// permanent imbalance by force-invalidating excess sessions on
// overloaded healthy endpoints so the application pool's next
// borrow/validate cycle replaces them — and those replacements naturally
// flow to the just-recovered endpoint via §4.8's selection policy.
type Redistributor struct {
	manager *RoutingManager
}

// NewRedistributor builds a redistributor bound to manager.
func NewRedistributor(manager *RoutingManager) *Redistributor {
	return &Redistributor{manager: manager}
}

// OnRecovery implements §4.10 steps 1-4.
func (r *Redistributor) OnRecovery(recovered *Endpoint) {
	healthy := r.manager.registry.HealthyEndpoints()
	if len(healthy) == 0 {
		return
	}

	counts := make(map[*Endpoint]int, len(healthy))
	total := 0
	for _, ep := range healthy {
		n := r.manager.sessions.SessionCount(ep)
		counts[ep] = n
		total += n
	}

	target := total / len(healthy)
	remaining := maxClosePerRecovery
	// Overloaded endpoints are visited once each, in registry order, and
	// each gives up its whole excess before the next is visited; the
	// invalidations are not interleaved round-robin across endpoints, so
	// when maxClosePerRecovery runs out the later endpoints keep theirs.
	for _, ep := range healthy {
		if remaining <= 0 {
			break
		}
		if ep == recovered {
			continue
		}
		excess := counts[ep] - target
		if excess <= 0 {
			continue
		}
		if excess > remaining {
			excess = remaining
		}
		ids := r.manager.sessions.SessionsBoundTo(ep)
		closed := r.manager.sessions.InvalidateSessions(ids, excess)
		remaining -= closed
	}
}
