package client

import (
	"fmt"
	"sort"
	"strings"
)

// ClusterHealthString derives the normalized cluster-health string from a
// registry snapshot (§4's "Cluster-health string" type and §6's grammar):
// sort endpoints by host:port, join "address(UP|DOWN)" with ";". Two
// clients with the same health view must produce byte-identical strings
// (P6), so addresses are lower-cased before sorting and rendering.
func ClusterHealthString(endpoints []*Endpoint) string {
	type pair struct {
		addr    string
		healthy bool
	}
	pairs := make([]pair, 0, len(endpoints))
	for _, ep := range endpoints {
		pairs = append(pairs, pair{addr: strings.ToLower(ep.Address()), healthy: ep.Healthy()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].addr < pairs[j].addr })

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		state := "DOWN"
		if p.healthy {
			state = "UP"
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", p.addr, state))
	}
	return strings.Join(parts, ";")
}

// ClusterHealthString reports the registry's current cluster-health
// string, the value threaded onto every outbound RPC per §4.2.
func (r *EndpointRegistry) ClusterHealthString() string {
	return ClusterHealthString(r.AllEndpoints())
}
