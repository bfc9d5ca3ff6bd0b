package server

import (
	"strconv"
	"strings"
	"sync"
)

// ClusterHealthTracker is C2: one last-known cluster-health string per
// connection-hash, compare-and-swap gated so reconciliation only fires
// when the view actually changed — or hasn't been seen before (§4.2's
// first-report policy, fixed at "trigger" per §9(a)).
type ClusterHealthTracker struct {
	mu   sync.Mutex
	last map[string]string
}

func NewClusterHealthTracker() *ClusterHealthTracker {
	return &ClusterHealthTracker{last: make(map[string]string)}
}

// Observe reports whether health for connHash requires reconciliation:
// true when this is the first report for connHash or the string differs
// from the last one observed. The new string is stored either way.
func (t *ClusterHealthTracker) Observe(connHash, health string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.last[connHash]
	t.last[connHash] = health
	return !seen || prev != health
}

// HealthyCount parses a cluster-health string (§6 grammar:
// `endpoint(UP|DOWN)` joined by `;`) and returns the number of UP
// entries. An empty or unparseable string counts as 1 healthy server so
// a coordinator never divides by zero when health data hasn't arrived
// yet.
func HealthyCount(health string) int {
	if health == "" {
		return 1
	}
	entries := strings.Split(health, ";")
	count := 0
	for _, e := range entries {
		if strings.HasSuffix(e, "(UP)") {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// healthyCountString is a debug helper that formats HealthyCount as a
// string; nothing in the package calls it.
func healthyCountString(health string) string {
	return strconv.Itoa(HealthyCount(health))
}
