package client

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// urlFramePattern extracts the bracketed endpoint list and backend URL
// from a connection URL of the form
// "jdbc:ojp[host1:port1,host2:port2]_<backend-url>". A single alternation
// is enough: everything between the first '[' and its matching ']' is the
// endpoint list, everything after the following '_' is the backend URL.
var urlFramePattern = regexp.MustCompile(`^jdbc:ojp\[([^\]]+)\]_(.+)$`)

// Endpoint is one server address tracked by the Endpoint Registry (C1).
type Endpoint struct {
	Host string
	Port string

	mu          sync.RWMutex
	healthy     bool
	lastFailure time.Time
	lastSuccess time.Time
}

// Address renders host:port, the canonical form used in DSNs and in the
// cluster-health string.
func (e *Endpoint) Address() string {
	return e.Host + ":" + e.Port
}

// Healthy reports the endpoint's current health flag. An endpoint starts
// healthy; it is considered healthy unless explicitly marked unhealthy,
// and if it has ever failed, only once a later success supersedes that
// failure.
func (e *Endpoint) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

func (e *Endpoint) markUnhealthy(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
	e.lastFailure = at
}

func (e *Endpoint) markHealthy(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.lastSuccess = at
}

func (e *Endpoint) lastFailureAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastFailure
}

// HealthListener is notified on every health transition of an endpoint.
type HealthListener func(ep *Endpoint, healthy bool)

// EndpointRegistry is C1: the ordered list of server endpoints parsed
// from the connection URL, with per-endpoint health state and a shared
// round-robin cursor. Driver.Open builds a new registry for every
// connection it opens; registries are not shared across connections.
type EndpointRegistry struct {
	endpoints []*Endpoint
	rrCursor  uint64

	mu        sync.RWMutex
	listeners []HealthListener
}

// ParseEndpoints splits the bracketed, comma-separated endpoint list out
// of a connection URL and returns both the endpoint list and the backend
// URL remainder. Matches §6's "Connection URL format" grammar.
func ParseEndpoints(connectionURL string) (endpoints []string, backendURL string, err error) {
	m := urlFramePattern.FindStringSubmatch(connectionURL)
	if m == nil {
		return nil, "", fmt.Errorf("client: connection URL %q does not match jdbc:ojp[host:port,...]_<backend-url>", connectionURL)
	}
	for _, raw := range strings.Split(m[1], ",") {
		raw = strings.TrimSpace(raw)
		if raw != "" {
			endpoints = append(endpoints, raw)
		}
	}
	if len(endpoints) == 0 {
		return nil, "", fmt.Errorf("client: connection URL %q has an empty endpoint list", connectionURL)
	}
	return endpoints, m[2], nil
}

// NewEndpointRegistry builds a registry from "host:port" address strings.
// All endpoints start healthy (§4's endpoint invariant).
func NewEndpointRegistry(addrs []string) (*EndpointRegistry, error) {
	r := &EndpointRegistry{}
	for _, addr := range addrs {
		host, port, ok := strings.Cut(addr, ":")
		if !ok || host == "" || port == "" {
			return nil, fmt.Errorf("client: malformed endpoint address %q", addr)
		}
		r.endpoints = append(r.endpoints, &Endpoint{Host: host, Port: port, healthy: true})
	}
	return r, nil
}

// AllEndpoints returns every endpoint in registration order.
func (r *EndpointRegistry) AllEndpoints() []*Endpoint {
	out := make([]*Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// HealthyEndpoints returns the currently-healthy subset, preserving
// registration order.
func (r *EndpointRegistry) HealthyEndpoints() []*Endpoint {
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.Healthy() {
			out = append(out, ep)
		}
	}
	return out
}

// Subscribe registers a listener for health transitions. Not unsubscribed
// for driver lifetime; matches §9's "lazily-initialized singleton with
// explicit shutdown hook" model, where listeners live as long as the
// registry itself.
func (r *EndpointRegistry) Subscribe(l HealthListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *EndpointRegistry) notify(ep *Endpoint, healthy bool) {
	r.mu.RLock()
	listeners := make([]HealthListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ep, healthy)
	}
}

// MarkUnhealthy is called by C8's failure path. cause is accepted for
// logging by callers; the registry itself doesn't retain it.
func (r *EndpointRegistry) MarkUnhealthy(ep *Endpoint, cause error) {
	ep.markUnhealthy(time.Now())
	r.notify(ep, false)
}

// MarkHealthy is called by C9 on a successful recovery probe.
func (r *EndpointRegistry) MarkHealthy(ep *Endpoint) {
	ep.markHealthy(time.Now())
	r.notify(ep, true)
}

// NextRoundRobin returns the next healthy endpoint in round-robin order,
// or nil if every endpoint is unhealthy. The cursor advances even when
// some endpoints are skipped, so distribution stays fair across
// unhealthy-then-healthy transitions.
func (r *EndpointRegistry) NextRoundRobin() *Endpoint {
	healthy := r.HealthyEndpoints()
	if len(healthy) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&r.rrCursor, 1)
	return healthy[int(idx%uint64(len(healthy)))]
}

// NextRoundRobinAmong advances the shared round-robin cursor and returns
// the selected member of candidates. Used by C8's load-aware XA selection
// to break ties between endpoints with an equal bound-session count
// (§4.8: "ties broken by round-robin position").
func (r *EndpointRegistry) NextRoundRobinAmong(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&r.rrCursor, 1)
	return candidates[int(idx%uint64(len(candidates)))]
}

// UnhealthyOlderThan returns unhealthy endpoints whose last failure
// predates the given threshold age — the candidate set C9 probes.
func (r *EndpointRegistry) UnhealthyOlderThan(threshold time.Duration) []*Endpoint {
	now := time.Now()
	var out []*Endpoint
	for _, ep := range r.endpoints {
		if ep.Healthy() {
			continue
		}
		if now.Sub(ep.lastFailureAt()) >= threshold {
			out = append(out, ep)
		}
	}
	return out
}
