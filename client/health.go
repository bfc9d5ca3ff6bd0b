package client

import (
	"context"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// HealthCheckerConfig controls C9's probe cadence (§4.9 defaults).
type HealthCheckerConfig struct {
	CheckInterval time.Duration // default 5000ms
	Threshold     time.Duration // default 5000ms
	ProbeTimeout  time.Duration // default 5000ms
}

func defaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		CheckInterval: 5 * time.Second,
		Threshold:     5 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// HealthChecker is C9: a single background scheduler, grounded in
// heartbeat.go's ticker-plus-per-target-timeout shape but inverted —
// heartbeat.go watches a healthy connection for silence, HealthChecker
// watches unhealthy endpoints for recovery. One probe per endpoint is in
// flight at a time (the inFlight latch).
type HealthChecker struct {
	manager *RoutingManager
	cfg     HealthCheckerConfig

	mu       sync.Mutex
	inFlight map[*Endpoint]bool

	stop chan struct{}
	done chan struct{}
}

// NewHealthChecker builds a checker bound to manager. Call Start to begin
// the scheduler loop.
func NewHealthChecker(manager *RoutingManager) *HealthChecker {
	return &HealthChecker{
		manager:  manager,
		cfg:      defaultHealthCheckerConfig(),
		inFlight: make(map[*Endpoint]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. Safe to call once.
func (h *HealthChecker) Start() {
	go h.loop()
}

// Stop cancels the scheduler; required on driver close (§4.9
// "cancellation: the scheduler must stop on driver close").
func (h *HealthChecker) Stop() {
	close(h.stop)
	<-h.done
}

func (h *HealthChecker) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *HealthChecker) tick() {
	candidates := h.manager.registry.UnhealthyOlderThan(h.cfg.Threshold)
	for _, ep := range candidates {
		h.mu.Lock()
		if h.inFlight[ep] {
			h.mu.Unlock()
			continue
		}
		h.inFlight[ep] = true
		h.mu.Unlock()

		go h.probe(ep)
	}
}

// probe performs a minimal connect+terminateSession exchange against ep
// (§4.9). Success marks the endpoint healthy and triggers C10.
func (h *HealthChecker) probe(ep *Endpoint) {
	defer func() {
		h.mu.Lock()
		delete(h.inFlight, ep)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ProbeTimeout)
	defer cancel()

	conn, err := h.manager.connectVia(ctx, ep, wire.ConnectRequest{IsXA: false})
	if err != nil {
		// §4.9 "on failure: update lastFailureTimestamp, remain unhealthy" —
		// without this, UnhealthyOlderThan(threshold) would only gate the
		// very first failure and then re-probe every tick forever.
		h.manager.registry.MarkUnhealthy(ep, err)
		return
	}
	_ = h.manager.Terminate(ctx, conn)

	h.manager.registry.MarkHealthy(ep)
	h.manager.redistributor.OnRecovery(ep)
}
