package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/openjproxy/ojp/internal/wire"
)

// RoutingManager is C8, the Multinode Connection Manager. It owns one
// ConnectionManager (reconnect.go) per server Endpoint, selects a server
// for each new logical connection, threads every RPC through C11's
// envelope shape, and drives C9's failure path on connection-level
// errors. It is distinct from ConnectionManager (the per-broker AMQP
// reconnect wrapper); RoutingManager is the layer above it that knows
// about the cluster as a whole.
type RoutingManager struct {
	registry     *EndpointRegistry
	sessions     *SessionTracker
	backendURL   string
	clientID     string
	amqpUser     string
	amqpPassword string
	amqpVHost    string
	reconnectCfg *ReconnectConfig
	timeout      time.Duration
	debug        bool
	logger       zerolog.Logger

	mu    sync.Mutex
	conns map[*Endpoint]*ConnectionManager

	health        *HealthChecker
	redistributor *Redistributor

	closed bool
}

// RoutingManagerConfig bundles the construction parameters threaded in
// from the parsed DSN (driver.go's parseDSN).
type RoutingManagerConfig struct {
	Registry     *EndpointRegistry
	BackendURL   string
	ClientID     string
	AMQPUser     string
	AMQPPassword string
	AMQPVHost    string
	ReconnectCfg *ReconnectConfig
	Timeout      time.Duration
	Debug        bool
	Logger       zerolog.Logger
}

// NewRoutingManager builds the manager and starts C9's background health
// checker. AMQP connections to individual endpoints are established
// lazily on first use, not here.
func NewRoutingManager(cfg RoutingManagerConfig) *RoutingManager {
	m := &RoutingManager{
		registry:     cfg.Registry,
		sessions:     NewSessionTracker(),
		backendURL:   cfg.BackendURL,
		clientID:     cfg.ClientID,
		amqpUser:     cfg.AMQPUser,
		amqpPassword: cfg.AMQPPassword,
		amqpVHost:    cfg.AMQPVHost,
		reconnectCfg: cfg.ReconnectCfg,
		timeout:      cfg.Timeout,
		debug:        cfg.Debug,
		logger:       cfg.Logger,
		conns:        make(map[*Endpoint]*ConnectionManager),
	}
	m.redistributor = NewRedistributor(m)
	m.health = NewHealthChecker(m)
	m.health.Start()
	return m
}

// Close stops C9 and tears down every endpoint's AMQP connection.
func (m *RoutingManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*ConnectionManager, 0, len(m.conns))
	for _, cm := range m.conns {
		conns = append(conns, cm)
	}
	m.mu.Unlock()

	m.health.Stop()
	var firstErr error
	for _, cm := range conns {
		if err := cm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *RoutingManager) amqpURLFor(ep *Endpoint) string {
	if m.amqpUser != "" {
		return fmt.Sprintf("amqp://%s:%s@%s/%s", m.amqpUser, m.amqpPassword, ep.Address(), m.amqpVHost)
	}
	return fmt.Sprintf("amqp://%s/%s", ep.Address(), m.amqpVHost)
}

// connectionFor lazily creates and connects the ConnectionManager owning
// ep's broker connection.
func (m *RoutingManager) connectionFor(ep *Endpoint) (*amqp.Connection, error) {
	m.mu.Lock()
	cm, ok := m.conns[ep]
	if !ok {
		var err error
		cm, err = NewConnectionManager(m.amqpURLFor(ep), m.debug, m.reconnectCfg, m.logger.With().Str("endpoint", ep.Address()).Logger())
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.conns[ep] = cm
	}
	m.mu.Unlock()

	if !cm.IsConnected() {
		if err := cm.Connect(); err != nil {
			return nil, err
		}
	}
	return cm.GetConnection()
}

// selectNonXA implements §4.8's round-robin policy for stateless non-XA
// operations.
func (m *RoutingManager) selectNonXA() (*Endpoint, error) {
	ep := m.registry.NextRoundRobin()
	if ep == nil {
		return nil, fmt.Errorf("client: %s", wire.ErrNoHealthyServer)
	}
	return ep, nil
}

// selectXA implements §4.8's load-aware policy: fewest currently-bound
// sessions, ties broken by round-robin position.
func (m *RoutingManager) selectXA() (*Endpoint, error) {
	healthy := m.registry.HealthyEndpoints()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("client: %s", wire.ErrNoHealthyServer)
	}
	min := -1
	var candidates []*Endpoint
	for _, ep := range healthy {
		n := m.sessions.SessionCount(ep)
		switch {
		case min == -1 || n < min:
			min = n
			candidates = []*Endpoint{ep}
		case n == min:
			candidates = append(candidates, ep)
		}
	}
	return m.registry.NextRoundRobinAmong(candidates), nil
}

// doRPC sends env to ep and, on connection-level error, runs C8's
// immediate-invalidation failure path before returning the error.
func (m *RoutingManager) doRPC(ctx context.Context, ep *Endpoint, env wire.Envelope) (*wire.Response, error) {
	env.ClientID = m.clientID
	env.ClusterHealth = m.registry.ClusterHealthString()

	amqpConn, err := m.connectionFor(ep)
	if err != nil {
		m.handleFailure(ep, err)
		return nil, err
	}

	cctx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		cctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	resp, err := call(cctx, amqpConn, env)
	if err != nil && IsConnectionLevel(err) {
		m.handleFailure(ep, err)
	}
	return resp, err
}

// handleFailure is §4.8's "server failure handling (immediate
// invalidation)": mark the endpoint unhealthy and force-invalidate every
// session bound to it.
func (m *RoutingManager) handleFailure(ep *Endpoint, cause error) {
	m.registry.MarkUnhealthy(ep, cause)
	invalidated := m.sessions.InvalidateEndpoint(ep)
	m.logger.Warn().Str("endpoint", ep.Address()).Int("sessions_invalidated", len(invalidated)).Err(cause).Msg("endpoint marked unhealthy")
}

// Connect opens a new logical connection: selects a server per §4.8's
// policy for req.IsXA, issues OpConnect, and binds the resulting session.
func (m *RoutingManager) Connect(ctx context.Context, req wire.ConnectRequest) (*Conn, error) {
	var ep *Endpoint
	var err error
	if req.IsXA {
		ep, err = m.selectXA()
	} else {
		ep, err = m.selectNonXA()
	}
	if err != nil {
		return nil, err
	}
	return m.connectVia(ctx, ep, req)
}

func (m *RoutingManager) connectVia(ctx context.Context, ep *Endpoint, req wire.ConnectRequest) (*Conn, error) {
	req.URL = m.backendURL
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := m.doRPC(ctx, ep, wire.Envelope{Op: wire.OpConnect, Payload: payload})
	if err != nil {
		return nil, err
	}
	var cr wire.ConnectResponse
	if err := json.Unmarshal(resp.Payload, &cr); err != nil {
		return nil, fmt.Errorf("client: unmarshal connect response: %w", err)
	}
	c := &Conn{
		manager:   m,
		endpoint:  ep,
		sessionID: cr.SessionID,
		isXA:      req.IsXA,
		timeout:   m.timeout,
		debug:     m.debug,
	}
	m.sessions.Bind(c, cr.SessionID, cr.Token, ep)
	return c, nil
}

// ConnectXAWithRetry is §4.8's "XA start retry": xaStart is the only
// operation retried on connection-level error, because no transaction
// state exists yet. Each retry creates a fresh session on a different
// endpoint. The retry count is the number of currently-healthy endpoints
// (min 1).
func (m *RoutingManager) ConnectXAWithRetry(ctx context.Context, req wire.ConnectRequest, xaStart func(*Conn) error) (*Conn, error) {
	req.IsXA = true
	attempts := len(m.registry.HealthyEndpoints())
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		ep, err := m.selectXA()
		if err != nil {
			return nil, err
		}
		conn, err := m.connectVia(ctx, ep, req)
		if err != nil {
			lastErr = err
			if IsConnectionLevel(err) {
				continue
			}
			return nil, err
		}
		if err := xaStart(conn); err != nil {
			lastErr = err
			if IsConnectionLevel(err) {
				continue
			}
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("client: xaStart failed after %d attempt(s): %w", attempts, lastErr)
}

// Do threads a session-bound RPC (everything except connect) to the
// session's owning endpoint, per C11. xaStart also goes through Do; its
// retry-on-a-fresh-session loop is ConnectXAWithRetry.
func (m *RoutingManager) Do(ctx context.Context, sessionID string, op wire.Op, payload interface{}) (*wire.Response, error) {
	ep, ok := m.sessions.EndpointFor(sessionID)
	if !ok {
		return nil, fmt.Errorf("client: %s: %s", wire.ErrSessionNotFound, sessionID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	token := m.sessions.Token(sessionID)
	return m.doRPC(ctx, ep, wire.Envelope{Op: op, SessionID: sessionID, Credential: token, Payload: body})
}

// Terminate unbinds sessionID locally and, best-effort, tells the server
// to release it.
func (m *RoutingManager) Terminate(ctx context.Context, c *Conn) error {
	_, err := m.Do(ctx, c.sessionID, wire.OpTerminateSession, struct{}{})
	m.sessions.Unbind(c)
	return err
}
