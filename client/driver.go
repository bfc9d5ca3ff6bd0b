// Package client provides a database/sql driver for Open J Proxy (OJP): a
// database access proxy that tunnels SQL and XA operations over an AMQP
// RPC transport to proxy servers holding pooled backend DB connections.
//
// The client follows Go's database/sql driver interface while routing
// every operation through a cluster of OJP proxy servers (C1-C11): the
// Endpoint Registry (C1) and Multinode Connection Manager (C8) select a
// server per §4.8's policy, the Health Checker (C9) and Connection
// Redistributor (C10) keep the cluster's load balanced across restarts
// and recoveries, and the Request Dispatcher (C11) threads cluster-health
// and session identity through every RPC.
package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"database/sql"
	"database/sql/driver"
)

func init() {
	sql.Register("ojp", &Driver{})
}

// Driver implements database/sql/driver.Driver. Every Open call parses
// the DSN and builds its own EndpointRegistry and RoutingManager, then
// returns a *Conn bound to a freshly selected server. Registries are not
// shared between Open calls, even for the same connection URL, so health
// state learned by one connection is not seen by another.
type Driver struct{}

// Open creates a new OJP connection.
//
// DSN format:
//
//	jdbc:ojp[host1:port1,host2:port2,...]_<backend-url>?amqp_user=...&amqp_password=...&amqp_vhost=...&timeout=5s&debug=true&clientId=...&isXA=true&reconnect_*=...
//
// The bracketed endpoint list (C1's source, §6 "Connection URL format")
// is mandatory; everything after the matching "_" is the backend URL
// passed through to the proxy server unmodified. Parameters after the
// first "?" configure the AMQP transport and client behavior.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	conf, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("client: DSN parsing failed: %w", err)
	}

	registry, err := NewEndpointRegistry(conf.ServerEndpoints)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "ojp-client").Str("clientId", conf.ClientID).Logger()
	if !conf.Debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	manager := NewRoutingManager(RoutingManagerConfig{
		Registry:     registry,
		BackendURL:   conf.BackendURL,
		ClientID:     conf.ClientID,
		AMQPUser:     conf.AMQPUser,
		AMQPPassword: conf.AMQPPassword,
		AMQPVHost:    conf.AMQPVHost,
		ReconnectCfg: conf.Reconnect,
		Timeout:      conf.Timeout,
		Debug:        conf.Debug,
		Logger:       logger,
	})

	ctx, cancel := contextWithTimeout(conf.Timeout)
	defer cancel()

	conn, err := manager.Connect(ctx, connectRequestFrom(conf))
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	return conn, nil
}

// DSNConfig holds the parsed configuration for one OJP connection.
type DSNConfig struct {
	ServerEndpoints []string
	BackendURL      string
	ClientID        string
	User            string
	Credential      string
	IsXA            bool
	Timeout         time.Duration
	Debug           bool

	AMQPUser     string
	AMQPPassword string
	AMQPVHost    string

	Reconnect *ReconnectConfig
}

func parseDSN(dsn string) (*DSNConfig, error) {
	connectionPart, paramsPart, _ := strings.Cut(dsn, "?")

	endpoints, backendURL, err := ParseEndpoints(connectionPart)
	if err != nil {
		return nil, err
	}

	values, err := url.ParseQuery(paramsPart)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN parameters: %w", err)
	}

	clientID := values.Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	timeout := 5 * time.Second
	if s := values.Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		timeout = d
	}

	debug := parseBool(values.Get("debug"))
	isXA := parseBool(values.Get("isXA"))

	conf := &DSNConfig{
		ServerEndpoints: endpoints,
		BackendURL:      backendURL,
		ClientID:        clientID,
		User:            values.Get("user"),
		Credential:      values.Get("credential"),
		IsXA:            isXA,
		Timeout:         timeout,
		Debug:           debug,
		AMQPUser:        values.Get("amqp_user"),
		AMQPPassword:    values.Get("amqp_password"),
		AMQPVHost:       strings.TrimPrefix(values.Get("amqp_vhost"), "/"),
		Reconnect:       parseReconnectConfig(values),
	}
	return conf, nil
}

func parseReconnectConfig(values url.Values) *ReconnectConfig {
	rc := DefaultReconnectConfig()
	rc.Enabled = true
	if s := values.Get("reconnect_enabled"); s != "" {
		rc.Enabled = parseBool(s)
	}
	if s := values.Get("reconnect_max_attempts"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			rc.MaxAttempts = n
		}
	}
	if s := values.Get("reconnect_initial_interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			rc.InitialInterval = d
		}
	}
	if s := values.Get("reconnect_max_interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			rc.MaxInterval = d
		}
	}
	if s := values.Get("reconnect_backoff_multiplier"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			rc.BackoffMultiplier = f
		}
	}
	if s := values.Get("reconnect_reset_interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			rc.ResetInterval = d
		}
	}
	return rc
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1"
}
