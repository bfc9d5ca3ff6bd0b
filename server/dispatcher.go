// Package server: this file implements C11, the request dispatcher. It is
// the single consumer of wire.RequestQueueName and owns the server-side
// components that answer RPCs, routing each Envelope.Op to the one that
// answers it. The AMQP consumer loop and respond() helper are grounded on the
// teacher's Handler.Start/respond in server.go; everything downstream of
// the loop is OJP's own routing, not the teacher's SQL/function/command
// dispatch.
package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/openjproxy/ojp/internal/wire"
	"github.com/openjproxy/ojp/internal/xaproto"
)

// sessionClaims is the payload of the opaque credential token minted at
// connect and attached by the client to every later RPC on that session
// (§6's "credential" field), so raw backend credentials never travel on
// the wire more than once per logical connection.
type sessionClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId"`
	ConnHash string `json:"connHash"`
}

// Dispatcher is C11. It holds every component the RPC surface (§6) needs
// and implements messageHandler so it plugs directly into worker_pool.go.
type Dispatcher struct {
	cfg    *ServerConfig
	logger zerolog.Logger

	amqpURL string
	conn    *amqp.Connection
	workers *WorkerPool

	sessions *SessionTracker
	health   *ClusterHealthTracker
	pools    *PoolManager
	xaPool   *XAPool
	xaReg    *XATransactionRegistry

	cache     *QueryCache
	validator SQLEnhancer
	rateLimit *RateLimiter

	jwtSecret []byte
}

// NewDispatcher wires up every server-side component from cfg. It does not
// connect to AMQP yet — call Start to do that.
func NewDispatcher(cfg *ServerConfig, logger zerolog.Logger) *Dispatcher {
	xaPool := NewXAPool(cfg.xaPoolConfig(), logger.With().Str("component", "xapool").Logger())
	rlCfg := cfg.rateLimiterConfig()

	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger,
		amqpURL:   cfg.AMQPURL,
		sessions:  NewSessionTracker(),
		health:    NewClusterHealthTracker(),
		pools:     NewPoolManager(cfg.nonXAPoolConfig(), logger.With().Str("component", "pool").Logger()),
		xaPool:    xaPool,
		xaReg:     NewXATransactionRegistry(xaPool, cfg.isolationLevel(), logger.With().Str("component", "xaregistry").Logger()),
		cache:     NewQueryCache(cfg.queryCacheConfig(), logger.With().Str("component", "querycache").Logger()),
		validator: NewSQLValidator(cfg.sqlValidationConfig(), logger.With().Str("component", "sqlenhancer").Logger()),
		rateLimit: NewRateLimiter(&rlCfg),
		jwtSecret: []byte(cfg.JWTSigningKey),
	}
	wpCfg := cfg.workerPoolConfig()
	d.workers = NewWorkerPool(d, &wpCfg, logger.With().Str("component", "workerpool").Logger())
	return d
}

// Start dials the broker, declares the well-known request queue, and runs
// the consumer loop until ctx is cancelled. Grounded on the teacher's
// Handler.Start: Dial -> Channel -> QueueDeclare -> Consume -> worker pool,
// retargeted at the single ojp.requests queue instead of a device-specific
// one.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.conn, err = amqp.Dial(d.amqpURL)
	if err != nil {
		return fmt.Errorf("server: connect to broker: %w", err)
	}
	defer d.conn.Close()

	ch, err := d.conn.Channel()
	if err != nil {
		return fmt.Errorf("server: open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(wire.RequestQueueName, false, false, false, false, nil); err != nil {
		return fmt.Errorf("server: declare queue %s: %w", wire.RequestQueueName, err)
	}

	msgs, err := ch.Consume(wire.RequestQueueName, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("server: consume %s: %w", wire.RequestQueueName, err)
	}

	if err := d.workers.Start(); err != nil {
		return fmt.Errorf("server: start worker pool: %w", err)
	}
	defer d.workers.Stop(10 * time.Second)
	defer d.rateLimit.Stop()

	d.logger.Info().Str("queue", wire.RequestQueueName).Msg("dispatcher listening")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			task := MessageTask{Channel: ch, Message: msg, Timestamp: time.Now()}
			if err := d.workers.SubmitTask(task); err != nil {
				d.logger.Warn().Err(err).Msg("failed to submit task to worker pool")
				d.respond(ch, msg, wire.Response{Error: "server overloaded, please try again"})
			}
		}
	}
}

// handleMessage satisfies the messageHandler interface worker_pool.go
// depends on.
func (d *Dispatcher) handleMessage(ch *amqp.Channel, msg amqp.Delivery) {
	var env wire.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		d.respond(ch, msg, wire.Response{Error: fmt.Sprintf("malformed envelope: %v", err)})
		return
	}

	if !d.rateLimit.Allow(env.ClientID) {
		d.respond(ch, msg, wire.Response{Error: "rate limit exceeded"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WorkerTimeout)
	defer cancel()

	d.respond(ch, msg, d.dispatch(ctx, env))
}

func (d *Dispatcher) respond(ch *amqp.Channel, msg amqp.Delivery, resp wire.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error().Err(err).Msg("marshal response")
		return
	}
	if msg.ReplyTo == "" {
		return
	}
	if err := ch.PublishWithContext(context.Background(), "", msg.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationId,
		Body:          body,
	}); err != nil {
		d.logger.Error().Err(err).Msg("publish response")
	}
}

// dispatch routes env to the right handler. Cluster-health is threaded on
// every RPC that carries one (§6 table): C2 records the latest view, and
// when it changed, C4 reconciliation runs against the pool for this
// request's connHash before the op's own work, per §4.2.
func (d *Dispatcher) dispatch(ctx context.Context, env wire.Envelope) wire.Response {
	if env.Op == wire.OpConnect {
		return d.handleConnect(ctx, env)
	}

	sess, errResp := d.resolveSession(env)
	if errResp != nil {
		return *errResp
	}

	if env.ClusterHealth != "" {
		d.reconcileHealth(ctx, sess.ConnHash, sess.IsXA, env.ClusterHealth)
	}

	switch env.Op {
	case wire.OpTerminateSession:
		return d.handleTerminateSession(sess)
	case wire.OpStartTransaction:
		return d.handleStartTransaction(ctx, sess)
	case wire.OpCommitTransaction:
		return d.handleCommitTransaction(sess)
	case wire.OpRollbackTransaction:
		return d.handleRollbackTransaction(sess)
	case wire.OpExecuteQuery:
		return d.handleExecuteQuery(ctx, sess, env)
	case wire.OpExecuteUpdate:
		return d.handleExecuteUpdate(ctx, sess, env)
	case wire.OpFetchNextRows:
		return d.handleFetchNextRows(sess)
	case wire.OpXAStart:
		return d.handleXAStart(ctx, sess, env)
	case wire.OpXAEnd:
		return d.handleXAEnd(sess, env)
	case wire.OpXAPrepare:
		return d.handleXAPrepare(ctx, sess, env)
	case wire.OpXACommit:
		return d.handleXACommit(ctx, sess, env)
	case wire.OpXARollback:
		return d.handleXARollback(ctx, sess, env)
	case wire.OpXARecover:
		return d.handleXARecover(ctx, sess, env)
	case wire.OpXAForget:
		return d.handleXAForget(ctx, sess, env)
	case wire.OpXASetTxnTimeout:
		return d.handleXASetTxnTimeout(sess, env)
	case wire.OpXAGetTxnTimeout:
		return d.handleXAGetTxnTimeout(sess)
	case wire.OpHeartbeatPing:
		return wire.Response{SessionID: sess.ID}
	default:
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("unknown operation %q", env.Op)}
	}
}

func (d *Dispatcher) reconcileHealth(ctx context.Context, connHash string, isXA bool, health string) {
	if !d.health.Observe(connHash, health) {
		return
	}
	healthy := HealthyCount(health)
	var err error
	if isXA {
		err = d.xaPool.Reconcile(ctx, connHash, healthy)
	} else {
		err = d.pools.Reconcile(ctx, connHash, healthy)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("connHash", connHash).Int("healthy", healthy).Msg("pool reconcile failed")
	}
}

// resolveSession implements §4.11's routing: SESSION_NOT_FOUND when the id
// isn't tracked here, then credential verification. A single-server-per-
// broker deployment has no positive way to distinguish "not found" from
// "misrouted" (see DESIGN.md) so ErrSessionMisrouted is never originated
// here — it exists in the wire vocabulary for a future multi-server
// routing table, not for this dispatcher.
func (d *Dispatcher) resolveSession(env wire.Envelope) (*Session, *wire.Response) {
	sess, ok := d.sessions.Get(env.SessionID)
	if !ok {
		return nil, &wire.Response{ErrorCode: wire.ErrSessionNotFound, Error: "session not found"}
	}
	if err := d.verifyCredential(env, sess); err != nil {
		return nil, &wire.Response{ErrorCode: wire.ErrSessionNotFound, Error: err.Error()}
	}
	sess.touch()
	return sess, nil
}

func (d *Dispatcher) verifyCredential(env wire.Envelope, sess *Session) error {
	if env.Credential == "" {
		return fmt.Errorf("missing credential")
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(env.Credential, claims, func(t *jwt.Token) (interface{}, error) {
		return d.jwtSecret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}
	if claims.ClientID != sess.ClientID || claims.ConnHash != sess.ConnHash || claims.Subject != sess.ID {
		return fmt.Errorf("credential does not match session")
	}
	return nil
}

func (d *Dispatcher) issueCredential(sess *Session) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sess.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		ClientID: sess.ClientID,
		ConnHash: sess.ConnHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(d.jwtSecret)
}

// handleConnect implements connect (§6). Connect is itself a
// health-bearing RPC, so for a non-XA session it creates the pool if
// needed and reconciles it against the real healthy count before
// borrowing (§4.2/§4.11's "reconcile before borrow" ordering) instead of
// just recording the health string for a later RPC to act on.
func (d *Dispatcher) handleConnect(ctx context.Context, env wire.Envelope) wire.Response {
	var req wire.ConnectRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{Error: fmt.Sprintf("malformed connect request: %v", err)}
	}

	hash := connHash(req.URL, req.User)
	if !req.IsXA {
		if _, err := d.pools.getOrCreate(ctx, hash, req.URL); err != nil {
			return wire.Response{ErrorCode: poolErrorCode(err), Error: err.Error()}
		}
	}
	if env.ClusterHealth != "" {
		d.reconcileHealth(ctx, hash, req.IsXA, env.ClusterHealth)
	}

	clientID := env.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sess := newSession(uuid.NewString(), clientID, hash, req.URL, req.IsXA)

	if !req.IsXA {
		conn, err := d.pools.Borrow(ctx, hash, req.URL)
		if err != nil {
			return wire.Response{ErrorCode: poolErrorCode(err), Error: err.Error()}
		}
		sess.conn = conn
	}
	// XA sessions bind their backend session lazily on the first xaStart
	// (§4.6): a connect that never starts a transaction never touches the
	// XA pool at all.

	d.sessions.Add(sess)

	token, err := d.issueCredential(sess)
	if err != nil {
		return wire.Response{Error: fmt.Sprintf("mint credential: %v", err)}
	}

	resp := wire.ConnectResponse{
		SessionID:    sess.ID,
		ConnHash:     hash,
		ClientID:     sess.ClientID,
		IsXA:         sess.IsXA,
		TargetServer: d.cfg.AdvertisedURL,
		Token:        token,
	}
	payload, _ := json.Marshal(resp)
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

func poolErrorCode(err error) string {
	if strings.Contains(err.Error(), "POOL EXHAUSTED") {
		return wire.ErrPoolExhausted
	}
	return ""
}

func (d *Dispatcher) handleTerminateSession(sess *Session) wire.Response {
	sess.markTerminated()
	d.sessions.Remove(sess.ID)
	if sess.IsXA {
		if sess.xaSession != nil {
			sess.xaSession.onClientClosed()
		}
	} else if sess.conn != nil {
		d.pools.Return(sess.ConnHash, sess.conn)
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleStartTransaction(ctx context.Context, sess *Session) wire.Response {
	if sess.IsXA {
		return wire.Response{SessionID: sess.ID, Error: "startTransaction is not valid on an XA session"}
	}
	raw := d.backendConn(sess)
	if raw == nil {
		return wire.Response{SessionID: sess.ID, Error: "session has no bound backend connection"}
	}
	tx, err := raw.BeginTx(ctx, &sql.TxOptions{Isolation: d.cfg.isolationLevel()})
	if err != nil {
		return wire.Response{SessionID: sess.ID, Error: err.Error()}
	}
	sess.beginTx(tx)
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleCommitTransaction(sess *Session) wire.Response {
	tx := sess.currentTx()
	if tx == nil {
		return wire.Response{SessionID: sess.ID, Error: "no active transaction"}
	}
	err := tx.Commit()
	sess.clearTx()
	if err != nil {
		return wire.Response{SessionID: sess.ID, Error: err.Error()}
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleRollbackTransaction(sess *Session) wire.Response {
	tx := sess.currentTx()
	if tx == nil {
		return wire.Response{SessionID: sess.ID, Error: "no active transaction"}
	}
	err := tx.Rollback()
	sess.clearTx()
	if err != nil {
		return wire.Response{SessionID: sess.ID, Error: err.Error()}
	}
	return wire.Response{SessionID: sess.ID}
}

// backendConn returns the *sql.Conn a session's queries run against: the
// XA backend session's pinned connection, or the non-XA borrowed one.
func (d *Dispatcher) backendConn(sess *Session) *sql.Conn {
	if sess.IsXA {
		if sess.xaSession == nil {
			return nil
		}
		return sess.xaSession.raw
	}
	if sess.conn == nil {
		return nil
	}
	raw, _ := sess.conn.Raw().(*sql.Conn)
	return raw
}

func (d *Dispatcher) handleExecuteQuery(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	var req wire.QueryRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed query request: %v", err)}
	}
	if result := d.validator.ValidateQuery(req.SQL, req.Params); !result.Valid {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("query rejected: %s", strings.Join(result.Errors, "; "))}
	}

	cacheable := sess.currentTx() == nil && !sess.IsXA
	if cacheable {
		if cached, ok := d.cache.Get(req.SQL, req.Params); ok {
			payload, _ := json.Marshal(*cached)
			return wire.Response{SessionID: sess.ID, Payload: payload}
		}
	}

	rows, err := d.runQuery(ctx, sess, req)
	if err != nil {
		return wire.Response{SessionID: sess.ID, Error: err.Error()}
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return wire.Response{SessionID: sess.ID, Error: err.Error()}
	}

	if cacheable {
		d.cache.Set(req.SQL, req.Params, result)
	}

	payload, _ := json.Marshal(result)
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

func (d *Dispatcher) runQuery(ctx context.Context, sess *Session, req wire.QueryRequest) (*sql.Rows, error) {
	if tx := sess.currentTx(); tx != nil {
		return tx.QueryContext(ctx, req.SQL, req.Params...)
	}
	raw := d.backendConn(sess)
	if raw == nil {
		return nil, fmt.Errorf("session has no bound backend connection")
	}
	return raw.QueryContext(ctx, req.SQL, req.Params...)
}

func (d *Dispatcher) handleExecuteUpdate(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	var req wire.QueryRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed query request: %v", err)}
	}
	if result := d.validator.ValidateQuery(req.SQL, req.Params); !result.Valid {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("query rejected: %s", strings.Join(result.Errors, "; "))}
	}

	var res sql.Result
	var err error
	if tx := sess.currentTx(); tx != nil {
		res, err = tx.ExecContext(ctx, req.SQL, req.Params...)
	} else {
		raw := d.backendConn(sess)
		if raw == nil {
			return wire.Response{SessionID: sess.ID, Error: "session has no bound backend connection"}
		}
		res, err = raw.ExecContext(ctx, req.SQL, req.Params...)
	}
	if err != nil {
		return wire.Response{SessionID: sess.ID, Error: err.Error()}
	}

	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	payload, _ := json.Marshal(wire.QueryResponse{RowsAffected: affected, LastInsertID: lastID})
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

// handleFetchNextRows is a formality: executeQuery/executeUpdate already
// buffer the full result set into QueryResponse since the cursor/streaming
// wire codec is explicitly out of scope (spec §1). Nothing is left to
// page through.
func (d *Dispatcher) handleFetchNextRows(sess *Session) wire.Response {
	payload, _ := json.Marshal(wire.QueryResponse{})
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

// --- XA operations -------------------------------------------------------

func decodeXid(w wire.XidWire) (*xaproto.Xid, error) {
	gtrid, err := hex.DecodeString(w.GlobalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("decode gtrid: %w", err)
	}
	bqual, err := hex.DecodeString(w.BranchQualifier)
	if err != nil {
		return nil, fmt.Errorf("decode bqual: %w", err)
	}
	return &xaproto.Xid{FormatID: w.FormatID, GlobalTransactionID: gtrid, BranchQualifier: bqual}, nil
}

func xaErrorResponse(sessionID string, err error) wire.Response {
	if xaErr, ok := err.(*xaproto.Error); ok {
		return wire.Response{SessionID: sessionID, ErrorCode: string(xaErr.Code), Error: xaErr.Error()}
	}
	return wire.Response{SessionID: sessionID, Error: err.Error()}
}

func (d *Dispatcher) handleXAStart(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	if !sess.IsXA {
		return wire.Response{SessionID: sess.ID, Error: "xaStart on a non-XA session"}
	}
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaStart request: %v", err)}
	}
	xid, err := decodeXid(req.Xid)
	if err != nil {
		return wire.Response{SessionID: sess.ID, ErrorCode: wire.ErrXAInval, Error: err.Error()}
	}
	if err := d.xaReg.Start(ctx, sess, sess.BackendURL, xid, req.Flags); err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleXAEnd(sess *Session, env wire.Envelope) wire.Response {
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaEnd request: %v", err)}
	}
	xid, err := decodeXid(req.Xid)
	if err != nil {
		return wire.Response{SessionID: sess.ID, ErrorCode: wire.ErrXAInval, Error: err.Error()}
	}
	if err := d.xaReg.End(xid, req.Flags); err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleXAPrepare(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaPrepare request: %v", err)}
	}
	xid, err := decodeXid(req.Xid)
	if err != nil {
		return wire.Response{SessionID: sess.ID, ErrorCode: wire.ErrXAInval, Error: err.Error()}
	}
	readOnly, err := d.xaReg.Prepare(ctx, xid)
	if err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	payload, _ := json.Marshal(wire.XAPrepareResponse{ReadOnly: readOnly})
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

func (d *Dispatcher) handleXACommit(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaCommit request: %v", err)}
	}
	xid, err := decodeXid(req.Xid)
	if err != nil {
		return wire.Response{SessionID: sess.ID, ErrorCode: wire.ErrXAInval, Error: err.Error()}
	}
	if err := d.xaReg.Commit(ctx, xid, req.OnePhase); err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleXARollback(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaRollback request: %v", err)}
	}
	xid, err := decodeXid(req.Xid)
	if err != nil {
		return wire.Response{SessionID: sess.ID, ErrorCode: wire.ErrXAInval, Error: err.Error()}
	}
	if err := d.xaReg.Rollback(ctx, xid); err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleXAForget(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaForget request: %v", err)}
	}
	xid, err := decodeXid(req.Xid)
	if err != nil {
		return wire.Response{SessionID: sess.ID, ErrorCode: wire.ErrXAInval, Error: err.Error()}
	}
	if err := d.xaReg.Forget(ctx, sess.ConnHash, sess.BackendURL, xid); err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleXARecover(ctx context.Context, sess *Session, env wire.Envelope) wire.Response {
	xids, err := d.xaReg.Recover(ctx, sess.ConnHash, sess.BackendURL)
	if err != nil {
		return xaErrorResponse(sess.ID, err)
	}
	wireXids := make([]wire.XidWire, len(xids))
	for i, xid := range xids {
		wireXids[i] = wire.XidWire{
			FormatID:            xid.FormatID,
			GlobalTransactionID: hex.EncodeToString(xid.GlobalTransactionID),
			BranchQualifier:     hex.EncodeToString(xid.BranchQualifier),
		}
	}
	payload, _ := json.Marshal(wire.XARecoverResponse{Xids: wireXids})
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

// handleXASetTxnTimeout/handleXAGetTxnTimeout store and retrieve the
// resource-manager-level default branch timeout. Nothing in §4.7's state
// machine enforces it against an in-flight branch; it is bookkeeping only.
func (d *Dispatcher) handleXASetTxnTimeout(sess *Session, env wire.Envelope) wire.Response {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return wire.Response{SessionID: sess.ID, Error: fmt.Sprintf("malformed xaSetTxnTimeout request: %v", err)}
	}
	sess.setXATimeout(req.Seconds)
	return wire.Response{SessionID: sess.ID}
}

func (d *Dispatcher) handleXAGetTxnTimeout(sess *Session) wire.Response {
	payload, _ := json.Marshal(struct {
		Seconds int `json:"seconds"`
	}{Seconds: sess.getXATimeout()})
	return wire.Response{SessionID: sess.ID, Payload: payload}
}

// Close releases every server-side resource. Intended for tests and
// graceful-shutdown paths that don't go through Start's defers.
func (d *Dispatcher) Close() error {
	var firstErr error
	if err := d.pools.Close(); err != nil {
		firstErr = err
	}
	if err := d.xaPool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
