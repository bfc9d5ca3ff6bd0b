// Package wire defines the RPC envelope and per-operation payloads shared
// between the OJP client driver and the OJP proxy server. The wire codec
// for SQL results themselves (BigDecimal/Calendar/UUID mapping, LOB
// streaming) lives outside this package; wire only carries what the
// routing core needs to dispatch and bind a request to a session.
package wire

import (
	"encoding/json"
	"fmt"
)

// RequestQueueName is the single well-known AMQP queue every OJP proxy
// server instance consumes from on its own broker. Each server endpoint
// (C1) is a distinct AMQP broker address, so the queue name itself never
// needs to be endpoint-specific.
const RequestQueueName = "ojp.requests"

// Op identifies the RPC operation carried by an Envelope.
type Op string

const (
	OpConnect            Op = "connect"
	OpTerminateSession   Op = "terminateSession"
	OpStartTransaction   Op = "startTransaction"
	OpCommitTransaction  Op = "commitTransaction"
	OpRollbackTransaction Op = "rollbackTransaction"
	OpExecuteQuery       Op = "executeQuery"
	OpExecuteUpdate      Op = "executeUpdate"
	OpFetchNextRows      Op = "fetchNextRows"
	OpXAStart            Op = "xaStart"
	OpXAEnd              Op = "xaEnd"
	OpXAPrepare          Op = "xaPrepare"
	OpXACommit           Op = "xaCommit"
	OpXARollback         Op = "xaRollback"
	OpXARecover          Op = "xaRecover"
	OpXAForget           Op = "xaForget"
	OpXASetTxnTimeout    Op = "xaSetTxnTimeout"
	OpXAGetTxnTimeout    Op = "xaGetTxnTimeout"
	OpXAIsSameRM         Op = "xaIsSameRM"
	OpHeartbeatPing      Op = "heartbeatPing"
)

// Envelope is threaded through every RPC in both directions. ClusterHealth
// and SessionID are the two fields the Request Dispatcher (C11) relies on
// to reconcile pool sizing (§4.2) and route to the owning server (§4.11).
type Envelope struct {
	Op            Op              `json:"op"`
	ClientID      string          `json:"clientId"`
	SessionID     string          `json:"sessionId,omitempty"`
	ConnHash      string          `json:"connHash,omitempty"`
	ClusterHealth string          `json:"clusterHealth,omitempty"`
	Credential    string          `json:"credential,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Error codes surfaced in Response.ErrorCode. Connection-level and
// database-level errors are distinguished by the client's own
// classification (§4.8); these are the session, pool and XA-protocol
// codes the server originates, plus NO_HEALTHY_SERVER, which the client
// reports itself when no endpoint is selectable.
const (
	ErrSessionNotFound    = "SESSION_NOT_FOUND"
	ErrSessionMisrouted   = "SESSION_MISROUTED"
	ErrPoolExhausted      = "POOL_EXHAUSTED"
	ErrNoHealthyServer    = "NO_HEALTHY_SERVER"
	ErrXADupID            = "XAER_DUPID"
	ErrXANotA             = "XAER_NOTA"
	ErrXAProto            = "XAER_PROTO"
	ErrXARMErr            = "XAER_RMERR"
	ErrXARMFail           = "XAER_RMFAIL"
	ErrXAInval            = "XAER_INVAL"
)

// Response is the envelope-level reply. Op-specific payloads travel in
// Payload the same way requests do.
type Response struct {
	SessionID string          `json:"sessionId,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConnectRequest is the payload for OpConnect.
type ConnectRequest struct {
	URL              string            `json:"url"`
	User             string            `json:"user"`
	Credential       string            `json:"credential"`
	IsXA             bool              `json:"isXA"`
	Properties       map[string]string `json:"properties,omitempty"`
	ServerEndpoints  []string          `json:"serverEndpoints,omitempty"`
}

// ConnectResponse is the payload for a successful OpConnect reply.
type ConnectResponse struct {
	SessionID    string `json:"sessionId"`
	ConnHash     string `json:"connHash"`
	ClientID     string `json:"clientId"`
	IsXA         bool   `json:"isXA"`
	TargetServer string `json:"targetServer"`
	Token        string `json:"token"`
}

// QueryRequest is the payload for OpExecuteQuery / OpExecuteUpdate.
type QueryRequest struct {
	SQL           string        `json:"sql"`
	Params        []interface{} `json:"params,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
}

// QueryResponse is the payload for a successful query reply.
type QueryResponse struct {
	Columns      []string        `json:"columns,omitempty"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	RowsAffected int64           `json:"rowsAffected,omitempty"`
	LastInsertID int64           `json:"lastInsertId,omitempty"`
}

// XidWire is the wire representation of an Xid triple (§4.7, GLOSSARY).
type XidWire struct {
	FormatID            int32  `json:"formatId"`
	GlobalTransactionID string `json:"gtrid"`
	BranchQualifier     string `json:"bqual"`
}

// XARequest is the payload shared by every xaStart/End/Prepare/Commit/
// Rollback/Forget call.
type XARequest struct {
	Xid      XidWire `json:"xid"`
	Flags    int32   `json:"flags,omitempty"`
	OnePhase bool    `json:"onePhase,omitempty"`
}

// XAPrepareResponse is the payload for a successful xaPrepare reply.
type XAPrepareResponse struct {
	ReadOnly bool `json:"readOnly"`
}

// XARecoverRequest is the payload for xaRecover.
type XARecoverRequest struct {
	Flag int32 `json:"flag"`
}

// XARecoverResponse is the payload for a successful xaRecover reply.
type XARecoverResponse struct {
	Xids []XidWire `json:"xids"`
}

// RPCError wraps a server-originated error (the server answered with
// Response.ErrorCode set). The client's connection-level/database-level
// classification (§4.8) treats any RPCError as database-level: the server
// was reachable and responded, so endpoint health is not implicated.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}
