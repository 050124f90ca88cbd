package wire

import "encoding/json"

// Frame is the envelope every socket message travels in, on both the CLI and
// UI namespaces.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RPCRequest is the envelope for a routed RPC call (gateway -> CLI).
type RPCRequest struct {
	// RequestID is a fresh UUID identifying this call.
	RequestID string `json:"requestId"`
	// Method is the socket event name the call was issued under.
	Method string `json:"method"`
	// Params is the method-specific payload.
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the envelope for a routed RPC response (CLI -> gateway).
//
// Exactly one of Result and Error is set.
type RPCResponse struct {
	// RequestID matches the originating RPCRequest.
	RequestID string `json:"requestId"`
	// Result is the method-specific result payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Error describes a failure executing the call.
	Error *Error `json:"error,omitempty"`
}

// SessionNotification is one ACP session notification as emitted by the CLI.
// Update is opaque beyond the fields consolidation needs (see update.go).
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// SessionEventPayload is the session:update fan-out payload (gateway -> UI).
type SessionEventPayload struct {
	SessionID string          `json:"sessionId"`
	Revision  int64           `json:"revision"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// CreateSessionParams requests a new agent session on the CLI host.
type CreateSessionParams struct {
	// Cwd is the working directory for the new session.
	Cwd string `json:"cwd"`
	// BackendID selects the agent backend.
	BackendID string `json:"backendId,omitempty"`
}

// SessionRefParams addresses an existing session.
type SessionRefParams struct {
	SessionID string `json:"sessionId"`
}

// SetModeParams switches the session mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModelParams switches the session model.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SendMessageParams forwards a user prompt to the agent.
type SendMessageParams struct {
	SessionID string `json:"sessionId"`
	// Message is the prompt content, possibly an EncryptedPayload envelope.
	Message json.RawMessage `json:"message"`
}

// PermissionDecisionParams answers a pending permission request.
type PermissionDecisionParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId"`
}

// QueryEventsParams is the WAL backfill range query. FromSeq is inclusive;
// ToSeq of zero means "to the end".
type QueryEventsParams struct {
	SessionID string `json:"sessionId"`
	Revision  int64  `json:"revision"`
	FromSeq   int64  `json:"fromSeq"`
	ToSeq     int64  `json:"toSeq,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

// AckEventsParams confirms receipt of events up to and including ThroughSeq.
type AckEventsParams struct {
	SessionID  string `json:"sessionId"`
	Revision   int64  `json:"revision"`
	ThroughSeq int64  `json:"throughSeq"`
}

// FsParams addresses a path on the CLI host for browsing.
type FsParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

// SessionInfo is the gateway's view of a session, pushed on sessions:list.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	UserID    string `json:"userId,omitempty"`
	BackendID string `json:"backendId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	State     string `json:"state"`
	UpdatedAt int64  `json:"updatedAt"`
}

// CLIStatus reports a CLI host coming online or going offline.
type CLIStatus struct {
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname,omitempty"`
	Online    bool   `json:"online"`
}
