package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

// DefaultRPCTimeout is long enough for slow agent turns.
const DefaultRPCTimeout = 2 * time.Minute

// pendingCall tracks one in-flight routed RPC. Each call is isolated by its
// own request id; responses may complete out of issuance order.
type pendingCall struct {
	requestID string
	ch        chan wire.RPCResponse
	createdAt time.Time
}

// Router brokers request/response pairs between UI callers and the owning
// CLI socket. Every terminal transition (response, timeout, context cancel)
// removes the pending entry; late responses are dropped silently.
type Router struct {
	registry *Registry
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewRouter creates a router over the registry. timeout of zero selects
// DefaultRPCTimeout.
func NewRouter(registry *Registry, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &Router{
		registry: registry,
		timeout:  timeout,
		now:      time.Now,
		pending:  make(map[string]*pendingCall),
	}
}

// Call routes an RPC to the CLI owning sessionID and blocks until the
// matching response, the timeout, or context cancellation.
func (r *Router) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	conn, werr := r.registry.CLIForSession(sessionID)
	if werr != nil {
		return nil, werr
	}
	return r.callConn(ctx, conn, method, params)
}

// CallFirstCLI routes an RPC not yet bound to a session (session creation) to
// any connected CLI for the user. userID is empty in auth-disabled mode.
func (r *Router) CallFirstCLI(ctx context.Context, userID, method string, params any) (json.RawMessage, error) {
	var (
		conn *CLIConn
		werr *wire.Error
	)
	if userID == "" {
		conn, werr = r.registry.FirstCLI()
	} else {
		conn, werr = r.registry.FirstCLIForUser(userID)
	}
	if werr != nil {
		return nil, werr
	}
	return r.callConn(ctx, conn, method, params)
}

func (r *Router) callConn(ctx context.Context, conn *CLIConn, method string, params any) (json.RawMessage, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	requestID := uuid.NewString()
	pc := &pendingCall{
		requestID: requestID,
		ch:        make(chan wire.RPCResponse, 1),
		createdAt: r.now(),
	}

	r.mu.Lock()
	r.pending[requestID] = pc
	r.mu.Unlock()

	req := wire.RPCRequest{RequestID: requestID, Method: method, Params: encoded}
	if err := conn.Socket.Emit(method, req); err != nil {
		r.remove(requestID)
		return nil, wire.NewError(wire.CodeStreamDisconnected, wire.ScopeStream, true,
			"failed to forward %s to CLI %s: %v", method, conn.MachineID, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		r.remove(requestID)
		return nil, wire.ErrRequestTimeout(requestID)
	case <-ctx.Done():
		r.remove(requestID)
		return nil, ctx.Err()
	}
}

// HandleResponse resolves a pending call by request id. Unknown ids
// (duplicate or already-timed-out responses) are dropped silently, making
// retried deliveries safe.
func (r *Router) HandleResponse(resp wire.RPCResponse) {
	r.mu.Lock()
	pc, ok := r.pending[resp.RequestID]
	if ok {
		delete(r.pending, resp.RequestID)
	}
	r.mu.Unlock()

	if !ok {
		logger.Debugf("gateway: dropping response for unknown request %s", resp.RequestID)
		return
	}
	pc.ch <- resp
}

// PendingCount reports the number of in-flight calls.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SweepOrphans removes pending entries older than maxAge, rejecting their
// callers. Defense in depth beyond the per-call timer.
func (r *Router) SweepOrphans(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var orphans []*pendingCall
	for id, pc := range r.pending {
		if pc.createdAt.Before(cutoff) {
			orphans = append(orphans, pc)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, pc := range orphans {
		select {
		case pc.ch <- wire.RPCResponse{
			RequestID: pc.requestID,
			Error:     wire.ErrRequestTimeout(pc.requestID),
		}:
		default:
		}
	}
	return len(orphans)
}

func (r *Router) remove(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// Typed routed operations. Each follows the same pattern: resolve the owning
// CLI, forward with a fresh request id, await the response.

// CreateSession asks a connected CLI to start a new agent session.
func (r *Router) CreateSession(ctx context.Context, userID string, params wire.CreateSessionParams) (json.RawMessage, error) {
	return r.CallFirstCLI(ctx, userID, wire.EventRPCSessionCreate, params)
}

// CloseSession closes a session on its owning CLI.
func (r *Router) CloseSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return r.Call(ctx, sessionID, wire.EventRPCSessionClose, wire.SessionRefParams{SessionID: sessionID})
}

// CancelSession interrupts the current agent turn.
func (r *Router) CancelSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return r.Call(ctx, sessionID, wire.EventRPCSessionCancel, wire.SessionRefParams{SessionID: sessionID})
}

// SetSessionMode switches the session mode.
func (r *Router) SetSessionMode(ctx context.Context, params wire.SetModeParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCSessionSetMode, params)
}

// SetSessionModel switches the session model.
func (r *Router) SetSessionModel(ctx context.Context, params wire.SetModelParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCSessionSetModel, params)
}

// SendMessage forwards a user prompt to the agent.
func (r *Router) SendMessage(ctx context.Context, params wire.SendMessageParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCMessageSend, params)
}

// SendPermissionDecision answers a pending permission request.
func (r *Router) SendPermissionDecision(ctx context.Context, params wire.PermissionDecisionParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCPermissionDecide, params)
}

// ListFiles browses a directory on the CLI host.
func (r *Router) ListFiles(ctx context.Context, params wire.FsParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCFsList, params)
}

// ReadFile reads a file on the CLI host.
func (r *Router) ReadFile(ctx context.Context, params wire.FsParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCFsRead, params)
}

// GitStatus reports working tree status for the session's cwd.
func (r *Router) GitStatus(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return r.Call(ctx, sessionID, wire.EventRPCGitStatus, wire.SessionRefParams{SessionID: sessionID})
}

// GitDiff reports the working tree diff for the session's cwd.
func (r *Router) GitDiff(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return r.Call(ctx, sessionID, wire.EventRPCGitDiff, wire.SessionRefParams{SessionID: sessionID})
}

// QueryEvents backfills a WAL range from the owning CLI.
func (r *Router) QueryEvents(ctx context.Context, params wire.QueryEventsParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCEventsQuery, params)
}

// AckEvents confirms delivery up to a sequence number on the owning CLI.
func (r *Router) AckEvents(ctx context.Context, params wire.AckEventsParams) (json.RawMessage, error) {
	return r.Call(ctx, params.SessionID, wire.EventRPCEventsAck, params)
}
