package clihost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mobvibe/mobvibe/internal/crypto"
	"github.com/mobvibe/mobvibe/internal/seq"
	"github.com/mobvibe/mobvibe/internal/wal"
	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

// Emitter is the gateway socket surface the manager emits on.
type Emitter interface {
	Emit(event string, payload any) error
}

// Config wires a Manager.
type Config struct {
	MachineID string
	UserID    string
	BackendID string

	Agent Agent
	Store *wal.Store
	// Crypto enables end-to-end payload encryption; nil stores plaintext.
	Crypto *crypto.Service
	// Compactor, when set, is told which sessions are active so background
	// passes skip them.
	Compactor *wal.Compactor
}

type sessionState struct {
	info     wire.SessionInfo
	revision int64
}

// Manager owns the CLI-side session lifecycle: routed RPC handling, the agent
// backend, and the event pipeline (encrypt, assign seq, append to WAL, emit
// live, consolidate).
type Manager struct {
	machineID string
	userID    string
	backendID string

	agent        Agent
	store        *wal.Store
	crypto       *crypto.Service
	compactor    *wal.Compactor
	seqs         *seq.Generator
	consolidator *wal.Consolidator

	mu       sync.Mutex
	emitter  Emitter
	sessions map[string]*sessionState
}

// NewManager creates a manager over an open WAL store.
func NewManager(cfg Config) *Manager {
	var cipher wal.Cipher
	if cfg.Crypto != nil {
		cipher = cfg.Crypto
	}
	return &Manager{
		machineID:    cfg.MachineID,
		userID:       cfg.UserID,
		backendID:    cfg.BackendID,
		agent:        cfg.Agent,
		store:        cfg.Store,
		crypto:       cfg.Crypto,
		compactor:    cfg.Compactor,
		seqs:         seq.NewGenerator(),
		consolidator: wal.NewConsolidator(cfg.Store, cipher),
		sessions:     make(map[string]*sessionState),
	}
}

// Attach binds the manager to a freshly connected gateway socket. Every
// tracked session gets a new revision so replay consumers can distinguish the
// pre- and post-reconnect streams, and the sessions list is pushed.
func (m *Manager) Attach(ctx context.Context, emitter Emitter) error {
	m.mu.Lock()
	m.emitter = emitter
	tracked := make([]*sessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		tracked = append(tracked, s)
	}
	m.mu.Unlock()

	for _, s := range tracked {
		revision, err := m.store.BumpRevision(ctx, s.info.SessionID)
		if err != nil {
			return fmt.Errorf("failed to bump revision on reconnect: %w", err)
		}
		m.mu.Lock()
		s.revision = revision
		m.mu.Unlock()
		m.seqs.Reset(s.info.SessionID, revision)
	}

	m.pushSessionsList()
	return nil
}

// Resume reloads non-stopped sessions persisted by a previous run so their
// WALs stay addressable. Each resumed session starts a fresh revision with
// the sequence counter seeded past the stored high-water mark.
func (m *Manager) Resume(ctx context.Context) error {
	records, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.MachineID != m.machineID || rec.State == "stopped" {
			continue
		}
		m.seqs.Initialize(rec.SessionID, rec.Revision, rec.LastSeq)
		revision, err := m.store.BumpRevision(ctx, rec.SessionID)
		if err != nil {
			return fmt.Errorf("failed to bump revision for resumed session %s: %w", rec.SessionID, err)
		}
		m.mu.Lock()
		m.sessions[rec.SessionID] = &sessionState{
			info: wire.SessionInfo{
				SessionID: rec.SessionID,
				MachineID: rec.MachineID,
				UserID:    rec.UserID,
				BackendID: rec.BackendID,
				Cwd:       rec.Cwd,
				State:     "idle",
				UpdatedAt: rec.UpdatedAt,
			},
			revision: revision,
		}
		m.mu.Unlock()
		if m.compactor != nil {
			m.compactor.MarkSessionActive(rec.SessionID)
		}
	}
	return nil
}

// Sessions snapshots the tracked session list for the gateway handshake.
func (m *Manager) Sessions() []wire.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]wire.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	return out
}

// Run consumes agent notifications until ctx is cancelled or the agent closes
// its channel. Pipeline errors are logged per event; a broken WAL does not
// stop the loop.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case note, ok := <-m.agent.Notifications():
			if !ok {
				return nil
			}
			if err := m.ProcessNotification(ctx, note); err != nil {
				logger.Errorf("clihost: failed to process event for %s: %v", note.SessionID, err)
			}
		}
	}
}

// ProcessNotification pushes one session update through the event pipeline.
// Ordering contract: the WAL append is the durability boundary and completes
// first, the live emit follows, and consolidation runs last, synchronously,
// so replay always observes the consolidated result.
func (m *Manager) ProcessNotification(ctx context.Context, note wire.SessionNotification) error {
	m.mu.Lock()
	s, ok := m.sessions[note.SessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("event for untracked session %s", note.SessionID)
	}
	revision := s.revision
	emitter := m.emitter
	m.mu.Unlock()

	// The kind column stays plaintext so consolidation can group encrypted
	// rows without opening them.
	kind := wire.UpdateKind(note.Update)
	payload := note.Update
	if m.crypto != nil {
		env, err := m.crypto.EncryptEvent(note.SessionID, note.Update)
		if err != nil {
			return fmt.Errorf("failed to encrypt event: %w", err)
		}
		sealed, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		payload = sealed
	}

	seqNum := m.seqs.Next(note.SessionID, revision)
	event, err := m.store.AppendEvent(ctx, wal.AppendEventParams{
		SessionID: note.SessionID,
		Revision:  revision,
		Seq:       seqNum,
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	if emitter != nil {
		err := emitter.Emit(wire.EventSessionUpdate, wire.SessionEventPayload{
			SessionID: event.SessionID,
			Revision:  event.Revision,
			Seq:       event.Seq,
			Kind:      event.Kind,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		})
		if err != nil {
			logger.Warnf("clihost: live emit failed for %s/%d/%d: %v",
				event.SessionID, event.Revision, event.Seq, err)
		}
	}

	if _, err := m.consolidator.ConsolidateSession(ctx, note.SessionID, revision); err != nil {
		logger.Warnf("clihost: consolidation failed for %s/%d: %v", note.SessionID, revision, err)
	}
	return nil
}

// HandleRequest executes one routed RPC and answers with rpc:response
// carrying the originating request id.
func (m *Manager) HandleRequest(ctx context.Context, method string, req wire.RPCRequest) {
	result, err := m.dispatch(ctx, method, req.Params)

	resp := wire.RPCResponse{RequestID: req.RequestID}
	if err != nil {
		if werr, ok := err.(*wire.Error); ok {
			resp.Error = werr
		} else {
			resp.Error = wire.NewError(wire.CodeInternal, wire.ScopeRequest, false, "%v", err)
		}
	} else {
		resp.Result = result
	}

	m.mu.Lock()
	emitter := m.emitter
	m.mu.Unlock()
	if emitter == nil {
		logger.Warnf("clihost: dropping response %s, no gateway socket", req.RequestID)
		return
	}
	if err := emitter.Emit(wire.EventRPCResponse, resp); err != nil {
		logger.Warnf("clihost: failed to send response %s: %v", req.RequestID, err)
	}
}

func (m *Manager) dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case wire.EventRPCSessionCreate:
		var p wire.CreateSessionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return m.createSession(ctx, p)

	case wire.EventRPCSessionClose:
		return m.sessionRefCall(ctx, params, m.closeSession)

	case wire.EventRPCSessionCancel:
		return m.sessionRefCall(ctx, params, m.cancelSession)

	case wire.EventRPCSessionSetMode:
		var p wire.SetModeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		if err := m.requireSession(p.SessionID); err != nil {
			return nil, err
		}
		return okResult(), m.agent.SetMode(ctx, p.SessionID, p.ModeID)

	case wire.EventRPCSessionSetModel:
		var p wire.SetModelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		if err := m.requireSession(p.SessionID); err != nil {
			return nil, err
		}
		return okResult(), m.agent.SetModel(ctx, p.SessionID, p.ModelID)

	case wire.EventRPCMessageSend:
		var p wire.SendMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return m.sendMessage(ctx, p)

	case wire.EventRPCPermissionDecide:
		var p wire.PermissionDecisionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		if err := m.requireSession(p.SessionID); err != nil {
			return nil, err
		}
		return okResult(), m.agent.ResolvePermission(ctx, p.SessionID, p.RequestID, p.OptionID)

	case wire.EventRPCFsList:
		var p wire.FsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return m.listFiles(p)

	case wire.EventRPCFsRead:
		var p wire.FsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return m.readFile(p)

	case wire.EventRPCGitStatus:
		return m.sessionRefCall(ctx, params, m.gitStatus)

	case wire.EventRPCGitDiff:
		return m.sessionRefCall(ctx, params, m.gitDiff)

	case wire.EventRPCEventsQuery:
		var p wire.QueryEventsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return m.queryEvents(ctx, p)

	case wire.EventRPCEventsAck:
		var p wire.AckEventsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return m.ackEvents(ctx, p)

	default:
		return nil, wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false,
			"unknown method %s", method)
	}
}

func (m *Manager) sessionRefCall(ctx context.Context, params json.RawMessage,
	fn func(context.Context, string) (json.RawMessage, error)) (json.RawMessage, error) {

	var ref wire.SessionRefParams
	if err := json.Unmarshal(params, &ref); err != nil {
		return nil, badParams(err)
	}
	if err := m.requireSession(ref.SessionID); err != nil {
		return nil, err
	}
	return fn(ctx, ref.SessionID)
}

func badParams(err error) *wire.Error {
	return wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false,
		"invalid params: %v", err)
}

func okResult() json.RawMessage {
	return json.RawMessage(`{"success":true}`)
}

func (m *Manager) requireSession(sessionID string) *wire.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return wire.ErrSessionNotFound(sessionID)
	}
	return nil
}

// createSessionResult is the session:create response payload. WrappedKeys
// maps device ids to wrapped DEKs so paired devices can decrypt the stream.
type createSessionResult struct {
	SessionID   string            `json:"sessionId"`
	Revision    int64             `json:"revision"`
	WrappedKeys map[string]string `json:"wrappedKeys,omitempty"`
}

func (m *Manager) createSession(ctx context.Context, params wire.CreateSessionParams) (json.RawMessage, error) {
	sessionID, err := m.agent.CreateSession(ctx, params.Cwd)
	if err != nil {
		return nil, wire.NewError(wire.CodeACPConnectFailed, wire.ScopeSession, true,
			"failed to create agent session: %v", err)
	}

	res, err := m.store.EnsureSession(ctx, wal.EnsureSessionParams{
		SessionID: sessionID,
		MachineID: m.machineID,
		UserID:    m.userID,
		BackendID: params.BackendID,
		Cwd:       params.Cwd,
	})
	if err != nil {
		return nil, err
	}
	m.seqs.Initialize(sessionID, res.Revision, res.LastSeq)

	var wrappedKeys map[string]string
	if m.crypto != nil {
		wrappedKeys, err = m.crypto.InitSessionDEK(sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to init session dek: %w", err)
		}
	}

	info := wire.SessionInfo{
		SessionID: sessionID,
		MachineID: m.machineID,
		UserID:    m.userID,
		BackendID: params.BackendID,
		Cwd:       params.Cwd,
		State:     "ready",
	}
	m.mu.Lock()
	m.sessions[sessionID] = &sessionState{info: info, revision: res.Revision}
	m.mu.Unlock()

	if err := m.store.UpdateSessionState(ctx, sessionID, "ready"); err != nil {
		logger.Warnf("clihost: failed to persist state for %s: %v", sessionID, err)
	}
	if m.compactor != nil {
		m.compactor.MarkSessionActive(sessionID)
	}
	m.pushSessionsList()

	return json.Marshal(createSessionResult{
		SessionID:   sessionID,
		Revision:    res.Revision,
		WrappedKeys: wrappedKeys,
	})
}

func (m *Manager) closeSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if err := m.agent.CloseSession(ctx, sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.seqs.ClearSession(sessionID)
	if m.crypto != nil {
		m.crypto.ClearSession(sessionID)
	}
	if m.compactor != nil {
		m.compactor.MarkSessionInactive(sessionID)
	}

	// Closed is a logical state: WAL rows persist until compaction.
	if err := m.store.UpdateSessionState(ctx, sessionID, "stopped"); err != nil {
		logger.Warnf("clihost: failed to persist close of %s: %v", sessionID, err)
	}
	m.pushSessionsList()
	return okResult(), nil
}

func (m *Manager) cancelSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if err := m.agent.Cancel(ctx, sessionID); err != nil {
		return nil, err
	}
	return okResult(), nil
}

type sendMessageResult struct {
	StopReason string `json:"stopReason"`
}

func (m *Manager) sendMessage(ctx context.Context, params wire.SendMessageParams) (json.RawMessage, error) {
	if err := m.requireSession(params.SessionID); err != nil {
		return nil, err
	}

	message := params.Message
	// UI clients send prompts sealed with the session DEK; the agent needs
	// plaintext.
	if m.crypto != nil && wire.IsEncryptedPayload(message) {
		var env wire.EncryptedPayload
		if err := json.Unmarshal(message, &env); err != nil {
			return nil, badParams(err)
		}
		plain, err := m.crypto.DecryptEvent(params.SessionID, env)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message: %w", err)
		}
		message = plain
	}

	m.setState(ctx, params.SessionID, "ready", "running")
	stopReason, err := m.agent.Prompt(ctx, params.SessionID, message)
	m.setState(ctx, params.SessionID, "running", "ready")
	if err != nil {
		return nil, wire.NewError(wire.CodeACPProcessExited, wire.ScopeSession, true,
			"prompt failed: %v", err)
	}
	return json.Marshal(sendMessageResult{StopReason: stopReason})
}

func (m *Manager) setState(ctx context.Context, sessionID, from, to string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.info.State == from {
		s.info.State = to
	}
	m.mu.Unlock()
	if err := m.store.UpdateSessionState(ctx, sessionID, to); err != nil {
		logger.Debugf("clihost: failed to persist state %s for %s: %v", to, sessionID, err)
	}
}

// queryEventsResult is the backfill response payload. Stubbed rows are
// included with their placeholder payloads so the seq span stays gapless;
// clients detect them and page by the last returned seq.
type queryEventsResult struct {
	Events []wire.SessionEventPayload `json:"events"`
}

func (m *Manager) queryEvents(ctx context.Context, params wire.QueryEventsParams) (json.RawMessage, error) {
	fromSeq := params.FromSeq
	if fromSeq < 1 {
		fromSeq = 1
	}
	events, err := m.store.QueryEvents(ctx, wal.QueryEventsParams{
		SessionID: params.SessionID,
		Revision:  params.Revision,
		FromSeq:   fromSeq,
		ToSeq:     params.ToSeq,
		Limit:     params.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := queryEventsResult{Events: make([]wire.SessionEventPayload, 0, len(events))}
	for _, ev := range events {
		out.Events = append(out.Events, wire.SessionEventPayload{
			SessionID: ev.SessionID,
			Revision:  ev.Revision,
			Seq:       ev.Seq,
			Kind:      ev.Kind,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	return json.Marshal(out)
}

func (m *Manager) ackEvents(ctx context.Context, params wire.AckEventsParams) (json.RawMessage, error) {
	if err := m.store.AckEvents(ctx, params.SessionID, params.Revision, params.ThroughSeq); err != nil {
		return nil, err
	}
	return okResult(), nil
}

func (m *Manager) pushSessionsList() {
	m.mu.Lock()
	emitter := m.emitter
	m.mu.Unlock()
	if emitter == nil {
		return
	}
	if err := emitter.Emit(wire.EventSessionsList, m.Sessions()); err != nil {
		logger.Warnf("clihost: failed to push sessions list: %v", err)
	}
}
