package clihost

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobvibe/mobvibe/internal/crypto"
	"github.com/mobvibe/mobvibe/internal/wal"
	"github.com/mobvibe/mobvibe/internal/wire"
)

type testEmit struct {
	Event   string
	Payload any
}

type testEmitter struct {
	mu     sync.Mutex
	events []testEmit
}

func (e *testEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, testEmit{Event: event, Payload: payload})
	return nil
}

func (e *testEmitter) byEvent(event string) []testEmit {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []testEmit
	for _, ev := range e.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEmitter) lastResponse(t *testing.T) wire.RPCResponse {
	t.Helper()
	responses := e.byEvent(wire.EventRPCResponse)
	require.NotEmpty(t, responses)
	resp, ok := responses[len(responses)-1].Payload.(wire.RPCResponse)
	require.True(t, ok)
	return resp
}

func openTestStore(t *testing.T) *wal.Store {
	t.Helper()
	db, err := wal.Open(t.TempDir() + "/wal.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return wal.NewStore(db)
}

func newTestManager(t *testing.T, agent Agent, svc *crypto.Service) (*Manager, *testEmitter) {
	t.Helper()
	m := NewManager(Config{
		MachineID: "machine-1",
		UserID:    "alice",
		BackendID: "fake",
		Agent:     agent,
		Store:     openTestStore(t),
		Crypto:    svc,
	})
	emitter := &testEmitter{}
	require.NoError(t, m.Attach(context.Background(), emitter))
	return m, emitter
}

func createSession(t *testing.T, m *Manager, emitter *testEmitter, cwd string) string {
	t.Helper()
	params, err := json.Marshal(wire.CreateSessionParams{Cwd: cwd, BackendID: "fake"})
	require.NoError(t, err)
	m.HandleRequest(context.Background(), wire.EventRPCSessionCreate,
		wire.RPCRequest{RequestID: "create-1", Params: params})

	resp := emitter.lastResponse(t)
	require.Nil(t, resp.Error)

	var result createSessionResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.SessionID)
	return result.SessionID
}

func testMaster() []byte {
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i + 1)
	}
	return master
}

func TestCreateSessionPersistsAndAnnounces(t *testing.T) {
	agent := NewFakeAgent("hello")
	m, emitter := newTestManager(t, agent, nil)

	sessionID := createSession(t, m, emitter, t.TempDir())

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, sessionID, sessions[0].SessionID)
	require.Equal(t, "ready", sessions[0].State)

	records, err := m.store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "machine-1", records[0].MachineID)

	// The sessions list was pushed to the gateway.
	require.NotEmpty(t, emitter.byEvent(wire.EventSessionsList))
}

func TestEventPipelineAppendsEmitsConsolidates(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	for _, text := range []string{"hel", "lo ", "world"} {
		update, err := json.Marshal(map[string]any{
			"sessionUpdate": wire.UpdateAgentMessageChunk,
			"content":       map[string]any{"type": "text", "text": text},
		})
		require.NoError(t, err)
		require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
			SessionID: sessionID,
			Update:    update,
		}))
	}

	// Live emits carry every chunk in seq order.
	updates := emitter.byEvent(wire.EventSessionUpdate)
	require.Len(t, updates, 3)
	for i, ev := range updates {
		payload := ev.Payload.(wire.SessionEventPayload)
		require.Equal(t, int64(i+1), payload.Seq)
	}

	// Consolidation merged the chunk run into the anchor row; seq slots of
	// merged rows survive as stubs.
	events, err := m.store.QueryEvents(ctx, wal.QueryEventsParams{
		SessionID: sessionID, Revision: 1, FromSeq: 1,
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.False(t, events[0].Stubbed())
	require.True(t, events[1].Stubbed())
	require.True(t, events[2].Stubbed())

	var merged struct {
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &merged))
	require.Equal(t, "hello world", merged.Content.Text)
}

func TestEventPipelineEncrypted(t *testing.T) {
	svc, err := crypto.NewService(testMaster())
	require.NoError(t, err)

	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, svc)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	update, err := json.Marshal(map[string]any{
		"sessionUpdate": wire.UpdateAgentMessageChunk,
		"content":       map[string]any{"type": "text", "text": "secret"},
	})
	require.NoError(t, err)
	require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
		SessionID: sessionID,
		Update:    update,
	}))

	events, err := m.store.QueryEvents(ctx, wal.QueryEventsParams{
		SessionID: sessionID, Revision: 1, FromSeq: 1,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Kind is recorded in plaintext, the payload is sealed.
	require.Equal(t, wire.UpdateAgentMessageChunk, events[0].Kind)
	require.True(t, wire.IsEncryptedPayload(events[0].Payload))

	var env wire.EncryptedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &env))
	plain, err := svc.DecryptEvent(sessionID, env)
	require.NoError(t, err)
	require.JSONEq(t, string(update), string(plain))
}

func TestSendMessageStreamsReply(t *testing.T) {
	agent := NewFakeAgent("streamed reply text")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	message, err := json.Marshal(wire.SendMessageParams{
		SessionID: sessionID,
		Message:   json.RawMessage(`{"type":"text","text":"hi"}`),
	})
	require.NoError(t, err)
	m.HandleRequest(ctx, wire.EventRPCMessageSend,
		wire.RPCRequest{RequestID: "msg-1", Params: message})

	resp := emitter.lastResponse(t)
	require.Nil(t, resp.Error)

	var result sendMessageResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "end_turn", result.StopReason)

	// Chunks plus the usage snapshot land in the WAL.
	require.Eventually(t, func() bool {
		count, err := m.store.CountEvents(context.Background(), sessionID, 1)
		return err == nil && count >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEncryptedPromptDecryptedForAgent(t *testing.T) {
	svc, err := crypto.NewService(testMaster())
	require.NoError(t, err)

	agent := NewFakeAgent("ok")
	m, emitter := newTestManager(t, agent, svc)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	env, err := svc.EncryptEvent(sessionID, json.RawMessage(`{"type":"text","text":"hi"}`))
	require.NoError(t, err)
	sealed, err := json.Marshal(env)
	require.NoError(t, err)

	message, err := json.Marshal(wire.SendMessageParams{SessionID: sessionID, Message: sealed})
	require.NoError(t, err)
	m.HandleRequest(ctx, wire.EventRPCMessageSend,
		wire.RPCRequest{RequestID: "msg-enc", Params: message})

	resp := emitter.lastResponse(t)
	require.Nil(t, resp.Error)
}

func TestReconnectBumpsRevisionAndResetsSeq(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	update, _ := json.Marshal(map[string]any{"sessionUpdate": wire.UpdatePlan})
	require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
		SessionID: sessionID, Update: update,
	}))

	// A reconnect starts a new revision whose sequence restarts at 1.
	require.NoError(t, m.Attach(ctx, emitter))
	require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
		SessionID: sessionID, Update: update,
	}))

	rev1, err := m.store.QueryEvents(ctx, wal.QueryEventsParams{SessionID: sessionID, Revision: 1, FromSeq: 1})
	require.NoError(t, err)
	require.Len(t, rev1, 1)

	rev2, err := m.store.QueryEvents(ctx, wal.QueryEventsParams{SessionID: sessionID, Revision: 2, FromSeq: 1})
	require.NoError(t, err)
	require.Len(t, rev2, 1)
	require.Equal(t, int64(1), rev2[0].Seq)
}

func TestResumeSeedsSequencePastHighWaterMark(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	update, _ := json.Marshal(map[string]any{"sessionUpdate": wire.UpdatePlan})
	require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
		SessionID: sessionID, Update: update,
	}))

	// A fresh manager over the same store stands in for a restarted CLI.
	restarted := NewManager(Config{
		MachineID: "machine-1",
		UserID:    "alice",
		Agent:     NewFakeAgent(""),
		Store:     m.store,
	})
	require.NoError(t, restarted.Resume(ctx))
	require.NoError(t, restarted.Attach(ctx, &testEmitter{}))

	sessions := restarted.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, sessionID, sessions[0].SessionID)

	records, err := restarted.store.ListSessions(ctx)
	require.NoError(t, err)
	require.Greater(t, records[0].Revision, int64(1))
}

func TestCloseSessionIsLogical(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	update, _ := json.Marshal(map[string]any{"sessionUpdate": wire.UpdatePlan})
	require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
		SessionID: sessionID, Update: update,
	}))

	ref, _ := json.Marshal(wire.SessionRefParams{SessionID: sessionID})
	m.HandleRequest(ctx, wire.EventRPCSessionClose,
		wire.RPCRequest{RequestID: "close-1", Params: ref})
	require.Nil(t, emitter.lastResponse(t).Error)
	require.Empty(t, m.Sessions())

	// WAL rows persist past logical close, until compaction.
	count, err := m.store.CountEvents(ctx, sessionID, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	records, err := m.store.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, "stopped", records[0].State)
}

func TestQueryAndAckEvents(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		update, _ := json.Marshal(map[string]any{"sessionUpdate": wire.UpdatePlan})
		require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
			SessionID: sessionID, Update: update,
		}))
	}

	query, _ := json.Marshal(wire.QueryEventsParams{SessionID: sessionID, Revision: 1, FromSeq: 2})
	m.HandleRequest(ctx, wire.EventRPCEventsQuery,
		wire.RPCRequest{RequestID: "q-1", Params: query})
	resp := emitter.lastResponse(t)
	require.Nil(t, resp.Error)

	var result queryEventsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Events, 2)
	require.Equal(t, int64(2), result.Events[0].Seq)

	ack, _ := json.Marshal(wire.AckEventsParams{SessionID: sessionID, Revision: 1, ThroughSeq: 2})
	m.HandleRequest(ctx, wire.EventRPCEventsAck,
		wire.RPCRequest{RequestID: "a-1", Params: ack})
	require.Nil(t, emitter.lastResponse(t).Error)

	events, err := m.store.QueryEvents(ctx, wal.QueryEventsParams{SessionID: sessionID, Revision: 1, FromSeq: 1})
	require.NoError(t, err)
	require.NotNil(t, events[0].AckedAt)
	require.NotNil(t, events[1].AckedAt)
	require.Nil(t, events[2].AckedAt)
}

func TestQueryEventsKeepsStubRows(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)
	sessionID := createSession(t, m, emitter, t.TempDir())

	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		update, err := json.Marshal(map[string]any{
			"sessionUpdate": wire.UpdateAgentMessageChunk,
			"content":       map[string]any{"type": "text", "text": text},
		})
		require.NoError(t, err)
		require.NoError(t, m.ProcessNotification(ctx, wire.SessionNotification{
			SessionID: sessionID, Update: update,
		}))
	}

	query, _ := json.Marshal(wire.QueryEventsParams{SessionID: sessionID, Revision: 1, FromSeq: 1})
	m.HandleRequest(ctx, wire.EventRPCEventsQuery,
		wire.RPCRequest{RequestID: "q-stub", Params: query})
	resp := emitter.lastResponse(t)
	require.Nil(t, resp.Error)

	// Consolidation stubbed the merged chunk rows, but backfill still returns
	// the full gapless seq span; clients skip rows with the stub payload.
	var result queryEventsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Events, 3)
	for i, ev := range result.Events {
		require.Equal(t, int64(i+1), ev.Seq)
	}
	require.False(t, wire.IsStubPayload(result.Events[0].Payload))
	require.True(t, wire.IsStubPayload(result.Events[1].Payload))
	require.True(t, wire.IsStubPayload(result.Events[2].Payload))
}

func TestUnknownMethodRejected(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)

	m.HandleRequest(context.Background(), "rpc:nope",
		wire.RPCRequest{RequestID: "x", Params: json.RawMessage(`{}`)})

	resp := emitter.lastResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, wire.CodeRequestValidation, resp.Error.Code)
}

func TestRPCForUnknownSession(t *testing.T) {
	agent := NewFakeAgent("")
	m, emitter := newTestManager(t, agent, nil)

	ref, _ := json.Marshal(wire.SessionRefParams{SessionID: "missing"})
	m.HandleRequest(context.Background(), wire.EventRPCSessionCancel,
		wire.RPCRequest{RequestID: "c-1", Params: ref})

	resp := emitter.lastResponse(t)
	require.NotNil(t, resp.Error)
	require.Equal(t, wire.CodeSessionNotFound, resp.Error.Code)
}
