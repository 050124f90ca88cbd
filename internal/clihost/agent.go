// Package clihost is the developer-machine side of the relay: it serves
// routed RPCs arriving over the gateway socket, drives the agent backend and
// pipes every session event through encryption, sequencing, the WAL and live
// fan-out.
package clihost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mobvibe/mobvibe/internal/wire"
)

// Agent abstracts the coding-agent backend the CLI host drives. Calls are
// synchronous; streaming output arrives asynchronously on Notifications.
type Agent interface {
	// CreateSession starts a new agent conversation in cwd.
	CreateSession(ctx context.Context, cwd string) (sessionID string, err error)
	// Prompt sends a user message and blocks until the turn completes.
	Prompt(ctx context.Context, sessionID string, message json.RawMessage) (stopReason string, err error)
	// Cancel interrupts the in-flight turn, if any.
	Cancel(ctx context.Context, sessionID string) error
	// SetMode switches the session mode.
	SetMode(ctx context.Context, sessionID, modeID string) error
	// SetModel switches the session model.
	SetModel(ctx context.Context, sessionID, modelID string) error
	// ResolvePermission answers a pending permission request.
	ResolvePermission(ctx context.Context, sessionID, requestID, optionID string) error
	// CloseSession ends the conversation.
	CloseSession(ctx context.Context, sessionID string) error
	// Notifications streams session updates. The channel is bounded; the
	// agent blocks when the WAL pipeline falls behind.
	Notifications() <-chan wire.SessionNotification
}

// defaultNotificationBuffer bounds the agent-to-pipeline channel so chunk
// floods exert backpressure on the agent instead of growing without limit.
const defaultNotificationBuffer = 256

// FakeAgent is an in-process Agent that answers every prompt with a scripted
// reply streamed as message chunks. It backs tests and the demo backend.
type FakeAgent struct {
	// Reply is streamed back for every prompt, one chunk per rune group.
	Reply string
	// ChunkSize is the number of bytes per streamed chunk (default 8).
	ChunkSize int

	notifications chan wire.SessionNotification

	mu       sync.Mutex
	sessions map[string]*fakeSession
}

type fakeSession struct {
	cwd     string
	modeID  string
	modelID string
	closed  bool
}

// NewFakeAgent creates a fake agent with a bounded notification channel.
func NewFakeAgent(reply string) *FakeAgent {
	return &FakeAgent{
		Reply:         reply,
		ChunkSize:     8,
		notifications: make(chan wire.SessionNotification, defaultNotificationBuffer),
		sessions:      make(map[string]*fakeSession),
	}
}

func (a *FakeAgent) Notifications() <-chan wire.SessionNotification {
	return a.notifications
}

func (a *FakeAgent) CreateSession(_ context.Context, cwd string) (string, error) {
	sessionID := uuid.NewString()
	a.mu.Lock()
	a.sessions[sessionID] = &fakeSession{cwd: cwd}
	a.mu.Unlock()
	return sessionID, nil
}

func (a *FakeAgent) session(sessionID string) (*fakeSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok || s.closed {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return s, nil
}

// Prompt streams the scripted reply as agent_message_chunk updates, then a
// usage snapshot, and returns end_turn.
func (a *FakeAgent) Prompt(ctx context.Context, sessionID string, _ json.RawMessage) (string, error) {
	if _, err := a.session(sessionID); err != nil {
		return "", err
	}

	chunkSize := a.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 8
	}
	reply := a.Reply
	for len(reply) > 0 {
		n := chunkSize
		if n > len(reply) {
			n = len(reply)
		}
		if err := a.notify(ctx, sessionID, map[string]any{
			"sessionUpdate": wire.UpdateAgentMessageChunk,
			"content":       map[string]any{"type": "text", "text": reply[:n]},
		}); err != nil {
			return "", err
		}
		reply = reply[n:]
	}

	if err := a.notify(ctx, sessionID, map[string]any{
		"sessionUpdate": wire.UpdateUsage,
		"usage":         map[string]any{"inputTokens": 1, "outputTokens": len(a.Reply)},
	}); err != nil {
		return "", err
	}
	return "end_turn", nil
}

func (a *FakeAgent) notify(ctx context.Context, sessionID string, update map[string]any) error {
	raw, err := json.Marshal(update)
	if err != nil {
		return err
	}
	select {
	case a.notifications <- wire.SessionNotification{SessionID: sessionID, Update: raw}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *FakeAgent) Cancel(_ context.Context, sessionID string) error {
	_, err := a.session(sessionID)
	return err
}

func (a *FakeAgent) SetMode(_ context.Context, sessionID, modeID string) error {
	s, err := a.session(sessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	s.modeID = modeID
	a.mu.Unlock()
	return nil
}

func (a *FakeAgent) SetModel(_ context.Context, sessionID, modelID string) error {
	s, err := a.session(sessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	s.modelID = modelID
	a.mu.Unlock()
	return nil
}

func (a *FakeAgent) ResolvePermission(_ context.Context, sessionID, _, _ string) error {
	_, err := a.session(sessionID)
	return err
}

func (a *FakeAgent) CloseSession(_ context.Context, sessionID string) error {
	s, err := a.session(sessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	s.closed = true
	a.mu.Unlock()
	return nil
}
