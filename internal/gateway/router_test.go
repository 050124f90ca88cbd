package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobvibe/mobvibe/internal/bus"
	"github.com/mobvibe/mobvibe/internal/wire"
)

type emittedEvent struct {
	Event   string
	Payload any
}

// fakeSocket is an in-memory Emitter capturing everything emitted on it.
type fakeSocket struct {
	id       string
	failEmit bool

	mu     sync.Mutex
	events []emittedEvent
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Emit(event string, payload any) error {
	if f.failEmit {
		return context.DeadlineExceeded
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeSocket) emitted() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emittedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSocket) lastRequest(t *testing.T) wire.RPCRequest {
	t.Helper()
	events := f.emitted()
	require.NotEmpty(t, events)
	req, ok := events[len(events)-1].Payload.(wire.RPCRequest)
	require.True(t, ok, "last emitted payload is not an RPCRequest")
	return req
}

func newTestRegistry() *Registry {
	return NewRegistry(bus.New())
}

func registerCLI(t *testing.T, registry *Registry, machineID, userID string, sessionIDs ...string) *fakeSocket {
	t.Helper()
	socket := newFakeSocket("sock-" + machineID)
	registry.Register(&CLIConn{
		MachineID: machineID,
		UserID:    userID,
		Hostname:  machineID + ".local",
		Socket:    socket,
	})
	sessions := make([]wire.SessionInfo, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		sessions = append(sessions, wire.SessionInfo{SessionID: id, MachineID: machineID, State: "idle"})
	}
	registry.SetSessions(machineID, sessions)
	return socket
}

func TestRouterCallNoOwningCLI(t *testing.T) {
	router := NewRouter(newTestRegistry(), time.Second)

	_, err := router.Call(context.Background(), "missing", wire.EventRPCMessageSend, nil)
	require.Error(t, err)

	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.CodeSessionNotFound, werr.Code)
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterCallRoundTrip(t *testing.T) {
	registry := newTestRegistry()
	socket := registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, 5*time.Second)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := router.Call(context.Background(), "s1", wire.EventRPCMessageSend,
			wire.SendMessageParams{SessionID: "s1", Message: json.RawMessage(`"hi"`)})
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool {
		return len(socket.emitted()) > 0
	}, time.Second, 5*time.Millisecond)

	req := socket.lastRequest(t)
	require.Equal(t, wire.EventRPCMessageSend, req.Method)
	require.NotEmpty(t, req.RequestID)

	router.HandleResponse(wire.RPCResponse{
		RequestID: req.RequestID,
		Result:    json.RawMessage(`{"stopReason":"end_turn"}`),
	})

	out := <-done
	require.NoError(t, out.err)
	require.JSONEq(t, `{"stopReason":"end_turn"}`, string(out.result))
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterCallErrorResponse(t *testing.T) {
	registry := newTestRegistry()
	socket := registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := router.Call(context.Background(), "s1", wire.EventRPCSessionCancel, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(socket.emitted()) > 0
	}, time.Second, 5*time.Millisecond)

	req := socket.lastRequest(t)
	router.HandleResponse(wire.RPCResponse{
		RequestID: req.RequestID,
		Error:     wire.NewError(wire.CodeSessionNotReady, wire.ScopeSession, true, "still starting"),
	})

	err := <-done
	require.Error(t, err)
	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.CodeSessionNotReady, werr.Code)
}

func TestRouterCallTimeoutCleansPending(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, 20*time.Millisecond)

	_, err := router.Call(context.Background(), "s1", wire.EventRPCMessageSend, nil)
	require.Error(t, err)

	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.CodeRequestTimeout, werr.Code)
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterLateResponseDroppedSilently(t *testing.T) {
	registry := newTestRegistry()
	socket := registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, 20*time.Millisecond)

	_, err := router.Call(context.Background(), "s1", wire.EventRPCMessageSend, nil)
	require.Error(t, err)

	// The response arrives after the caller already timed out.
	req := socket.lastRequest(t)
	router.HandleResponse(wire.RPCResponse{RequestID: req.RequestID, Result: json.RawMessage(`{}`)})
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterDuplicateResponseIsNoOp(t *testing.T) {
	registry := newTestRegistry()
	socket := registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, 5*time.Second)

	done := make(chan struct{})
	go func() {
		_, _ = router.Call(context.Background(), "s1", wire.EventRPCMessageSend, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(socket.emitted()) > 0
	}, time.Second, 5*time.Millisecond)

	req := socket.lastRequest(t)
	resp := wire.RPCResponse{RequestID: req.RequestID, Result: json.RawMessage(`{}`)}
	router.HandleResponse(resp)
	<-done

	// Replayed delivery of the same response must not block or panic.
	router.HandleResponse(resp)
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterUnknownResponseIgnored(t *testing.T) {
	router := NewRouter(newTestRegistry(), time.Second)
	router.HandleResponse(wire.RPCResponse{RequestID: "never-issued"})
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterContextCancellation(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := router.Call(ctx, "s1", wire.EventRPCMessageSend, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return router.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterEmitFailure(t *testing.T) {
	registry := newTestRegistry()
	socket := registerCLI(t, registry, "m1", "", "s1")
	socket.failEmit = true
	router := NewRouter(registry, time.Second)

	_, err := router.Call(context.Background(), "s1", wire.EventRPCMessageSend, nil)
	require.Error(t, err)

	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.CodeStreamDisconnected, werr.Code)
	require.Equal(t, 0, router.PendingCount())
}

func TestRouterCallFirstCLIScopedByUser(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice")
	router := NewRouter(registry, time.Second)

	_, err := router.CallFirstCLI(context.Background(), "bob", wire.EventRPCSessionCreate, nil)
	require.Error(t, err)
	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.CodeNoCLIConnected, werr.Code)
}

func TestRouterSweepOrphans(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1")
	router := NewRouter(registry, time.Minute)

	base := time.Now()
	router.now = func() time.Time { return base }

	done := make(chan error, 1)
	go func() {
		_, err := router.Call(context.Background(), "s1", wire.EventRPCMessageSend, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return router.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	router.now = func() time.Time { return base.Add(time.Hour) }
	require.Equal(t, 1, router.SweepOrphans(30*time.Minute))
	require.Equal(t, 0, router.PendingCount())

	err := <-done
	require.Error(t, err)
	werr, ok := err.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.CodeRequestTimeout, werr.Code)
}
