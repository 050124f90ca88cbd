package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobvibe/mobvibe/internal/wire"
)

func addUIConn(h *Hub, id, userID string) *fakeSocket {
	socket := newFakeSocket(id)
	h.AddConnection(&UIConn{Socket: socket, UserID: userID})
	return socket
}

func TestHubSubscribeAndFanOut(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1")
	hub := NewHub(registry, AuthDisabled())

	subscribed := addUIConn(hub, "ui-1", "")
	other := addUIConn(hub, "ui-2", "")

	require.Nil(t, hub.Subscribe("ui-1", "s1"))
	require.True(t, hub.IsSubscribed("ui-1", "s1"))

	hub.EmitToSubscribers("s1", wire.EventSessionUpdate, wire.SessionEventPayload{SessionID: "s1", Seq: 1})

	require.Len(t, subscribed.emitted(), 1)
	require.Empty(t, other.emitted())
}

func TestHubSubscribeUnknownSession(t *testing.T) {
	hub := NewHub(newTestRegistry(), AuthDisabled())
	addUIConn(hub, "ui-1", "")

	err := hub.Subscribe("ui-1", "missing")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeSessionNotFound, err.Code)
	require.False(t, hub.IsSubscribed("ui-1", "missing"))
}

func TestHubSubscribeOwnershipGate(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1")
	hub := NewHub(registry, AuthEnabled(staticValidator{}))

	addUIConn(hub, "ui-alice", "alice")
	addUIConn(hub, "ui-bob", "bob")

	require.Nil(t, hub.Subscribe("ui-alice", "s1"))

	err := hub.Subscribe("ui-bob", "s1")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeAuthorizationFailed, err.Code)
}

func TestHubRemoveConnectionCleansSubscriptions(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1", "s2")
	hub := NewHub(registry, AuthDisabled())

	addUIConn(hub, "ui-1", "")
	require.Nil(t, hub.Subscribe("ui-1", "s1"))
	require.Nil(t, hub.Subscribe("ui-1", "s2"))

	hub.RemoveConnection("ui-1")

	require.False(t, hub.IsSubscribed("ui-1", "s1"))
	require.False(t, hub.IsSubscribed("ui-1", "s2"))
	// A disconnected socket no longer receives fan-out.
	hub.EmitToSubscribers("s1", wire.EventSessionUpdate, nil)
}

func TestHubUnsubscribe(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "", "s1")
	hub := NewHub(registry, AuthDisabled())

	socket := addUIConn(hub, "ui-1", "")
	require.Nil(t, hub.Subscribe("ui-1", "s1"))
	hub.Unsubscribe("ui-1", "s1")

	hub.EmitToSubscribers("s1", wire.EventSessionUpdate, nil)
	require.Empty(t, socket.emitted())
}

func TestHubEmitToUser(t *testing.T) {
	hub := NewHub(newTestRegistry(), AuthDisabled())

	alice1 := addUIConn(hub, "ui-a1", "alice")
	alice2 := addUIConn(hub, "ui-a2", "alice")
	bob := addUIConn(hub, "ui-b", "bob")

	hub.EmitToUser("alice", wire.EventSessionsList, nil)

	require.Len(t, alice1.emitted(), 1)
	require.Len(t, alice2.emitted(), 1)
	require.Empty(t, bob.emitted())

	hub.EmitToAll(wire.EventCLIStatus, nil)
	require.Len(t, bob.emitted(), 1)
}
