package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobvibe/mobvibe/internal/bus"
	"github.com/mobvibe/mobvibe/internal/wire"
)

func TestRegistryRegisterAndRoute(t *testing.T) {
	registry := newTestRegistry()
	socket := registerCLI(t, registry, "m1", "alice", "s1", "s2")

	conn, err := registry.CLIForSession("s1")
	require.Nil(t, err)
	require.Equal(t, "m1", conn.MachineID)
	require.Same(t, socket, conn.Socket.(*fakeSocket))

	_, err = registry.CLIForSession("unknown")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeSessionNotFound, err.Code)
}

func TestRegistryUnregisterCascades(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1")

	registry.Unregister("m1")

	_, err := registry.CLIForSession("s1")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeSessionNotFound, err.Code)
	require.Empty(t, registry.AllSessions())
}

func TestRegistryReconnectReplacesSocket(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1")

	replacement := newFakeSocket("sock-m1-v2")
	registry.Register(&CLIConn{MachineID: "m1", UserID: "alice", Socket: replacement})

	conn, err := registry.CLIForSession("s1")
	require.Nil(t, err)
	require.Equal(t, "sock-m1-v2", conn.Socket.ID())
}

func TestRegistrySetSessionsReplacesList(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1", "s2")

	registry.SetSessions("m1", []wire.SessionInfo{{SessionID: "s3", MachineID: "m1"}})

	_, err := registry.CLIForSession("s1")
	require.NotNil(t, err)
	_, err = registry.CLIForSession("s3")
	require.Nil(t, err)
}

func TestRegistryOwnershipGate(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1")
	registerCLI(t, registry, "m2", "bob", "s2")

	require.True(t, registry.IsSessionOwnedByUser("s1", "alice"))
	require.False(t, registry.IsSessionOwnedByUser("s1", "bob"))
	require.False(t, registry.IsSessionOwnedByUser("unknown", "alice"))
}

func TestRegistryPerUserViews(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m1", "alice", "s1")
	registerCLI(t, registry, "m2", "bob", "s2", "s3")

	sessions := registry.SessionsForUser("bob")
	require.Len(t, sessions, 2)
	require.Equal(t, "s2", sessions[0].SessionID)
	require.Equal(t, "s3", sessions[1].SessionID)

	clis := registry.CLIsForUser("alice")
	require.Len(t, clis, 1)
	require.Equal(t, "m1", clis[0].MachineID)
	require.True(t, clis[0].Online)

	require.Len(t, registry.AllSessions(), 3)
}

func TestRegistryFirstCLIForUser(t *testing.T) {
	registry := newTestRegistry()
	registerCLI(t, registry, "m2", "alice")
	registerCLI(t, registry, "m1", "alice")

	conn, err := registry.FirstCLIForUser("alice")
	require.Nil(t, err)
	require.Equal(t, "m1", conn.MachineID)

	_, err = registry.FirstCLIForUser("bob")
	require.NotNil(t, err)
	require.Equal(t, wire.CodeNoCLIConnected, err.Code)
}

func TestRegistryPublishesStatusEvents(t *testing.T) {
	b := bus.New()
	registry := NewRegistry(b)

	var statuses []CLIStatusEvent
	b.Subscribe(BusCLIStatus, func(payload any) {
		statuses = append(statuses, payload.(CLIStatusEvent))
	})

	registerCLI(t, registry, "m1", "alice")
	registry.Unregister("m1")

	require.Len(t, statuses, 2)
	require.True(t, statuses[0].Status.Online)
	require.False(t, statuses[1].Status.Online)
	require.Equal(t, "alice", statuses[1].UserID)
}
