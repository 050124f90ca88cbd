// Package gateway implements the cloud side of the relay: the CLI registry,
// the session router and the socket/REST surfaces UI clients talk to.
package gateway

import (
	"sort"
	"sync"

	"github.com/mobvibe/mobvibe/internal/bus"
	"github.com/mobvibe/mobvibe/internal/wire"
)

// Bus event names published by the registry.
const (
	BusSessionsUpdated = "sessions:updated"
	BusCLIStatus       = "cli:status"
)

// CLIStatusEvent is the bus payload for CLI connect/disconnect, carrying the
// owning user so socket handlers can scope the fan-out.
type CLIStatusEvent struct {
	UserID string
	Status wire.CLIStatus
}

// Emitter is the minimal socket surface the gateway needs for fan-out.
type Emitter interface {
	ID() string
	Emit(event string, payload any) error
}

// CLIConn is one connected CLI process and the sessions it owns.
type CLIConn struct {
	MachineID string
	UserID    string
	Hostname  string
	Socket    Emitter
}

// Registry tracks connected CLI sockets, the sessions they own and per-user
// visibility. It holds live routing targets only; session durability lives in
// the CLI-side WAL.
type Registry struct {
	mu       sync.RWMutex
	bus      *bus.Bus
	clis     map[string]*CLIConn         // machineID -> connection
	owners   map[string]string           // sessionID -> machineID
	sessions map[string]wire.SessionInfo // sessionID -> latest info
}

// NewRegistry creates an empty registry publishing change events on b.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		bus:      b,
		clis:     make(map[string]*CLIConn),
		owners:   make(map[string]string),
		sessions: make(map[string]wire.SessionInfo),
	}
}

// Register records a newly authenticated CLI socket. A reconnect for the same
// machine id replaces the previous socket; its sessions stay owned.
func (r *Registry) Register(conn *CLIConn) {
	r.mu.Lock()
	r.clis[conn.MachineID] = conn
	r.mu.Unlock()

	r.bus.Publish(BusCLIStatus, CLIStatusEvent{
		UserID: conn.UserID,
		Status: wire.CLIStatus{MachineID: conn.MachineID, Hostname: conn.Hostname, Online: true},
	})
}

// Unregister removes a CLI connection. All of its sessions become unroutable
// until it reconnects; subscriptions referencing them get "session not found"
// on the next route attempt.
func (r *Registry) Unregister(machineID string) {
	r.mu.Lock()
	conn, ok := r.clis[machineID]
	if ok {
		delete(r.clis, machineID)
		for sessionID, owner := range r.owners {
			if owner == machineID {
				delete(r.owners, sessionID)
				delete(r.sessions, sessionID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(BusCLIStatus, CLIStatusEvent{
			UserID: conn.UserID,
			Status: wire.CLIStatus{MachineID: conn.MachineID, Hostname: conn.Hostname, Online: false},
		})
		r.bus.Publish(BusSessionsUpdated, conn.UserID)
	}
}

// SetSessions replaces the session list owned by a machine (pushed by the CLI
// on connect and whenever its sessions change).
func (r *Registry) SetSessions(machineID string, sessions []wire.SessionInfo) {
	r.mu.Lock()
	conn, ok := r.clis[machineID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for sessionID, owner := range r.owners {
		if owner == machineID {
			delete(r.owners, sessionID)
			delete(r.sessions, sessionID)
		}
	}
	for _, info := range sessions {
		r.owners[info.SessionID] = machineID
		r.sessions[info.SessionID] = info
	}
	r.mu.Unlock()

	r.bus.Publish(BusSessionsUpdated, conn.UserID)
}

// AddSession records one new session owned by a machine.
func (r *Registry) AddSession(machineID string, info wire.SessionInfo) {
	r.mu.Lock()
	conn, ok := r.clis[machineID]
	if ok {
		r.owners[info.SessionID] = machineID
		r.sessions[info.SessionID] = info
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(BusSessionsUpdated, conn.UserID)
	}
}

// RemoveSession drops a closed session from the routing tables.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	machineID, ok := r.owners[sessionID]
	var userID string
	if ok {
		delete(r.owners, sessionID)
		delete(r.sessions, sessionID)
		if conn, ok := r.clis[machineID]; ok {
			userID = conn.UserID
		}
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(BusSessionsUpdated, userID)
	}
}

// FirstCLI returns any connected CLI (used for calls not yet bound to a
// session, like session creation).
func (r *Registry) FirstCLI() (*CLIConn, *wire.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	machineIDs := make([]string, 0, len(r.clis))
	for id := range r.clis {
		machineIDs = append(machineIDs, id)
	}
	if len(machineIDs) == 0 {
		return nil, wire.ErrNoCLIConnected()
	}
	sort.Strings(machineIDs)
	return r.clis[machineIDs[0]], nil
}

// FirstCLIForUser returns any connected CLI owned by the user.
func (r *Registry) FirstCLIForUser(userID string) (*CLIConn, *wire.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	machineIDs := make([]string, 0, len(r.clis))
	for id, conn := range r.clis {
		if conn.UserID == userID {
			machineIDs = append(machineIDs, id)
		}
	}
	if len(machineIDs) == 0 {
		return nil, wire.ErrNoCLIConnected()
	}
	sort.Strings(machineIDs)
	return r.clis[machineIDs[0]], nil
}

// CLIForSession returns the connection owning a session.
func (r *Registry) CLIForSession(sessionID string) (*CLIConn, *wire.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	machineID, ok := r.owners[sessionID]
	if !ok {
		return nil, wire.ErrSessionNotFound(sessionID)
	}
	conn, ok := r.clis[machineID]
	if !ok {
		return nil, wire.ErrSessionNotFound(sessionID)
	}
	return conn, nil
}

// CLIsForUser lists the connected CLI machines owned by a user.
func (r *Registry) CLIsForUser(userID string) []wire.CLIStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []wire.CLIStatus
	for _, conn := range r.clis {
		if conn.UserID == userID {
			out = append(out, wire.CLIStatus{
				MachineID: conn.MachineID,
				Hostname:  conn.Hostname,
				Online:    true,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// SessionsForUser lists the sessions visible to a user.
func (r *Registry) SessionsForUser(userID string) []wire.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []wire.SessionInfo
	for sessionID, machineID := range r.owners {
		conn, ok := r.clis[machineID]
		if !ok || conn.UserID != userID {
			continue
		}
		out = append(out, r.sessions[sessionID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// AllSessions lists every routed session (auth-disabled deployments).
func (r *Registry) AllSessions() []wire.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]wire.SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IsSessionOwnedByUser is the authorization gate used before permission
// decisions and subscriptions.
func (r *Registry) IsSessionOwnedByUser(sessionID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	machineID, ok := r.owners[sessionID]
	if !ok {
		return false
	}
	conn, ok := r.clis[machineID]
	return ok && conn.UserID == userID
}

// CLIByMachineIDForUser looks up a user's CLI by machine id, cross-checking
// online status.
func (r *Registry) CLIByMachineIDForUser(machineID, userID string) (*CLIConn, *wire.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.clis[machineID]
	if !ok || conn.UserID != userID {
		return nil, wire.NewError(wire.CodeNoCLIConnected, wire.ScopeService, true,
			"machine %s is not online for this user", machineID)
	}
	return conn, nil
}
