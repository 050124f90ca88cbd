package gateway

import (
	"sync"

	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

// UIConn is one connected UI socket. UserID is "" for anonymous connections
// in auth-disabled deployments.
type UIConn struct {
	Socket Emitter
	UserID string
}

// Hub manages UI socket subscriptions and fan-out. Pure in-memory routing: no
// persistence, no retry. A disconnected UI socket misses live events and
// backfills from the WAL query API on reconnect.
type Hub struct {
	registry *Registry
	auth     AuthMode

	mu    sync.RWMutex
	conns map[string]*UIConn             // socketID -> connection
	subs  map[string]map[string]struct{} // sessionID -> socketIDs
}

// NewHub creates an empty hub.
func NewHub(registry *Registry, auth AuthMode) *Hub {
	return &Hub{
		registry: registry,
		auth:     auth,
		conns:    make(map[string]*UIConn),
		subs:     make(map[string]map[string]struct{}),
	}
}

// AddConnection registers an authenticated UI socket.
func (h *Hub) AddConnection(conn *UIConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.Socket.ID()] = conn
}

// RemoveConnection drops a socket and every subscription it held, so no
// orphaned subscriptions survive a disconnect.
func (h *Hub) RemoveConnection(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, socketID)
	for sessionID, sockets := range h.subs {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Subscribe admits a socket to a session's event stream after the ownership
// gate. The returned error is what the socket handler emits as
// subscription:error.
func (h *Hub) Subscribe(socketID, sessionID string) *wire.Error {
	h.mu.RLock()
	conn, ok := h.conns[socketID]
	h.mu.RUnlock()
	if !ok {
		return wire.ErrAuthorizationFailed("unknown socket")
	}

	if err := h.auth.AuthorizeSession(h.registry, sessionID, conn.UserID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[string]struct{})
	}
	h.subs[sessionID][socketID] = struct{}{}
	return nil
}

// Unsubscribe removes a socket from a session's subscription set.
func (h *Hub) Unsubscribe(socketID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sockets, ok := h.subs[sessionID]; ok {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// IsSubscribed reports whether a socket is subscribed to a session.
func (h *Hub) IsSubscribed(socketID, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[sessionID][socketID]
	return ok
}

// EmitToSubscribers fans an event out to every socket subscribed to the
// session.
func (h *Hub) EmitToSubscribers(sessionID, event string, payload any) {
	for _, conn := range h.subscribers(sessionID) {
		if err := conn.Socket.Emit(event, payload); err != nil {
			logger.Debugf("gateway: emit %s to %s failed: %v", event, conn.Socket.ID(), err)
		}
	}
}

// EmitToUser sends an event to every socket owned by a user.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	h.mu.RLock()
	conns := make([]*UIConn, 0, len(h.conns))
	for _, conn := range h.conns {
		if conn.UserID == userID {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Socket.Emit(event, payload); err != nil {
			logger.Debugf("gateway: emit %s to %s failed: %v", event, conn.Socket.ID(), err)
		}
	}
}

// EmitToAll broadcasts an event to every connected UI socket.
func (h *Hub) EmitToAll(event string, payload any) {
	h.mu.RLock()
	conns := make([]*UIConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Socket.Emit(event, payload); err != nil {
			logger.Debugf("gateway: emit %s to %s failed: %v", event, conn.Socket.ID(), err)
		}
	}
}

// subscribers snapshots the connections subscribed to a session.
func (h *Hub) subscribers(sessionID string) []*UIConn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sockets := h.subs[sessionID]
	conns := make([]*UIConn, 0, len(sockets))
	for socketID := range sockets {
		if conn, ok := h.conns[socketID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}
