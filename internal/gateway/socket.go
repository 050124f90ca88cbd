package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mobvibe/mobvibe/internal/crypto"
	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Cross-origin handled by the CORS layer.
	},
}

// wsEmitter wraps a websocket connection behind a write lock so concurrent
// fan-out and RPC forwarding never interleave frames.
type wsEmitter struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSEmitter(conn *websocket.Conn) *wsEmitter {
	return &wsEmitter{id: uuid.NewString(), conn: conn}
}

func (e *wsEmitter) ID() string { return e.id }

func (e *wsEmitter) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(wire.Frame{Event: event, Data: data})
}

// cliAuthData is the first frame a CLI sends after connecting.
type cliAuthData struct {
	Token string `json:"token"`
	// AuthPublicKey is the base64 Ed25519 key the token is signed with; the
	// key itself is the device identity.
	AuthPublicKey string             `json:"authPublicKey"`
	MachineID     string             `json:"machineId"`
	Hostname      string             `json:"hostname"`
	Sessions      []wire.SessionInfo `json:"sessions"`
}

// uiSubscribeData addresses a session subscription change.
type uiSubscribeData struct {
	SessionID string `json:"sessionId"`
}

// SocketServer owns both websocket namespaces and bridges registry change
// events onto connected UI sockets.
type SocketServer struct {
	registry *Registry
	router   *Router
	hub      *Hub
	auth     AuthMode
}

// NewSocketServer wires the namespaces and subscribes to registry events for
// fan-out.
func NewSocketServer(registry *Registry, router *Router, hub *Hub, auth AuthMode) *SocketServer {
	s := &SocketServer{
		registry: registry,
		router:   router,
		hub:      hub,
		auth:     auth,
	}

	registry.bus.Subscribe(BusCLIStatus, func(payload any) {
		event, ok := payload.(CLIStatusEvent)
		if !ok {
			return
		}
		if auth.Enabled() {
			hub.EmitToUser(event.UserID, wire.EventCLIStatus, event.Status)
		} else {
			hub.EmitToAll(wire.EventCLIStatus, event.Status)
		}
	})
	registry.bus.Subscribe(BusSessionsUpdated, func(payload any) {
		userID, ok := payload.(string)
		if !ok {
			return
		}
		if auth.Enabled() {
			hub.EmitToUser(userID, wire.EventSessionsList, registry.SessionsForUser(userID))
		} else {
			hub.EmitToAll(wire.EventSessionsList, registry.AllSessions())
		}
	})

	return s
}

// HandleCLI upgrades and serves one CLI socket. The first frame must be an
// auth event carrying a JWT signed by the device's derived auth key.
func (s *SocketServer) HandleCLI(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("gateway: CLI upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	emitter := newWSEmitter(conn)

	var msg wire.Frame
	if err := conn.ReadJSON(&msg); err != nil || msg.Event != "auth" {
		_ = emitter.Emit(wire.EventSessionError, wire.ErrAuthorizationFailed("auth frame required"))
		return
	}

	var auth cliAuthData
	if err := json.Unmarshal(msg.Data, &auth); err != nil {
		_ = emitter.Emit(wire.EventSessionError, wire.ErrAuthorizationFailed("malformed auth frame"))
		return
	}

	claims, werr := s.verifyCLIAuth(auth)
	if werr != nil {
		_ = emitter.Emit(wire.EventSessionError, werr)
		return
	}

	cli := &CLIConn{
		MachineID: claims.MachineID,
		UserID:    claims.UserID,
		Hostname:  auth.Hostname,
		Socket:    emitter,
	}
	s.registry.Register(cli)
	s.registry.SetSessions(cli.MachineID, auth.Sessions)
	defer s.registry.Unregister(cli.MachineID)

	logger.Infof("gateway: CLI connected machine=%s host=%s", cli.MachineID, cli.Hostname)

	for {
		var msg wire.Frame
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Infof("gateway: CLI disconnected machine=%s: %v", cli.MachineID, err)
			return
		}
		s.handleCLIEvent(cli, msg)
	}
}

func (s *SocketServer) verifyCLIAuth(auth cliAuthData) (*crypto.TokenClaims, *wire.Error) {
	pubBytes, err := base64.StdEncoding.DecodeString(auth.AuthPublicKey)
	if err != nil || len(pubBytes) != 32 {
		return nil, wire.ErrAuthorizationFailed("invalid auth public key")
	}

	claims, err := crypto.VerifySocketToken(pubBytes, auth.Token)
	if err != nil {
		return nil, wire.ErrAuthorizationFailed("token verification failed")
	}
	if claims.MachineID != auth.MachineID {
		return nil, wire.ErrAuthorizationFailed("machine id mismatch")
	}
	if s.auth.Enabled() && claims.UserID == "" {
		return nil, wire.ErrAuthorizationFailed("token carries no user")
	}
	return claims, nil
}

func (s *SocketServer) handleCLIEvent(cli *CLIConn, msg wire.Frame) {
	switch msg.Event {
	case wire.EventRPCResponse:
		var resp wire.RPCResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			logger.Debugf("gateway: malformed rpc response from %s: %v", cli.MachineID, err)
			return
		}
		s.router.HandleResponse(resp)

	case wire.EventSessionsList:
		var sessions []wire.SessionInfo
		if err := json.Unmarshal(msg.Data, &sessions); err != nil {
			logger.Debugf("gateway: malformed sessions list from %s: %v", cli.MachineID, err)
			return
		}
		s.registry.SetSessions(cli.MachineID, sessions)

	case wire.EventSessionUpdate, wire.EventPermissionReq, wire.EventTerminalOutput:
		var payload wire.SessionEventPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Debugf("gateway: malformed %s from %s: %v", msg.Event, cli.MachineID, err)
			return
		}
		s.hub.EmitToSubscribers(payload.SessionID, msg.Event, payload)

	default:
		logger.Debugf("gateway: unknown CLI event %q from %s", msg.Event, cli.MachineID)
	}
}

// HandleUI upgrades and serves one UI socket. Authentication happens at
// connection time from the token query parameter or cookie header; in
// auth-disabled mode the socket is admitted anonymously.
func (s *SocketServer) HandleUI(c *gin.Context) {
	credential := c.Query("token")
	if credential == "" {
		credential = c.GetHeader("Cookie")
	}

	userID, werr := s.auth.Authenticate(c.Request.Context(), credential)
	if werr != nil {
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("gateway: UI upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	emitter := newWSEmitter(conn)
	ui := &UIConn{Socket: emitter, UserID: userID}
	s.hub.AddConnection(ui)
	defer s.hub.RemoveConnection(emitter.ID())

	// Initial push: current CLI statuses and visible sessions.
	if s.auth.Enabled() {
		_ = emitter.Emit(wire.EventCLIStatus, s.registry.CLIsForUser(userID))
		_ = emitter.Emit(wire.EventSessionsList, s.registry.SessionsForUser(userID))
	} else {
		_ = emitter.Emit(wire.EventSessionsList, s.registry.AllSessions())
	}

	for {
		var msg wire.Frame
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handleUIEvent(c.Request.Context(), ui, msg)
	}
}

func (s *SocketServer) handleUIEvent(ctx context.Context, ui *UIConn, msg wire.Frame) {
	switch msg.Event {
	case wire.EventSubscribeSession:
		var sub uiSubscribeData
		if err := json.Unmarshal(msg.Data, &sub); err != nil || sub.SessionID == "" {
			_ = ui.Socket.Emit(wire.EventSubscriptionError,
				wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "sessionId is required"))
			return
		}
		if werr := s.hub.Subscribe(ui.Socket.ID(), sub.SessionID); werr != nil {
			_ = ui.Socket.Emit(wire.EventSubscriptionError, werr)
		}

	case wire.EventUnsubscribeSession:
		var sub uiSubscribeData
		if err := json.Unmarshal(msg.Data, &sub); err == nil && sub.SessionID != "" {
			s.hub.Unsubscribe(ui.Socket.ID(), sub.SessionID)
		}

	case wire.EventRPCSessionCreate, wire.EventRPCSessionClose, wire.EventRPCSessionCancel,
		wire.EventRPCSessionSetMode, wire.EventRPCSessionSetModel, wire.EventRPCMessageSend,
		wire.EventRPCPermissionDecide, wire.EventRPCFsList, wire.EventRPCFsRead,
		wire.EventRPCGitStatus, wire.EventRPCGitDiff,
		wire.EventRPCEventsQuery, wire.EventRPCEventsAck:
		var req wire.RPCRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		// Each call runs on its own goroutine so a slow agent turn never
		// blocks other traffic on this socket.
		go s.dispatchUICall(ctx, ui, msg.Event, req)

	default:
		logger.Debugf("gateway: unknown UI event %q", msg.Event)
	}
}

// dispatchUICall routes a UI-originated RPC through the session router and
// answers on the same socket with the UI's own request id.
func (s *SocketServer) dispatchUICall(ctx context.Context, ui *UIConn, method string, req wire.RPCRequest) {
	result, err := s.routeUICall(ctx, ui.UserID, method, req.Params)

	resp := wire.RPCResponse{RequestID: req.RequestID}
	if err != nil {
		resp.Error = asWireError(err)
	} else {
		resp.Result = result
	}
	if err := ui.Socket.Emit(wire.EventRPCResponse, resp); err != nil {
		logger.Debugf("gateway: failed to answer UI call %s: %v", req.RequestID, err)
	}
}

func (s *SocketServer) routeUICall(ctx context.Context, userID, method string, params json.RawMessage) (json.RawMessage, error) {
	if method == wire.EventRPCSessionCreate {
		return s.router.CallFirstCLI(ctx, userID, method, params)
	}

	var ref wire.SessionRefParams
	if err := json.Unmarshal(params, &ref); err != nil || ref.SessionID == "" {
		return nil, wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "sessionId is required")
	}
	if werr := s.auth.AuthorizeSession(s.registry, ref.SessionID, userID); werr != nil {
		return nil, werr
	}
	return s.router.Call(ctx, ref.SessionID, method, params)
}

// asWireError converts any error into the structured wire form.
func asWireError(err error) *wire.Error {
	if werr, ok := err.(*wire.Error); ok {
		return werr
	}
	return wire.NewError(wire.CodeInternal, wire.ScopeRequest, false, "%v", err)
}
