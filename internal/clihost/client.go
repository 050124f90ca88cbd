package clihost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobvibe/mobvibe/internal/crypto"
	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// GatewayClient maintains the CLI host's websocket connection to the gateway:
// authenticates with a signed token, forwards routed RPCs to the manager and
// emits session events back. Reconnects with exponential backoff.
type GatewayClient struct {
	gatewayURL string
	manager    *Manager
	crypto     *crypto.Service
	machineID  string
	userID     string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewGatewayClient creates a client for the manager. crypto signs the socket
// auth token and must match the manager's crypto service.
func NewGatewayClient(gatewayURL string, manager *Manager, svc *crypto.Service, machineID, userID string) *GatewayClient {
	return &GatewayClient{
		gatewayURL: gatewayURL,
		manager:    manager,
		crypto:     svc,
		machineID:  machineID,
		userID:     userID,
	}
}

// Emit sends one frame to the gateway. Safe for concurrent use.
func (c *GatewayClient) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(wire.Frame{Event: event, Data: data})
}

// Run connects and serves until ctx is cancelled, reconnecting on socket
// failures.
func (c *GatewayClient) Run(ctx context.Context) error {
	delay := reconnectBaseDelay
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("clihost: gateway connection lost: %v, reconnecting in %v", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *GatewayClient) connectAndServe(ctx context.Context) error {
	endpoint, err := socketEndpoint(c.gatewayURL)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.authenticate(); err != nil {
		return err
	}
	if err := c.manager.Attach(ctx, c); err != nil {
		return err
	}
	logger.Infof("clihost: connected to gateway %s", endpoint)

	for {
		var msg wire.Frame
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.handleFrame(ctx, msg)
	}
}

// authenticate sends the first-frame auth handshake: a signed socket token,
// the device identity and the current session list.
func (c *GatewayClient) authenticate() error {
	token, err := crypto.NewSocketToken(c.crypto.AuthPrivateKey(), c.userID, c.machineID)
	if err != nil {
		return fmt.Errorf("failed to sign socket token: %w", err)
	}

	hostname, _ := os.Hostname()
	return c.Emit("auth", map[string]any{
		"token":         token,
		"authPublicKey": base64.StdEncoding.EncodeToString(c.crypto.AuthPublicKey()),
		"machineId":     c.machineID,
		"hostname":      hostname,
		"sessions":      c.manager.Sessions(),
	})
}

func (c *GatewayClient) handleFrame(ctx context.Context, msg wire.Frame) {
	switch {
	case strings.HasPrefix(msg.Event, "rpc:") && msg.Event != wire.EventRPCResponse:
		var req wire.RPCRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Debugf("clihost: malformed %s frame: %v", msg.Event, err)
			return
		}
		// Serve each call on its own goroutine; the router isolates them by
		// request id.
		go c.manager.HandleRequest(ctx, msg.Event, req)

	case msg.Event == wire.EventSessionError:
		logger.Warnf("clihost: gateway reported error: %s", string(msg.Data))

	default:
		logger.Debugf("clihost: ignoring gateway event %q", msg.Event)
	}
}

// socketEndpoint turns the configured gateway URL into the CLI socket URL.
func socketEndpoint(gatewayURL string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", gatewayURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/socket/cli"
	return u.String(), nil
}
