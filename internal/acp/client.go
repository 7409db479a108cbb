// ABOUTME: Transport adapter for one agent endpoint: websocket streaming with HTTP fallback.
// ABOUTME: Owns the handshake, heartbeat loop, receive loop, and request/response correlation.

package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionFailed indicates both transports to an agent endpoint were exhausted.
var ErrConnectionFailed = errors.New("connection failed")

// ErrTimeout indicates no response arrived within the request deadline.
var ErrTimeout = errors.New("request timed out")

// Client is the transport adapter for a single agent endpoint. It prefers a
// streaming websocket session and falls back to request/response HTTP when
// the stream cannot be established. A Client never reconnects on its own;
// after a failure a fresh Connect is required.
type Client struct {
	AgentID  string
	Endpoint string

	mu            sync.RWMutex
	status        Status
	ws            *websocket.Conn
	fallback      bool
	pending       map[string]chan map[string]any
	lastHeartbeat time.Time

	// writeMu serializes websocket writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	httpClient      *http.Client
	heartbeatCancel context.CancelFunc
	loops           sync.WaitGroup
	logger          *slog.Logger

	handshakeReplyTimeout time.Duration
	heartbeatInterval     time.Duration
	healthWindow          time.Duration
}

// ClientConfig configures a transport adapter. Zero timing fields fall back
// to the protocol defaults (10s handshake reply, 30s heartbeat, 120s health).
type ClientConfig struct {
	AgentID  string
	Endpoint string
	Logger   *slog.Logger

	HandshakeReplyTimeout time.Duration
	HeartbeatInterval     time.Duration
	HealthWindow          time.Duration
}

// NewClient creates a disconnected transport adapter for an agent endpoint.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeReplyTimeout == 0 {
		cfg.HandshakeReplyTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HealthWindow == 0 {
		cfg.HealthWindow = 120 * time.Second
	}
	return &Client{
		AgentID:               cfg.AgentID,
		Endpoint:              strings.TrimSuffix(cfg.Endpoint, "/"),
		status:                StatusDisconnected,
		pending:               make(map[string]chan map[string]any),
		httpClient:            &http.Client{},
		logger:                cfg.Logger,
		handshakeReplyTimeout: cfg.HandshakeReplyTimeout,
		heartbeatInterval:     cfg.HeartbeatInterval,
		healthWindow:          cfg.HealthWindow,
	}
}

// Connect establishes a session with the agent endpoint. The streaming
// transport is attempted first; on any failure the HTTP fallback handshake
// is tried. Both transports failing returns ErrConnectionFailed.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) error {
	c.setStatus(StatusConnecting)

	if err := c.connectWebsocket(ctx, timeout); err == nil {
		c.logger.Info("websocket session established", "agent_id", c.AgentID, "endpoint", c.Endpoint)
		return nil
	} else {
		c.logger.Warn("websocket connection failed, trying HTTP fallback",
			"agent_id", c.AgentID,
			"error", err,
		)
	}

	if err := c.connectFallback(ctx, timeout); err != nil {
		c.mu.Lock()
		// Keep a Disconnect that raced the connect attempt authoritative.
		if c.status == StatusConnecting {
			c.status = StatusError
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: agent %s at %s", ErrConnectionFailed, c.AgentID, c.Endpoint)
	}

	c.logger.Info("HTTP fallback session established", "agent_id", c.AgentID, "endpoint", c.Endpoint)
	return nil
}

// connectWebsocket dials the streaming endpoint, performs the readiness
// handshake, and starts the receive and heartbeat loops.
func (c *Client) connectWebsocket(ctx context.Context, timeout time.Duration) error {
	wsURL, err := streamURL(c.Endpoint)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	handshake := NewMessage(TypeHandshake, c.AgentID, HandshakePayload())
	data, err := handshake.Encode()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return fmt.Errorf("sending handshake: %w", err)
	}

	// The handshake reply gets a short sub-timeout of its own.
	if err := conn.SetReadDeadline(time.Now().Add(c.handshakeReplyTimeout)); err != nil {
		_ = conn.Close()
		return err
	}
	_, replyData, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("awaiting handshake reply: %w", err)
	}
	reply, err := Decode(replyData)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake reply: %w", err)
	}
	if reply.Type != TypeHandshake || !ReadyHandshake(reply.Payload) {
		_ = conn.Close()
		return fmt.Errorf("%w: agent did not declare readiness", ErrProtocol)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return err
	}

	// Session publication and loop startup happen in one critical section;
	// a Disconnect that won the race aborts the connect here.
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: session torn down during connect", ErrConnectionFailed)
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	c.ws = conn
	c.fallback = false
	c.status = StatusConnected
	c.heartbeatCancel = cancel
	c.loops.Add(2)
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(hbCtx)
	return nil
}

// connectFallback performs the HTTP handshake against <endpoint>/acp/handshake.
func (c *Client) connectFallback(ctx context.Context, timeout time.Duration) error {
	reply, code, err := c.postJSON(ctx, c.Endpoint+"/acp/handshake", HandshakePayload(), timeout)
	if err != nil {
		return fmt.Errorf("fallback handshake: %w", err)
	}
	if code != http.StatusOK || !ReadyHandshake(reply) {
		return fmt.Errorf("%w: fallback handshake not ready (status %d)", ErrProtocol, code)
	}

	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		return fmt.Errorf("%w: session torn down during connect", ErrConnectionFailed)
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	c.fallback = true
	c.status = StatusConnected
	c.heartbeatCancel = cancel
	c.loops.Add(1)
	c.mu.Unlock()

	go c.heartbeatLoop(hbCtx)
	return nil
}

// SendTaskRequest transmits a task request and waits for the correlated
// response. In streaming mode at most one completion handle exists per
// message id, and it is removed on response, timeout, or teardown. In
// fallback mode the request is a synchronous POST.
func (c *Client) SendTaskRequest(ctx context.Context, taskEndpoint string, parameters map[string]any, timeout time.Duration) (map[string]any, error) {
	c.setStatus(StatusBusy)

	msg := NewMessage(TypeTaskRequest, c.AgentID, map[string]any{
		"endpoint":   taskEndpoint,
		"parameters": parameters,
		"timeout":    timeout.Seconds(),
	})

	c.mu.RLock()
	streaming := c.ws != nil && !c.fallback
	c.mu.RUnlock()

	if !streaming {
		reply, code, err := c.postJSON(ctx, c.Endpoint+"/acp/task", msg.Payload, timeout)
		if err != nil {
			c.setStatus(StatusError)
			return nil, fmt.Errorf("fallback task request: %w", err)
		}
		if code != http.StatusOK {
			c.setStatus(StatusError)
			return nil, fmt.Errorf("%w: fallback task request returned status %d", ErrProtocol, code)
		}
		c.setStatus(StatusReady)
		return reply, nil
	}

	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	c.pending[msg.MessageID] = ch
	c.mu.Unlock()

	if err := c.writeMessage(msg); err != nil {
		c.removePending(msg.MessageID)
		c.setStatus(StatusError)
		return nil, fmt.Errorf("sending task request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: session closed while awaiting response", ErrConnectionFailed)
		}
		c.setStatus(StatusReady)
		return payload, nil
	case <-timer.C:
		c.removePending(msg.MessageID)
		c.setStatus(StatusError)
		return nil, fmt.Errorf("%w: agent %s did not respond within %s", ErrTimeout, c.AgentID, timeout)
	case <-ctx.Done():
		c.removePending(msg.MessageID)
		c.setStatus(StatusError)
		return nil, ctx.Err()
	}
}

// readLoop processes inbound streaming messages strictly in arrival order
// until the connection closes or a read fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.loops.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.Status() != StatusDisconnected {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("websocket closed by agent", "agent_id", c.AgentID)
					c.setStatus(StatusDisconnected)
				} else {
					c.logger.Error("websocket read failed", "agent_id", c.AgentID, "error", err)
					c.setStatus(StatusError)
				}
			}
			c.failPending()
			return
		}

		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", "agent_id", c.AgentID, "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes an inbound message to the handler for its type.
func (c *Client) dispatch(msg *Message) {
	switch msg.Type {
	case TypeTaskResponse:
		c.resolvePending(msg)
	case TypeHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		c.logger.Debug("heartbeat received", "agent_id", c.AgentID)
	case TypeStatusUpdate:
		status, _ := msg.Payload["status"].(string)
		c.logger.Info("agent status update", "agent_id", c.AgentID, "status", status)
	case TypeError:
		errMsg, _ := msg.Payload["error"].(string)
		c.logger.Error("agent reported error", "agent_id", c.AgentID, "error", errMsg)
		c.setStatus(StatusError)
	default:
		c.logger.Debug("unhandled message type", "agent_id", c.AgentID, "type", msg.Type)
	}
}

// resolvePending delivers a task response to its waiting handle and removes it.
func (c *Client) resolvePending(msg *Message) {
	requestID := msg.RequestID()

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request",
			"agent_id", c.AgentID,
			"request_id", requestID,
		)
		return
	}
	ch <- msg.Payload
}

// removePending drops a completion handle without delivering a result.
func (c *Client) removePending(messageID string) {
	c.mu.Lock()
	delete(c.pending, messageID)
	c.mu.Unlock()
}

// failPending removes every completion handle and closes it so waiters
// observe the teardown instead of running out their timeout.
func (c *Client) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// heartbeatLoop sends a heartbeat every interval while the session is live.
// A failed heartbeat marks the session errored and stops the loop.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.loops.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.statusIn(StatusConnected, StatusReady, StatusBusy) {
			return
		}

		if err := c.sendHeartbeat(ctx); err != nil {
			// A cancelled context means Disconnect already owns the status.
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("heartbeat failed", "agent_id", c.AgentID, "error", err)
			c.setStatus(StatusError)
			return
		}

		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
	}
}

// sendHeartbeat transmits one heartbeat over the active transport.
func (c *Client) sendHeartbeat(ctx context.Context) error {
	msg := NewMessage(TypeHeartbeat, c.AgentID, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})

	c.mu.RLock()
	streaming := c.ws != nil && !c.fallback
	c.mu.RUnlock()

	if streaming {
		return c.writeMessage(msg)
	}
	_, code, err := c.postJSON(ctx, c.Endpoint+"/acp/heartbeat", msg.Payload, c.heartbeatInterval)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("heartbeat returned status %d", code)
	}
	return nil
}

// Disconnect tears the session down: the heartbeat loop is cancelled, a
// best-effort shutdown notice is sent, and all pending handles are failed.
// Errors during teardown are swallowed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	conn := c.ws
	cancel := c.heartbeatCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		shutdown := NewMessage(TypeShutdown, c.AgentID, map[string]any{"reason": "server_shutdown"})
		if data, err := shutdown.Encode(); err == nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
		}
		_ = conn.Close()
	}

	c.httpClient.CloseIdleConnections()
	c.failPending()
	c.loops.Wait()

	c.logger.Info("disconnected from agent", "agent_id", c.AgentID)
}

// Connected reports whether the session can accept new requests.
func (c *Client) Connected() bool {
	return c.statusIn(StatusConnected, StatusReady)
}

// IsHealthy reports whether the session is live and heartbeats are recent.
// A session with no heartbeat observed yet counts as healthy.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.status != StatusConnected && c.status != StatusReady {
		return false
	}
	if c.lastHeartbeat.IsZero() {
		return true
	}
	return time.Since(c.lastHeartbeat) < c.healthWindow
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastHeartbeat returns the time of the most recent heartbeat, or the zero
// time if none has been observed.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Client) statusIn(statuses ...Status) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range statuses {
		if c.status == s {
			return true
		}
	}
	return false
}

// writeMessage serializes and writes a message to the websocket.
func (c *Client) writeMessage(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.ws
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: no streaming session", ErrConnectionFailed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// postJSON POSTs a JSON payload and decodes the JSON reply, if any.
func (c *Client) postJSON(ctx context.Context, url string, payload map[string]any, timeout time.Duration) (map[string]any, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	reply := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("%w: decoding response: %v", ErrProtocol, err)
		}
	}
	return reply, resp.StatusCode, nil
}

// streamURL rewrites an HTTP endpoint to its websocket equivalent at /acp.
func streamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/acp"
	return u.String(), nil
}
