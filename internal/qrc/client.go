package qrc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/qrc-bridge/internal/circuitbreaker"
	"github.com/ocx/qrc-bridge/internal/config"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
)

// NotificationHandler receives unsolicited server-initiated frames, notably
// ChangeGroup.Poll responses delivered as notifications and EngineStatus
// pushes. method is the QRC method name; params is the raw JSON payload.
type NotificationHandler func(method string, params json.RawMessage)

// ConnectedEvent carries the payload emitted on (re)connect, including
// downtime accounting per the reconnect invariant in §4.3.
type ConnectedEvent struct {
	DowntimeMs                int64
	RequiresCacheInvalidation bool
}

// Client is a JSON-RPC 2.0 client over a TLS WebSocket to one Q-SYS Core.
// It owns the WebSocket connection and the pending-request correlation
// table exclusively — nothing outside this package mutates either.
type Client struct {
	cfg     config.TransportConfig
	logger  *slog.Logger
	breaker *circuitbreaker.CircuitBreaker

	OnNotification func(method string, params json.RawMessage)
	OnConnected    func(ConnectedEvent)
	OnClosed       func(err error)

	mu          sync.Mutex
	conn        *websocket.Conn
	nextID      uint64
	pending     map[uint64]chan *Response
	pendingOrd  []uint64 // insertion order, for null-ID matching (oldest first)
	closing     bool
	closedAt    time.Time
	writeMu     sync.Mutex
	heartbeatDone chan struct{}
}

// New creates a Client. cfg.Credentials are used by Connect's Logon step.
func New(cfg config.TransportConfig, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		breaker: breaker,
		pending: make(map[uint64]chan *Response),
	}
}

// Connect dials the Core, completes the Logon handshake when a user name is
// configured, and starts the read/heartbeat loops. Idempotent: calling Connect while already connected
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	downtimeMs := int64(0)
	c.mu.Lock()
	if !c.closedAt.IsZero() {
		downtimeMs = time.Since(c.closedAt).Milliseconds()
	}
	c.mu.Unlock()

	u := url.URL{Scheme: "wss", Host: fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port), Path: "/qrc-public-api/v0"}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectionTimeout(),
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !c.cfg.StrictTLS},
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout())
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return qrcerr.Wrap(qrcerr.ConnectionFailed, "dial core", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.mu.Unlock()

	if c.cfg.EnableHeartbeat {
		interval := c.heartbeatInterval()
		conn.SetReadDeadline(time.Now().Add(interval + time.Second))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(interval + time.Second))
		})
	}

	go c.readLoop(conn)

	if c.cfg.Credentials.User != "" {
		logonCtx, logonCancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout())
		defer logonCancel()
		if _, err := c.SendCommand(logonCtx, "Logon", LogonParams{
			User:     c.cfg.Credentials.User,
			Password: c.cfg.Credentials.Password,
		}); err != nil {
			c.closeConn(err)
			return qrcerr.Wrap(qrcerr.AuthenticationFailed, "logon rejected", err)
		}
	}

	if c.cfg.EnableHeartbeat {
		c.startHeartbeat()
	}

	requiresInvalidation := downtimeMs > 30_000
	if c.OnConnected != nil {
		c.OnConnected(ConnectedEvent{DowntimeMs: downtimeMs, RequiresCacheInvalidation: requiresInvalidation})
	}
	c.logger.Info("qrc: connected", "host", c.cfg.Host, "downtime_ms", downtimeMs)
	return nil
}

// SendCommand issues a JSON-RPC request and waits for its correlated
// response, honoring ctx's deadline and the configured command timeout,
// whichever is sooner.
func (c *Client) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, qrcerr.New(qrcerr.ConnectionClosed, "not connected")
	}

	id := c.nextRequestID()
	respCh := make(chan *Response, 1)
	c.pending[id] = respCh
	c.pendingOrd = append(c.pendingOrd, id)
	conn := c.conn
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, qrcerr.Wrap(qrcerr.ValidationFailed, "marshal request", err)
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.removePending(id)
		return nil, qrcerr.Wrap(qrcerr.ConnectionFailed, "write request", writeErr)
	}

	timeout := c.cfg.CommandTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, qrcerr.New(qrcerr.ConnectionClosed, "connection closed while awaiting response")
		}
		if resp.Error != nil {
			return nil, qrcerr.New(qrcerr.CommandFailed, fmt.Sprintf("%s: %s", method, resp.Error.Message)).
				WithContext("code", resp.Error.Code)
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, qrcerr.New(qrcerr.Timeout, fmt.Sprintf("%s timed out after %s", method, timeout))
	case <-ctx.Done():
		c.removePending(id)
		return nil, qrcerr.Wrap(qrcerr.Timeout, "context cancelled", ctx.Err())
	}
}

// nextRequestID returns a monotonically increasing correlation ID,
// wrapping safely before 2^53-1 (JSON-safe integer range) and never
// reusing an in-flight ID or returning 0. Must be called with c.mu held.
func (c *Client) nextRequestID() uint64 {
	const maxSafeInteger = uint64(1)<<53 - 1
	for {
		c.nextID++
		if c.nextID == 0 || c.nextID > maxSafeInteger {
			c.nextID = 1
		}
		if _, inUse := c.pending[c.nextID]; !inUse {
			return c.nextID
		}
	}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	for i, pid := range c.pendingOrd {
		if pid == id {
			c.pendingOrd = append(c.pendingOrd[:i], c.pendingOrd[i+1:]...)
			break
		}
	}
}

// readLoop decodes frames and correlates responses. It never blocks on
// anything but the socket read itself, per the concurrency model's
// requirement that the reader's only job is decoding and correlating.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closeConn(err)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("qrc: malformed frame", "error", err)
			continue
		}

		if resp.IsNotification() {
			if c.OnNotification != nil {
				c.OnNotification(resp.Method, resp.Params)
			}
			continue
		}

		c.dispatchResponse(&resp)
	}
}

// dispatchResponse correlates a response frame to its pending request. A
// nil/missing ID (a documented Core wire quirk) is matched to the oldest
// still-pending request.
func (c *Client) dispatchResponse(resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint64
	if resp.ID != nil {
		id = *resp.ID
	} else if len(c.pendingOrd) > 0 {
		id = c.pendingOrd[0]
	} else {
		return
	}

	ch, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	for i, pid := range c.pendingOrd {
		if pid == id {
			c.pendingOrd = append(c.pendingOrd[:i], c.pendingOrd[i+1:]...)
			break
		}
	}

	ch <- resp
	close(ch)
}

// heartbeatInterval returns the configured ping interval, defaulting to
// 15s. The same value bounds how long a missed pong is tolerated before the
// read deadline armed in Connect expires and the connection is torn down.
func (c *Client) heartbeatInterval() time.Duration {
	interval := c.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval
}

func (c *Client) startHeartbeat() {
	interval := c.heartbeatInterval()

	c.mu.Lock()
	c.heartbeatDone = make(chan struct{})
	done := c.heartbeatDone
	conn := c.conn
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval+time.Second))
				c.writeMu.Unlock()
				if err != nil {
					c.closeConn(err)
					return
				}
			}
		}
	}()
}

// closeConn tears down the connection and fails all pending requests with
// CONNECTION_CLOSED. Idempotent: a second call while already closing is a
// no-op, satisfying the disconnect-idempotence invariant.
func (c *Client) closeConn(cause error) {
	c.mu.Lock()
	if c.conn == nil || c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.closedAt = time.Now()
	pending := c.pending
	c.pending = make(map[uint64]chan *Response)
	c.pendingOrd = nil
	heartbeatDone := c.heartbeatDone
	c.heartbeatDone = nil
	c.mu.Unlock()

	if heartbeatDone != nil {
		close(heartbeatDone)
	}

	for _, ch := range pending {
		ch <- nil
		close(ch)
	}

	conn.Close()

	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()

	if c.OnClosed != nil {
		c.OnClosed(cause)
	}
}

// Disconnect closes the connection gracefully. Idempotent.
func (c *Client) Disconnect() {
	c.closeConn(nil)
}

// Connected reports whether the transport currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
