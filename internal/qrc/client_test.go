package qrc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/qrc-bridge/internal/config"
)

// fakeCore is a minimal QRC-speaking WebSocket server used to exercise the
// client without a real Q-SYS Core.
type fakeCore struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	// respond, if set, overrides the default echo-success behavior.
	respond func(req Request) Response
}

func newFakeCore(t *testing.T) *fakeCore {
	t.Helper()
	fc := &fakeCore{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.handle))
	return fc
}

func (fc *fakeCore) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		var resp Response
		if fc.respond != nil {
			resp = fc.respond(req)
		} else {
			resp = Response{JSONRPC: "2.0", ID: &req.ID, Result: json.RawMessage(`true`)}
		}
		out, _ := json.Marshal(resp)
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (fc *fakeCore) wsURL() (host string, port int) {
	u := strings.TrimPrefix(fc.server.URL, "http://")
	parts := strings.SplitN(u, ":", 2)
	p, _ := strconv.Atoi(parts[1])
	return parts[0], p
}

func (fc *fakeCore) Close() { fc.server.Close() }

func testTransportConfig(host string, port int) config.TransportConfig {
	return config.TransportConfig{
		Host:                host,
		Port:                port,
		ConnectionTimeoutMs: 2000,
		CommandTimeoutMs:    1000,
		HeartbeatIntervalMs: 60000,
		EnableHeartbeat:     false,
	}
}

func TestClient_ConnectAndSendCommand(t *testing.T) {
	fc := newFakeCore(t)
	defer fc.Close()
	host, port := fc.wsURL()

	c := New(testTransportConfig(host, port), nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	result, err := c.SendCommand(context.Background(), "NoOp", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "true", string(result))
}

func TestClient_SendCommandTimesOutWithoutResponse(t *testing.T) {
	fc := newFakeCore(t)
	defer fc.Close()
	fc.respond = func(req Request) Response {
		time.Sleep(2 * time.Second)
		return Response{JSONRPC: "2.0", ID: &req.ID, Result: json.RawMessage(`true`)}
	}
	host, port := fc.wsURL()

	cfg := testTransportConfig(host, port)
	cfg.CommandTimeoutMs = 100
	c := New(cfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	_, err := c.SendCommand(context.Background(), "NoOp", map[string]any{})
	require.Error(t, err)
}

func TestClient_NullIDResponseMatchesOldestPending(t *testing.T) {
	fc := newFakeCore(t)
	defer fc.Close()
	fc.respond = func(req Request) Response {
		return Response{JSONRPC: "2.0", ID: nil, Result: json.RawMessage(`"matched"`)}
	}
	host, port := fc.wsURL()

	c := New(testTransportConfig(host, port), nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	result, err := c.SendCommand(context.Background(), "Status.Get", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, `"matched"`, string(result))
}

func TestClient_RequestIDsNeverZeroOrReused(t *testing.T) {
	c := New(config.TransportConfig{}, nil, nil)
	c.pending = make(map[uint64]chan *Response)

	seen := make(map[uint64]bool)
	for i := 0; i < 5; i++ {
		id := c.nextRequestID()
		assert.NotEqual(t, uint64(0), id)
		assert.False(t, seen[id], "id reused: %d", id)
		seen[id] = true
		c.pending[id] = make(chan *Response, 1)
	}
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	fc := newFakeCore(t)
	defer fc.Close()
	host, port := fc.wsURL()

	c := New(testTransportConfig(host, port), nil, nil)
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.Connected())
}
