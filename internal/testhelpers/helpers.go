// Package testhelpers provides common utilities for testing the chat server
// over real HTTP and WebSocket connections.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with TestOrigin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header. An empty
// origin sends no header.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	conn, _, err := DialWebSocket(url, origin)
	return conn, err
}

// DialWebSocket dials url and returns the handshake status code.
func DialWebSocket(url, origin string) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// CloseWebSocket sends a normal close frame and closes conn.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Frame is one decoded server event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Peer wraps a client connection. A background reader splits coalesced
// messages into frames.
type Peer struct {
	t      *testing.T
	Conn   *websocket.Conn
	frames chan Frame
}

// NewPeer connects to the server's /ws endpoint and closes the connection
// when the test ends.
func NewPeer(t *testing.T, serverURL string) *Peer {
	t.Helper()
	conn, err := ConnectWebSocket(WebSocketURL(serverURL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &Peer{t: t, Conn: conn, frames: make(chan Frame, 256)}
	go p.read()
	return p
}

func (p *Peer) read() {
	defer close(p.frames)
	for {
		_, raw, err := p.Conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var f Frame
			if err := json.Unmarshal(line, &f); err != nil {
				f = Frame{Event: "<invalid>", Data: json.RawMessage(strconv.Quote(string(line)))}
			}
			p.frames <- f
		}
	}
}

// Emit sends one event.
func (p *Peer) Emit(event string, data any) {
	p.t.Helper()
	require.NoError(p.t, p.Conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// EmitRaw sends a raw text message.
func (p *Peer) EmitRaw(raw string) {
	p.t.Helper()
	require.NoError(p.t, p.Conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// Next returns the next frame. ok is false on timeout or once the
// connection is closed.
func (p *Peer) Next(timeout time.Duration) (f Frame, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f, ok = <-p.frames:
		return f, ok
	case <-timer.C:
		return Frame{}, false
	}
}

// Expect skips frames until one named event arrives and decodes its data
// into out when out is non-nil.
func (p *Peer) Expect(event string, out any) {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		f, ok := p.Next(time.Until(deadline))
		require.True(p.t, ok, "timed out waiting for %q", event)
		if f.Event != event {
			continue
		}
		if out != nil {
			require.NoError(p.t, json.Unmarshal(f.Data, out))
		}
		return
	}
}

// ExpectNone fails if a frame named event arrives within wait. Other frames
// are discarded.
func (p *Peer) ExpectNone(event string, wait time.Duration) {
	p.t.Helper()
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		f, ok := p.Next(remaining)
		if !ok {
			return
		}
		require.NotEqual(p.t, event, f.Event, "unexpected %q: %s", event, f.Data)
	}
}

// WaitClosed reports whether the server closed the connection within wait.
func (p *Peer) WaitClosed(wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case _, ok := <-p.frames:
			if !ok {
				return true
			}
		case <-time.After(remaining):
			return false
		}
	}
}

// PostJSON sends a JSON request and returns the response.
func PostJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

// MakeRequest sends a bodyless request with a short client timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// DecodeJSON decodes and closes a response body.
func DecodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out), "body: %s", b)
}
