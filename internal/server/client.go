package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/cohortchat/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errRateLimited = errors.New("rate limit exceeded, slow down")

// Client is one WebSocket connection. It implements relay.Conn: the hub
// queues frames with Send and the write pump drains them.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *relay.Hub
	addr   string
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for an upgraded connection.
func NewClient(conn *websocket.Conn, hub *relay.Hub, addr string, cfg Config, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		logger:         logger.With("conn", id, "remote", addr),
		send:           make(chan []byte, cfg.SendBufferSize),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues a frame without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the
// connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// setupReadConnection arms the pong deadline.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", "error", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

// checkRateLimit takes a token for one inbound frame.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Info("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processMessage decodes one frame and hands it to the hub. Invalid frames
// are answered with an error event queued through the hub, behind replies
// to earlier frames. It returns false once the hub is gone.
func (c *Client) processMessage(raw []byte) bool {
	ev, err := relay.Decode(raw)
	if err != nil {
		c.logger.Debug("rejected inbound frame", "error", err)
		return c.reject(err)
	}

	if err := c.hub.Dispatch(c, ev); err != nil {
		c.logger.Debug("hub stopped accepting events", "error", err)
		return false
	}
	return true
}

func (c *Client) reject(err error) bool {
	if hubErr := c.hub.Reject(c, err); hubErr != nil {
		c.logger.Debug("hub stopped accepting events", "error", hubErr)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Detach(c)
		_ = c.Close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			if !c.reject(errRateLimited) {
				return
			}
			continue
		}

		if !c.processMessage(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent handles one queued frame or ping tick. It returns false
// when the pump should exit.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection in writePump", "error", err)
	}
}

// handleMessage writes a frame, or the close message once Close was called.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", "error", err)
	}
	return false
}

// writeTextMessage writes a frame and any frames queued behind it as one
// newline-separated text message.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Debug("error creating writer", "error", err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.logger.Debug("error writing message", "error", err)
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.logger.Debug("error closing writer", "error", err)
		return false
	}
	return true
}

// writeQueuedMessages drains the frames already queued. A closed channel
// ends the batch early; the next select observes it.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.logger.Debug("error writing newline", "error", err)
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.logger.Debug("error writing queued message", "error", err)
			return false
		}
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping message", "error", err)
		return false
	}
	return true
}
