package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus/internal/auth"
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("client send buffer full")
	errUnknownFrame   = errors.New("unknown frame type")
	errMalformedFrame = errors.New("malformed frame")
)

// Client is one authenticated WebSocket connection. It implements
// registry.Sender: Send enqueues onto the outbound buffer drained by the
// write pump and never blocks.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	userID   string
	deviceID string
	// connID is assigned by the hub before the pumps start.
	connID string

	mu     sync.Mutex
	closed bool

	cfg         Config
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

// NewClient creates a Client for an upgraded connection.
func NewClient(conn *websocket.Conn, hub *Hub, id auth.Identity, addr string, cfg Config) *Client {
	cfg = sanitizeConfig(cfg)
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		hub:         hub,
		addr:        addr,
		userID:      id.UserID,
		deviceID:    id.DeviceID,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg.RateLimit),
		logger:      hub.logger.With("user_id", id.UserID, "addr", addr),
	}
}

// Send enqueues payload for the write pump.
func (c *Client) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close force-closes the underlying connection. The read pump then exits and
// the hub detaches the client.
func (c *Client) Close() error {
	c.closeConnection()
	return nil
}

// closeSend closes the outbound buffer once; the write pump then sends a
// close frame and stops.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", "error", err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError logs why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.cfg.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		// Includes a missed pong: the read deadline expired.
		c.logger.Info("websocket read ended", "error", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.logger.Warn("rate limit exceeded; discarding frame",
		"burst", c.cfg.RateLimit.Burst, "refill_interval", c.cfg.RateLimit.RefillInterval)
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.closeConnection()
	}()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic in read pump", "panic", r)
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.replyError("", codeRateLimited, "too many messages")
			continue
		}

		c.handleFrame(c.hub.ctx, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	// One frame per WebSocket message; clients parse each message as JSON.
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error writing close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping", "error", err)
		}
		return false
	}
	return true
}
