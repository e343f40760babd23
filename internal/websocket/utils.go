package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// ReadWait bounds the silence tolerated from a client. Any message or
	// pong resets it.
	ReadWait = 2 * time.Minute
	// PingPeriod must stay below ReadWait.
	PingPeriod = 30 * time.Second
)

// Conn serializes writes to a gorilla connection, which allows only one
// concurrent writer.
type Conn struct {
	raw *websocket.Conn
	mu  sync.Mutex
}

// NewConn wraps raw and extends the read deadline on every pong.
func NewConn(raw *websocket.Conn) *Conn {
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(ReadWait))
	})
	return &Conn{raw: raw}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return c.raw.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, msg string) error {
	return c.WriteTyped(ErrorResponse{Event: EventError, Code: code, Error: msg})
}

// Ping sends a control ping.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	_ = c.raw.SetReadDeadline(time.Now().Add(ReadWait))
	return c.raw.ReadJSON(v)
}

// CloseWith sends a close frame with code and reason, then closes the socket.
func (c *Conn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	_ = c.raw.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.raw.Close()
}

// Close closes the socket without a close frame.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// IsClosedNormally reports whether err is an orderly close by the peer.
func IsClosedNormally(err error) bool {
	return !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure)
}
