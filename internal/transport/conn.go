package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn wraps one session's WebSocket connection. Each WebSocket message
// is exactly one envelope; the framing the spec calls "length-delimited"
// is inherent in WebSocket's own message boundaries, so no additional
// delimiter is layered on top.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn wraps an already-upgraded WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one outbound envelope. Safe for concurrent use; writes are
// serialized since gorilla/websocket forbids concurrent writers.
func (c *Conn) Send(envType string, payload any) error {
	b, err := Encode(envType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Recv blocks for the next inbound frame and decodes it. It returns the
// concrete inbound type (UserMessage, UISubmit, CallbackInvoke,
// ClientLog) on success, or a *RejectError the caller should log at warn
// and continue past, or a non-Reject error if the connection itself
// failed (caller should end the session).
func (c *Conn) Recv() (any, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
