package listen

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the client side of a session: one inbound message per Read and
// serialized text writes.
type Conn interface {
	// Read returns the next message payload. It returns ErrClientGone once
	// the client has closed or dropped the connection.
	Read() ([]byte, error)
	WriteText(data []byte) error
	// Interrupt unblocks a pending Read.
	Interrupt()
	// Close sends a close frame with code and releases the connection.
	Close(code int, reason string) error
}

const connWriteTimeout = 10 * time.Second

// WebsocketConn adapts a gorilla websocket to Conn.
type WebsocketConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{ws: ws}
}

func (c *WebsocketConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if clientGone(err) {
			return nil, ErrClientGone
		}
		return nil, err
	}
	return data, nil
}

// clientGone reports whether a read error means the client closed or
// dropped the connection, including a reset without a close frame.
func clientGone(err error) bool {
	var (
		ce *websocket.CloseError
		oe *net.OpError
	)
	return errors.As(err, &ce) ||
		errors.As(err, &oe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *WebsocketConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketConn) Interrupt() {
	c.ws.SetReadDeadline(time.Now())
}

func (c *WebsocketConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
