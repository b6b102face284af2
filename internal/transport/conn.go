// Package transport provides the duplex message channel to the voice backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType distinguishes text (JSON) frames from binary (raw PCM) frames
type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

// CloseNormal is the code for a deliberate close
const CloseNormal = websocket.CloseNormalClosure

// Conn is an open duplex channel. ReadMessage must be called from a single
// goroutine; WriteMessage and Close are safe for concurrent use.
type Conn interface {
	ReadMessage() (MessageType, []byte, error)
	WriteMessage(mt MessageType, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens channels
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer dials websocket endpoints with gorilla/websocket
type WSDialer struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
}

// NewWSDialer creates a dialer with the given handshake timeout
func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   16384,
		WriteBufferSize:  16384,
	}
}

// Dial connects to url; the context bounds the whole handshake
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(conn), nil
}

// WSConn adapts a gorilla connection to Conn
type WSConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established gorilla connection, client or server side
func NewConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) ReadMessage() (MessageType, []byte, error) {
	mt, data, err := c.conn.ReadMessage()
	return MessageType(mt), data, err
}

func (c *WSConn) WriteMessage(mt MessageType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(int(mt), data)
}

// Close sends a close frame with code and closes the socket. Only the first
// call has any effect.
func (c *WSConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// CloseCode extracts the peer's close code from a read error
func CloseCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// IsNormalClose reports whether err is a deliberate 1000 close from the peer
func IsNormalClose(err error) bool {
	code, ok := CloseCode(err)
	return ok && code == CloseNormal
}
