package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Error wraps a socket-level failure (refused, reset, timeout). It is always
// non-fatal: the supervisor reacts by reconnecting, callers never crash on it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Credentials is the opaque identity supplied by the authentication
// collaborator. Re-requested on every reconnect.
type Credentials struct {
	Token  string
	UserID string
	Role   string
}

// Handlers receive raw connection events. All callbacks fire from the
// connection's single read goroutine, never concurrently.
type Handlers struct {
	OnFrame  func(data []byte)
	OnClosed func(code int, reason string)
	OnError  func(err error)
}

// Conn is one physical connection. Send is only valid until the connection
// reports closure; errors after that come back as *Error.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens connections. The supervisor holds this interface so tests can
// substitute a fake wire.
type Dialer interface {
	Dial(ctx context.Context, url string, creds Credentials, h Handlers) (Conn, error)
}

// WebSocketDialer dials the chat backend over a websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// NewWebSocketDialer creates a dialer with the given handshake timeout.
func NewWebSocketDialer(handshakeTimeout time.Duration, logger *zap.Logger) *WebSocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketDialer{HandshakeTimeout: handshakeTimeout, Logger: logger}
}

// Dial opens the websocket and starts the read loop. Credentials travel as
// headers on the upgrade request.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, creds Credentials, h Handlers) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	header.Set("X-User-ID", creds.UserID)
	header.Set("X-User-Role", creds.Role)

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	c := &wsConn{ws: ws, handlers: h, logger: d.Logger}
	go c.readLoop()
	return c, nil
}

// wsConn owns exactly one websocket. Writes are serialized with a mutex;
// reads happen on the single readLoop goroutine.
type wsConn struct {
	ws       *websocket.Conn
	handlers Handlers

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
	logger  *zap.Logger
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeMu.Lock()
			wasClosed := c.closed
			c.closed = true
			c.closeMu.Unlock()
			if wasClosed {
				// Local Close already ran; nothing to report.
				return
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				if c.handlers.OnClosed != nil {
					c.handlers.OnClosed(ce.Code, ce.Text)
				}
			} else if c.handlers.OnError != nil {
				c.handlers.OnError(&Error{Op: "read", Err: err})
			}
			return
		}
		if c.handlers.OnFrame != nil {
			c.handlers.OnFrame(data)
		}
	}
}
