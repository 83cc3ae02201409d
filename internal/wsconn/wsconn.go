// Package wsconn adapts gorilla/websocket connections to the message-oriented
// connection used by the registry and the feed handlers.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpalmerr/regadera/internal/registry"
)

// DefaultMaxFrameBytes is the inbound frame size limit when none is configured.
const DefaultMaxFrameBytes = 4096

const closeGracePeriod = time.Second

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = registry.ErrClosed

// Upgrader turns HTTP requests into [*Conn] values.
type Upgrader struct {
	upgrader      websocket.Upgrader
	maxFrameBytes int64
}

// NewUpgrader creates an [Upgrader]. A non-positive maxFrameBytes selects
// [DefaultMaxFrameBytes].
//
// Any origin is accepted; the endpoints carry no credentials.
func NewUpgrader(maxFrameBytes int64) *Upgrader {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxFrameBytes: maxFrameBytes,
	}
}

// Upgrade completes the websocket handshake. On failure a response has
// already been written to w.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return New(ws, u.maxFrameBytes), nil
}

// Conn is a websocket connection with a stable identity.
//
// Send and Close are safe for concurrent use. Receive must only be called
// from one goroutine at a time.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps ws. Inbound frames larger than maxFrameBytes end the connection;
// zero disables the limit.
func New(ws *websocket.Conn, maxFrameBytes int64) *Conn {
	if maxFrameBytes > 0 {
		ws.SetReadLimit(maxFrameBytes)
	}
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		closed: make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Send writes msg as a single text frame. The context deadline, if any,
// bounds the write.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Receive blocks until the next data frame arrives.
//
// It returns [ErrClosed] when either side closed the connection
// normally and ctx.Err() when ctx ends first. A cancelled Receive leaves the
// connection unusable for further reads.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err == nil {
		return data, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case c.isClosed():
		return nil, ErrClosed
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		return nil, ErrClosed
	case errors.Is(err, websocket.ErrReadLimit):
		return nil, fmt.Errorf("frame exceeds size limit: %w", err)
	default:
		return nil, fmt.Errorf("reading message: %w", err)
	}
}

// Close sends a close frame and releases the connection. Safe to call more
// than once; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
