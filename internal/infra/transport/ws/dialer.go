package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Close codes used by the channel.
const (
	CloseNormal    = int(websocket.StatusNormalClosure)
	CloseGoingAway = int(websocket.StatusGoingAway)
	CloseAbnormal  = int(websocket.StatusAbnormalClosure)
)

// Conn is one established duplex channel.
type Conn interface {
	// Read blocks for the next data frame. A peer close is reported as *CloseError.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// CloseError reports the close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code=%d reason=%q", e.Code, e.Reason)
}

// CoderDialer dials with github.com/coder/websocket.
type CoderDialer struct {
	// ReadLimit caps inbound frame size in bytes; zero keeps the library default.
	ReadLimit int64
	Options   *websocket.DialOptions
}

// Dial implements Dialer.
func (d CoderDialer) Dial(ctx context.Context, target string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, target, d.Options)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &coderConn{conn: conn}, nil
}

type coderConn struct {
	conn *websocket.Conn
}

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *coderConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
