// Package wstest provides scripted in-memory channel fakes for tests.
package wstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
)

// ErrClosed is returned by writes on a closed fake connection.
var ErrClosed = errors.New("wstest: connection closed")

// Conn is an in-memory ws.Conn. The test plays the server side.
type Conn struct {
	inbound chan []byte
	done    chan struct{}
	writes  chan []byte

	mu          sync.Mutex
	closed      bool
	readErr     error
	closeCode   int
	closeReason string
	sent        [][]byte
	writeErr    error
}

// NewConn returns an open fake connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
		writes:  make(chan []byte, 64),
	}
}

// Push queues a server frame for the client to read.
func (c *Conn) Push(frame string) {
	c.inbound <- []byte(frame)
}

// RemoteClose simulates the server closing the channel with a close frame.
func (c *Conn) RemoteClose(code int, reason string) {
	c.terminate(&ws.CloseError{Code: code, Reason: reason}, 0, "")
}

// Drop simulates an abrupt network failure.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = errors.New("wstest: connection reset")
	}
	c.terminate(err, 0, "")
}

// FailWrites makes every later write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Read implements ws.Conn. Queued frames are delivered before a close.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements ws.Conn.
func (c *Conn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	c.sent = append(c.sent, frame)
	c.mu.Unlock()
	select {
	case c.writes <- frame:
	default:
	}
	return nil
}

// Close implements ws.Conn.
func (c *Conn) Close(code int, reason string) error {
	c.terminate(&ws.CloseError{Code: code, Reason: reason}, code, reason)
	return nil
}

func (c *Conn) terminate(readErr error, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = readErr
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

// Sent returns every frame written by the client.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// NextWrite waits for the next client frame.
func (c *Conn) NextWrite(timeout time.Duration) ([]byte, bool) {
	select {
	case frame := <-c.writes:
		return frame, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Done is closed once either side closes the connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ClosedBy returns the close code and reason issued by the client, if it closed the connection.
func (c *Conn) ClosedBy() (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closed && c.closeCode != 0
}

// Dialer hands out scripted connections or errors in order.
type Dialer struct {
	mu      sync.Mutex
	steps   []step
	targets []string
}

type step struct {
	conn *Conn
	err  error
}

// NewDialer returns a dialer with an empty script.
func NewDialer() *Dialer {
	return &Dialer{}
}

// QueueConn scripts a successful dial returning conn.
func (d *Dialer) QueueConn(conn *Conn) *Conn {
	d.mu.Lock()
	d.steps = append(d.steps, step{conn: conn})
	d.mu.Unlock()
	return conn
}

// QueueError scripts a failed dial.
func (d *Dialer) QueueError(err error) {
	d.mu.Lock()
	d.steps = append(d.steps, step{err: err})
	d.mu.Unlock()
}

// Dial implements ws.Dialer. An exhausted script fails the dial.
func (d *Dialer) Dial(ctx context.Context, target string) (ws.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.steps) == 0 {
		return nil, errors.New("wstest: no scripted connection")
	}
	next := d.steps[0]
	d.steps = d.steps[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

// Targets returns every URL dialed so far.
func (d *Dialer) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}
