package netbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// RemoteError is an error reported by the bus server. It unwraps to the
// sentinel of its class so errors.Is keeps working on the client side.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap returns the class sentinel.
func (e *RemoteError) Unwrap() error {
	return errs.FromKind(e.Kind)
}

// Client is a device.Client talking to a remote bus server.
//
// Calls are serialized over a single connection. After an I/O failure the
// connection is dropped and the next call dials again.
type Client struct {
	addr string
	dial func(ctx context.Context) (net.Conn, error)

	mu     sync.Mutex
	conn   net.Conn
	reader *FrameReader
	writer *FrameWriter
	nextID uint32
	closed bool
}

var _ device.Client = (*Client)(nil)

// NewClient creates a client for the server at addr (host:port).
// No connection is made until the first call.
func NewClient(addr string) *Client {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	return &Client{
		addr: addr,
		dial: func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// NewClientConn creates a client over an established connection.
// The client does not redial once conn fails.
func NewClientConn(conn net.Conn) *Client {
	c := &Client{addr: conn.RemoteAddr().String()}
	c.dial = func(context.Context) (net.Conn, error) {
		return nil, fmt.Errorf("connection to %s lost", c.addr)
	}
	c.attach(conn)
	return c
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.reader = NewFrameReader(conn)
	c.writer = NewFrameWriter(conn)
}

// Close closes the connection. Subsequent calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Properties implements device.Client.
func (c *Client) Properties(ctx context.Context, deviceName, vector, element string) ([]device.Property, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpProperties, Device: deviceName, Vector: vector, Element: element})
	if err != nil {
		return nil, err
	}
	return fromWireProperties(resp.Properties), nil
}

// SetProperty implements device.Client.
func (c *Client) SetProperty(ctx context.Context, deviceName, vector, element, value string) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpSetProperty, Device: deviceName, Vector: vector, Element: element, Value: value})
	return err
}

// Shoot implements device.Client.
func (c *Client) Shoot(ctx context.Context, deviceName string, seconds float64) (device.RawFrame, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpShoot, Device: deviceName, Seconds: seconds})
	if err != nil {
		return device.RawFrame{}, err
	}
	if resp.Frame == nil {
		return device.RawFrame{}, fmt.Errorf("%w: shoot on %q returned no frame", errs.ErrBackend, deviceName)
	}
	return fromWireFrame(resp.Frame)
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: client closed", errs.ErrBackend)
	}
	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, err)
		}
		debug.Verbose("netbus: connected to %s", c.addr)
		c.attach(conn)
	}

	c.nextID++
	req.ID = c.nextID
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 {
			req.TimeoutMs = uint32(ms)
		}
	}

	data, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	conn := c.conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// Unblock I/O on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	debug.Trace("netbus: -> id=%d op=%d %s %s.%s", req.ID, req.Op, req.Device, req.Vector, req.Element)
	if err := c.writer.WriteFrame(data); err != nil {
		return nil, c.fail(ctx, err)
	}
	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			return nil, c.fail(ctx, err)
		}
		resp, err := DecodeResponse(payload)
		if err != nil {
			return nil, c.fail(ctx, err)
		}
		if resp.ID != req.ID {
			// Late answer to an abandoned request.
			debug.Verbose("netbus: discarding stale response id=%d (want %d)", resp.ID, req.ID)
			continue
		}
		debug.Trace("netbus: <- id=%d kind=%q", resp.ID, resp.ErrKind)
		if resp.ErrKind != "" {
			return nil, &RemoteError{Kind: resp.ErrKind, Message: resp.ErrMsg}
		}
		return resp, nil
	}
}

// fail drops the connection and prefers the context error when the
// context ended the call.
func (c *Client) fail(ctx context.Context, err error) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("netbus %s: %w", c.addr, err)
}
