// ABOUTME: Represents a single connected agent and its control transport.
// ABOUTME: Serializes request/reply exchanges and bounds each one with a deadline.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-manager/internal/protocol"
)

// ErrTimeoutRequired indicates a connection was created without an I/O deadline.
var ErrTimeoutRequired = errors.New("io timeout must be positive")

// ConnectionParams holds the parameters for creating a Connection.
type ConnectionParams struct {
	Name           string
	Conn           net.Conn
	IOTimeout      time.Duration
	MaxMessageSize int
	Logger         *slog.Logger
}

// Connection represents a connected agent with its TCP transport.
type Connection struct {
	Name        string
	ConnectedAt time.Time

	conn      net.Conn
	codec     *protocol.Codec
	ioTimeout time.Duration
	mu        sync.Mutex // one exchange at a time
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// NewConnection wraps an already handshaken transport.
func NewConnection(p ConnectionParams) (*Connection, error) {
	if p.IOTimeout <= 0 {
		return nil, ErrTimeoutRequired
	}
	if p.Name == "" {
		return nil, errors.New("agent name is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Connection{
		Name:        p.Name,
		ConnectedAt: time.Now(),
		conn:        p.Conn,
		codec:       protocol.NewCodec(p.Conn, p.MaxMessageSize),
		ioTimeout:   p.IOTimeout,
		logger:      logger.With("agent", p.Name),
	}, nil
}

// RemoteAddr returns the peer address as host:port.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// RemoteIP returns the peer host without the port.
func (c *Connection) RemoteIP() string {
	addr := c.RemoteAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Exchange sends req and waits for the reply. The exchange is bounded by
// the connection's I/O timeout or the context deadline, whichever comes
// first, and is aborted when ctx is cancelled.
//
// Errors are *protocol.TransportError (connection unusable),
// *protocol.ProtocolError (reply rejected, connection still usable), or the
// bare context error when ctx was done before anything was sent.
func (c *Connection) Exchange(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Nothing was sent yet, so the stream is still in sync.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, &protocol.TransportError{Agent: c.Name, Op: "set deadline", Err: err}
	}
	// A deadline in the past unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.logger.Debug("sending request", "request", req.String())

	if err := c.codec.Encode(req); err != nil {
		return nil, c.classify(ctx, err)
	}
	resp, err := c.codec.Decode()
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	c.logger.Debug("received reply", "request", req.String(), "response", string(resp.Value))
	return resp, nil
}

// classify stamps the agent name and reports cancellation instead of the
// synthetic deadline error it caused.
func (c *Connection) classify(ctx context.Context, err error) error {
	var te *protocol.TransportError
	if errors.As(err, &te) && ctx.Err() != nil {
		te.Err = fmt.Errorf("%w (%v)", ctx.Err(), te.Err)
	}
	return protocol.WithAgent(err, c.Name)
}

// Close closes the transport. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
