// ABOUTME: Accepts inbound agent transports and performs the name handshake.
// ABOUTME: Registers each identified agent with the Manager and notifies a hook.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/2389/fleet-manager/internal/metrics"
	"github.com/2389/fleet-manager/internal/protocol"
)

// Handshake failures.
var (
	ErrEmptyHandshake = errors.New("agent sent no name")
	ErrInvalidName    = errors.New("agent name contains whitespace")
)

// ListenerConfig holds the timing and sizing used for accepted agents.
type ListenerConfig struct {
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration
	MaxMessageSize   int

	// OnRegister is called after an agent has been added to the Manager.
	OnRegister func(ctx context.Context, conn *Connection)
}

// Listener runs the accept loop for agent control connections.
type Listener struct {
	ln      net.Listener
	mgr     *Manager
	cfg     ListenerConfig
	backoff *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewListener creates a Listener on an already bound socket.
func NewListener(ln net.Listener, mgr *Manager, cfg ListenerConfig, logger *slog.Logger, m *metrics.Metrics) (*Listener, error) {
	if cfg.HandshakeTimeout <= 0 {
		return nil, fmt.Errorf("handshake timeout must be positive")
	}
	if cfg.IOTimeout <= 0 {
		return nil, ErrTimeoutRequired
	}
	return &Listener{
		ln:  ln,
		mgr: mgr,
		cfg: cfg,
		// at most 10 accept retries per second after transient failures
		backoff: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		logger:  logger.With("component", "listener"),
		metrics: m,
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the socket is closed.
// It returns nil on a clean shutdown and waits for in-flight handshakes.
func (l *Listener) Serve(ctx context.Context) error {
	l.logger.Info("listening for agents", "addr", l.ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
	})
	defer stop()
	defer l.wg.Wait()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info("agent listener stopped")
				return nil
			}
			l.logger.Warn("accept failed", "error", err)
			if werr := l.backoff.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	name, err := l.handshake(ctx, conn)
	if err != nil {
		l.metrics.ObserveHandshake("rejected")
		l.logger.Warn("discarding connection", "remote_addr", remote, "error", err)
		_ = conn.Close()
		return
	}

	agentConn, err := NewConnection(ConnectionParams{
		Name:           name,
		Conn:           conn,
		IOTimeout:      l.cfg.IOTimeout,
		MaxMessageSize: l.cfg.MaxMessageSize,
		Logger:         l.logger,
	})
	if err != nil {
		l.metrics.ObserveHandshake("rejected")
		l.logger.Error("creating connection", "agent", name, "error", err)
		_ = conn.Close()
		return
	}

	l.logger.Info("establishing connection with agent", "agent", name, "remote_addr", remote)
	l.mgr.Add(agentConn)
	l.metrics.ObserveHandshake("accepted")

	if l.cfg.OnRegister != nil {
		l.cfg.OnRegister(ctx, agentConn)
	}
}

// handshake performs the single bounded read that carries the agent name.
func (l *Listener) handshake(ctx context.Context, conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, protocol.HandshakeBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = ErrEmptyHandshake
		}
		return "", fmt.Errorf("reading handshake: %w", err)
	}
	if err != nil {
		return "", fmt.Errorf("reading handshake: %w", err)
	}

	name, err := ParseName(buf[:n])
	if err != nil {
		return "", err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	return name, nil
}

// ParseName extracts the agent name from a handshake payload. Surrounding
// whitespace is trimmed; empty names and names with inner whitespace are
// rejected because operators address agents by a single token.
func ParseName(payload []byte) (string, error) {
	name := strings.TrimSpace(string(payload))
	if name == "" {
		return "", ErrEmptyHandshake
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
