// ABOUTME: UDP discovery broadcast announcing the manager's control port.
// ABOUTME: Provides the sender used by the manager and the receiver used by agents.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/2389/fleet-manager/internal/metrics"
)

// DefaultPort is the fixed UDP port agents listen on for announcements.
const DefaultPort = 8888

// PayloadPrefix starts every announcement.
const PayloadPrefix = "agentSearch/"

// ErrInvalidPayload indicates a datagram that is not an announcement.
var ErrInvalidPayload = errors.New("not a discovery announcement")

// Payload builds the announcement for the given manager port.
func Payload(serverPort int) string {
	return PayloadPrefix + strconv.Itoa(serverPort)
}

// ParsePayload extracts the manager port from an announcement.
func ParsePayload(payload string) (int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(payload), PayloadPrefix)
	if !ok {
		return 0, ErrInvalidPayload
	}
	port, err := strconv.Atoi(rest)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrInvalidPayload, rest)
	}
	return port, nil
}

// Config describes where announcements are sent.
type Config struct {
	Port          int
	BroadcastAddr string
	Timeout       time.Duration
}

// Broadcaster sends discovery announcements.
type Broadcaster struct {
	target  string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBroadcaster creates a Broadcaster. Zero values fall back to the
// limited broadcast address, DefaultPort and a two second write timeout.
func NewBroadcaster(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = net.IPv4bcast.String()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Broadcaster{
		target:  net.JoinHostPort(cfg.BroadcastAddr, strconv.Itoa(cfg.Port)),
		timeout: cfg.Timeout,
		logger:  logger.With("component", "discovery"),
		metrics: m,
	}
}

// Target returns the host:port announcements are sent to.
func (b *Broadcaster) Target() string {
	return b.target
}

// Send broadcasts one announcement for serverPort.
func (b *Broadcaster) Send(ctx context.Context, serverPort int) error {
	dst, err := net.ResolveUDPAddr("udp4", b.target)
	if err != nil {
		return fmt.Errorf("resolving broadcast address: %w", err)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("opening udp socket: %w", err)
	}
	defer pc.Close()

	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	msg := Payload(serverPort)
	if _, err := pc.WriteTo([]byte(msg), dst); err != nil {
		return fmt.Errorf("sending announcement: %w", err)
	}
	b.logger.Info("broadcast discovery announcement", "target", b.target, "message", msg)
	return nil
}

// Announce broadcasts like Send but only logs failures. Discovery problems
// never stop the manager.
func (b *Broadcaster) Announce(ctx context.Context, serverPort int) {
	if err := b.Send(ctx, serverPort); err != nil {
		b.metrics.ObserveAnnouncement("failed")
		b.logger.Warn("discovery broadcast failed", "target", b.target, "error", err)
		return
	}
	b.metrics.ObserveAnnouncement("sent")
}

// Announcement is a received discovery datagram.
type Announcement struct {
	ServerPort int
	From       *net.UDPAddr
}

// ServerAddr is the manager control address derived from the sender.
func (a Announcement) ServerAddr() string {
	return net.JoinHostPort(a.From.IP.String(), strconv.Itoa(a.ServerPort))
}

// Listen receives announcements on addr (for example ":8888") and calls fn
// for each valid one until ctx is cancelled. Invalid datagrams are skipped.
func Listen(ctx context.Context, addr string, logger *slog.Logger, fn func(Announcement)) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("listening for announcements: %w", err)
	}
	return Serve(ctx, pc, logger, fn)
}

// Serve is Listen on an already bound socket. It closes pc on return.
func Serve(ctx context.Context, pc net.PacketConn, logger *slog.Logger, fn func(Announcement)) error {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer pc.Close()

	buf := make([]byte, 512)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading announcement: %w", err)
		}

		port, err := ParsePayload(string(buf[:n]))
		if err != nil {
			logger.Debug("ignoring datagram", "from", from.String(), "error", err)
			continue
		}
		udpFrom, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		fn(Announcement{ServerPort: port, From: udpFrom})
	}
}
