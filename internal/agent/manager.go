// ABOUTME: Registry of connected agents keyed by the name they announced.
// ABOUTME: Owns connection lifecycles and serializes all protocol traffic.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/2389/fleet-manager/internal/metrics"
	"github.com/2389/fleet-manager/internal/protocol"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = protocol.ErrAgentNotFound

// Manager is the name to connection registry.
//
// Two locks are involved. mu guards the map and is held only for single
// map operations, so handshakes never wait on traffic. control is held for
// the entire duration of every request/reply exchange, and for a whole
// health cycle through Exclusive, so no two callers ever talk to agents at
// the same time.
type Manager struct {
	agents  map[string]*Connection
	mu      sync.RWMutex
	control *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a new Manager instance. m may be nil.
func NewManager(logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		agents:  make(map[string]*Connection),
		control: semaphore.NewWeighted(1),
		logger:  logger,
		metrics: m,
	}
}

// Add registers conn under its name. An existing connection with the same
// name is replaced and closed.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	old, replaced := m.agents[conn.Name]
	m.agents[conn.Name] = conn
	total := len(m.agents)
	m.mu.Unlock()

	m.metrics.SetAgentsConnected(total)

	if replaced && old != conn {
		_ = old.Close()
		m.logger.Warn("agent reconnected, replaced previous connection",
			"agent", conn.Name,
			"old_addr", old.RemoteAddr(),
			"new_addr", conn.RemoteAddr(),
		)
	}
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent", conn.Name,
		"remote_addr", conn.RemoteAddr(),
		"total_agents", total,
	)
}

// Remove unregisters and closes the named agent. Unknown names are ignored.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	conn, ok := m.agents[name]
	if ok {
		delete(m.agents, name)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if ok {
		m.closeRemoved(conn, total, "removed")
	}
}

// removeConn unregisters name only while it still maps to conn, so an
// agent that re-handshook in the meantime keeps its new connection. It
// reports false when a different connection is registered under name.
func (m *Manager) removeConn(name string, conn *Connection, reason string) bool {
	m.mu.Lock()
	current, ok := m.agents[name]
	if ok && current == conn {
		delete(m.agents, name)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if ok && current == conn {
		m.closeRemoved(conn, total, reason)
		return true
	}
	_ = conn.Close()
	return !ok
}

func (m *Manager) closeRemoved(conn *Connection, total int, reason string) {
	_ = conn.Close()
	m.metrics.SetAgentsConnected(total)
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent", conn.Name,
		"remote_addr", conn.RemoteAddr(),
		"reason", reason,
		"total_agents", total,
	)
}

// IsConnected reports whether an agent with the given name is registered.
func (m *Manager) IsConnected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[name]
	return ok
}

// List returns a sorted snapshot of registered agent names.
func (m *Manager) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// RemoteAddress returns the peer address of the named agent.
func (m *Manager) RemoteAddress(name string) (string, error) {
	conn, ok := m.get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return conn.RemoteAddr(), nil
}

// RemoteIP returns the peer host of the named agent, or "" if unknown.
func (m *Manager) RemoteIP(name string) string {
	conn, ok := m.get(name)
	if !ok {
		return ""
	}
	return conn.RemoteIP()
}

func (m *Manager) get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.agents[name]
	return conn, ok
}

// Request performs one request/reply exchange with the named agent.
// Transport failures remove the agent; protocol failures leave it
// registered.
func (m *Manager) Request(ctx context.Context, name string, req protocol.Request) (*protocol.Response, error) {
	if err := m.control.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.control.Release(1)
	return m.exchange(ctx, name, req)
}

// Ping sends a ping and requires a "pong" reply.
func (m *Manager) Ping(ctx context.Context, name string) error {
	if err := m.control.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.control.Release(1)
	return m.ping(ctx, name)
}

// Exclusive runs fn while holding the traffic lock, blocking every other
// Request and Ping until fn returns.
func (m *Manager) Exclusive(ctx context.Context, fn func(s *Session)) error {
	if err := m.control.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.control.Release(1)
	fn(&Session{m: m})
	return nil
}

func (m *Manager) exchange(ctx context.Context, name string, req protocol.Request) (*protocol.Response, error) {
	conn, ok := m.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return m.exchangeConn(ctx, conn, req)
}

func (m *Manager) exchangeConn(ctx context.Context, conn *Connection, req protocol.Request) (*protocol.Response, error) {
	name := conn.Name
	resp, err := conn.Exchange(ctx, req)
	switch {
	case err == nil:
		m.metrics.ObserveRequest(req.Cmd, "ok")
	case protocol.IsTransport(err):
		// An interrupted exchange loses the reply boundary too, so the
		// connection goes even when the cause was our own cancellation.
		m.metrics.ObserveRequest(req.Cmd, "transport_error")
		m.logger.Warn("agent transport failed", "agent", name, "request", req.String(), "error", err)
		m.removeConn(name, conn, "transport error")
	case protocol.IsProtocol(err):
		m.metrics.ObserveRequest(req.Cmd, "protocol_error")
		m.logger.Warn("agent sent invalid reply", "agent", name, "request", req.String(), "error", err)
	default:
		m.metrics.ObserveRequest(req.Cmd, "cancelled")
	}
	return resp, err
}

func (m *Manager) ping(ctx context.Context, name string) error {
	conn, ok := m.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return m.pingConn(ctx, conn)
}

func (m *Manager) pingConn(ctx context.Context, conn *Connection) error {
	resp, err := m.exchangeConn(ctx, conn, protocol.Ping())
	if err != nil {
		return err
	}
	return protocol.WithAgent(resp.Expect(protocol.ReplyPong), conn.Name)
}

// Close closes and unregisters every agent.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.agents
	m.agents = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	m.metrics.SetAgentsConnected(0)
	if len(conns) > 0 {
		m.logger.Info("closed all agent connections", "count", len(conns))
	}
}

// Session exposes agent traffic to a caller that already holds the traffic
// lock through Exclusive. It must not be used after fn returns.
type Session struct {
	m *Manager
}

// Agents returns a sorted snapshot of registered agent names.
func (s *Session) Agents() []string { return s.m.List() }

// IsConnected reports whether name is still registered.
func (s *Session) IsConnected(name string) bool { return s.m.IsConnected(name) }

// RemoteIP returns the peer host of the named agent.
func (s *Session) RemoteIP(name string) string { return s.m.RemoteIP(name) }

// Request performs one exchange without re-acquiring the traffic lock.
func (s *Session) Request(ctx context.Context, name string, req protocol.Request) (*protocol.Response, error) {
	return s.m.exchange(ctx, name, req)
}

// Ping sends a ping without re-acquiring the traffic lock.
func (s *Session) Ping(ctx context.Context, name string) error {
	return s.m.ping(ctx, name)
}

// Remove unregisters and closes the named agent.
func (s *Session) Remove(name string) { s.m.Remove(name) }

// Lookup returns the connection currently registered under name.
func (s *Session) Lookup(name string) (*Connection, bool) { return s.m.get(name) }

// RequestConn performs one exchange on conn itself, even if its name has
// since been taken over by a newer connection.
func (s *Session) RequestConn(ctx context.Context, conn *Connection, req protocol.Request) (*protocol.Response, error) {
	return s.m.exchangeConn(ctx, conn, req)
}

// PingConn pings conn itself.
func (s *Session) PingConn(ctx context.Context, conn *Connection) error {
	return s.m.pingConn(ctx, conn)
}

// RemoveConn unregisters conn if it is still the registered connection
// for its name and closes it. It reports false when a newer connection
// holds the name; that connection is left untouched.
func (s *Session) RemoveConn(conn *Connection, reason string) bool {
	return s.m.removeConn(conn.Name, conn, reason)
}
