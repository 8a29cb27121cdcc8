// ABOUTME: In-memory agent that speaks the control protocol to a manager.
// ABOUTME: Holds filter, run state and monitored processes and answers requests from them.

package fakeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"sync"

	"github.com/2389/fleet-manager/internal/protocol"
)

// ReplyHook can replace the reply to a request. It returns the raw bytes
// to write and true, or false to fall through to the default reply. A hook
// that blocks stalls the session, which is how tests simulate a hung agent.
type ReplyHook func(req protocol.Request) ([]byte, bool)

// Config configures an Agent.
type Config struct {
	Name      string
	Logger    *slog.Logger
	ReplyHook ReplyHook
}

// Agent is a fake fleet agent.
type Agent struct {
	name   string
	hook   ReplyHook
	logger *slog.Logger

	mu      sync.Mutex
	filter  string
	running bool
	procs   map[string]bool
}

// New creates an Agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		name:   cfg.Name,
		hook:   cfg.ReplyHook,
		logger: logger.With("agent", cfg.Name),
		procs:  make(map[string]bool),
	}
}

// Name returns the name sent in the handshake.
func (a *Agent) Name() string { return a.name }

// Filter returns the current capture filter.
func (a *Agent) Filter() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}

// Running reports whether the agent was started.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// SetProcess adds or updates a monitored process.
func (a *Agent) SetProcess(name string, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.procs[name] = running
}

// Processes returns a copy of the monitored processes.
func (a *Agent) Processes() map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.procs)
}

// Handle computes the reply document for req from the agent state.
func (a *Agent) Handle(req protocol.Request) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Cmd {
	case protocol.CmdPing:
		return reply(protocol.ReplyPong)
	case protocol.CmdStart:
		a.running = true
		return reply(protocol.ReplyOK)
	case protocol.CmdStop:
		a.running = false
		return reply(protocol.ReplyOK)
	case protocol.CmdFilter:
		switch req.Action {
		case protocol.ActionGet:
			return reply(a.filter)
		case protocol.ActionSet:
			a.filter = req.Data
			return reply(protocol.ReplyOK)
		}
	case protocol.CmdProc:
		switch req.Action {
		case protocol.ActionGet:
			return reply(maps.Clone(a.procs))
		case protocol.ActionAdd:
			if req.Data == "" {
				return failure("process name is required")
			}
			if _, ok := a.procs[req.Data]; !ok {
				a.procs[req.Data] = false
			}
			return reply(protocol.ReplyOK)
		case protocol.ActionDel:
			delete(a.procs, req.Data)
			return reply(protocol.ReplyOK)
		}
	}
	return failure(fmt.Sprintf("unsupported request %q", req.String()))
}

func reply(v any) map[string]any        { return map[string]any{"response": v} }
func failure(msg string) map[string]any { return map[string]any{"error": msg} }

// Session is one live control connection to a manager.
type Session struct {
	conn net.Conn
	done chan struct{}
	err  error
}

// Dial connects to the manager at addr, sends the handshake and serves
// requests in the background until the session ends.
func (a *Agent) Dial(ctx context.Context, addr string) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to manager: %w", err)
	}
	if _, err := conn.Write([]byte(a.name)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	a.logger.Info("connected to manager", "addr", addr)

	s := &Session{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.err = a.serve(conn)
		_ = conn.Close()
		a.logger.Info("disconnected from manager", "addr", addr, "error", s.err)
	}()
	return s, nil
}

// Connect is Dial followed by waiting for the session to end. Cancelling
// ctx closes the session.
func (a *Agent) Connect(ctx context.Context, addr string) error {
	s, err := a.Dial(ctx, addr)
	if err != nil {
		return err
	}
	select {
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		_ = s.Close()
		<-s.Done()
		return nil
	}
}

// serve answers requests until the manager closes the connection.
func (a *Agent) serve(conn net.Conn) error {
	dec := json.NewDecoder(conn)
	for {
		var req protocol.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}
		a.logger.Debug("received request", "request", req.String())

		out, err := a.encodeReply(req)
		if err != nil {
			return err
		}
		if out == nil {
			continue
		}
		if _, err := conn.Write(out); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
}

func (a *Agent) encodeReply(req protocol.Request) ([]byte, error) {
	if a.hook != nil {
		if raw, ok := a.hook(req); ok {
			return raw, nil
		}
	}
	out, err := json.Marshal(a.Handle(req))
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return out, nil
}

// Close ends the session.
func (s *Session) Close() error { return s.conn.Close() }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended. It is valid after Done closes.
func (s *Session) Err() error { return s.err }

// LocalAddr returns the agent side address of the session.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }
