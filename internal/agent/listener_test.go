// ABOUTME: Tests for the agent accept loop and name handshake.
// ABOUTME: Uses real loopback sockets and the fake agent.

package agent

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-manager/internal/fakeagent"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		wantErr error
	}{
		{"alpha", "alpha", nil},
		{"  alpha\r\n", "alpha", nil},
		{"agent-01.lab", "agent-01.lab", nil},
		{"", "", ErrEmptyHandshake},
		{" \n\t", "", ErrEmptyHandshake},
		{"two words", "", ErrInvalidName},
		{"tab\tname", "", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseName([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewListenerRequiresTimeouts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	m := NewManager(testLogger(), nil)

	_, err = NewListener(ln, m, ListenerConfig{IOTimeout: time.Second}, testLogger(), nil)
	assert.Error(t, err)

	_, err = NewListener(ln, m, ListenerConfig{HandshakeTimeout: time.Second}, testLogger(), nil)
	assert.ErrorIs(t, err, ErrTimeoutRequired)
}

type listenerFixture struct {
	mgr  *Manager
	addr string

	mu         sync.Mutex
	registered []string
}

func (f *listenerFixture) Registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...)
}

func startListener(t *testing.T, handshakeTimeout time.Duration) *listenerFixture {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &listenerFixture{mgr: NewManager(testLogger(), nil), addr: ln.Addr().String()}
	l, err := NewListener(ln, f.mgr, ListenerConfig{
		HandshakeTimeout: handshakeTimeout,
		IOTimeout:        testIOTimeout,
		OnRegister: func(ctx context.Context, conn *Connection) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.registered = append(f.registered, conn.Name+"@"+conn.RemoteIP())
		},
	}, testLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
		f.mgr.Close()
	})
	return f
}

func TestListenerRegistersAgent(t *testing.T) {
	f := startListener(t, time.Second)

	fake := fakeagent.New(fakeagent.Config{Name: "alpha"})
	session, err := fake.Dial(context.Background(), f.addr)
	require.NoError(t, err)
	defer session.Close()

	require.Eventually(t, func() bool { return f.mgr.IsConnected("alpha") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.Registered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alpha@127.0.0.1"}, f.Registered())

	require.NoError(t, f.mgr.Ping(context.Background(), "alpha"))
}

func TestListenerRegistersManyAgents(t *testing.T) {
	f := startListener(t, time.Second)

	names := []string{"alpha", "bravo", "charlie", "delta"}
	for _, name := range names {
		session, err := fakeagent.New(fakeagent.Config{Name: name}).Dial(context.Background(), f.addr)
		require.NoError(t, err)
		defer session.Close()
	}

	require.Eventually(t, func() bool { return f.mgr.Count() == len(names) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, names, f.mgr.List())
}

func TestListenerDiscardsBadHandshakes(t *testing.T) {
	f := startListener(t, 200*time.Millisecond)

	tests := []struct {
		name string
		send func(conn net.Conn)
	}{
		{"closes without sending", func(conn net.Conn) { _ = conn.(*net.TCPConn).CloseWrite() }},
		{"whitespace only", func(conn net.Conn) { _, _ = conn.Write([]byte("  \n")) }},
		{"name with spaces", func(conn net.Conn) { _, _ = conn.Write([]byte("two words")) }},
		{"never sends", func(conn net.Conn) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", f.addr)
			require.NoError(t, err)
			defer conn.Close()

			tt.send(conn)

			// The manager closes a rejected transport without replying.
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			buf := make([]byte, 16)
			n, err := conn.Read(buf)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, io.EOF, "manager should have closed the connection")
		})
	}

	assert.Equal(t, 0, f.mgr.Count())
	assert.Empty(t, f.Registered())
}

func TestListenerSameNameReplaces(t *testing.T) {
	f := startListener(t, time.Second)

	first, err := fakeagent.New(fakeagent.Config{Name: "alpha"}).Dial(context.Background(), f.addr)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return f.mgr.IsConnected("alpha") }, 2*time.Second, 10*time.Millisecond)

	second, err := fakeagent.New(fakeagent.Config{Name: "alpha"}).Dial(context.Background(), f.addr)
	require.NoError(t, err)
	defer second.Close()

	waitDone(t, first)
	assert.Equal(t, []string{"alpha"}, f.mgr.List())
	require.NoError(t, f.mgr.Ping(context.Background(), "alpha"))
}
