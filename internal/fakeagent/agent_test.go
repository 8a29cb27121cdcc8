// ABOUTME: Tests for the fake agent request handling and sessions.
// ABOUTME: Drives the agent over loopback sockets the way a manager would.

package fakeagent

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-manager/internal/discovery"
	"github.com/2389/fleet-manager/internal/protocol"
)

func TestHandle(t *testing.T) {
	a := New(Config{Name: "alpha"})

	tests := []struct {
		name string
		req  protocol.Request
		want map[string]any
	}{
		{"ping", protocol.Ping(), map[string]any{"response": "pong"}},
		{"start", protocol.Start(), map[string]any{"response": "ok"}},
		{"filter set", protocol.FilterSet("tcp.DstPort==80"), map[string]any{"response": "ok"}},
		{"filter get", protocol.FilterGet(), map[string]any{"response": "tcp.DstPort==80"}},
		{"proc add", protocol.ProcAdd("nginx"), map[string]any{"response": "ok"}},
		{"proc get", protocol.ProcGet(), map[string]any{"response": map[string]bool{"nginx": false}}},
		{"proc del", protocol.ProcDel("nginx"), map[string]any{"response": "ok"}},
		{"stop", protocol.Stop(), map[string]any{"response": "ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Handle(tt.req))
		})
	}

	assert.False(t, a.Running())
	assert.Empty(t, a.Processes())
}

func TestHandleUnsupported(t *testing.T) {
	a := New(Config{Name: "alpha"})

	for _, req := range []protocol.Request{
		{Cmd: "reboot"},
		{Cmd: protocol.CmdFilter, Action: "clear"},
		{Cmd: protocol.CmdProc},
		protocol.ProcAdd(""),
	} {
		got := a.Handle(req)
		assert.NotContains(t, got, "response", "request %s", req)
		assert.Contains(t, got, "error", "request %s", req)
	}
}

func TestStartStopToggleRunning(t *testing.T) {
	a := New(Config{Name: "alpha"})
	a.Handle(protocol.Start())
	assert.True(t, a.Running())
	a.Handle(protocol.Stop())
	assert.False(t, a.Running())
}

func TestProcAddKeepsExistingState(t *testing.T) {
	a := New(Config{Name: "alpha"})
	a.SetProcess("nginx", true)
	a.Handle(protocol.ProcAdd("nginx"))
	assert.Equal(t, map[string]bool{"nginx": true}, a.Processes())
}

// acceptOne accepts a connection and reads the handshake.
func acceptOne(t *testing.T, ln net.Listener) (net.Conn, string) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.HandshakeBufferSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return conn, string(buf[:n])
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, req protocol.Request) map[string]any {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

func TestDialServesRequests(t *testing.T) {
	ln := listen(t)
	a := New(Config{Name: "alpha"})

	s, err := a.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer s.Close()

	conn, name := acceptOne(t, ln)
	assert.Equal(t, "alpha", name)

	r := bufio.NewReader(conn)
	assert.Equal(t, "pong", roundTrip(t, conn, r, protocol.Ping())["response"])
	assert.Equal(t, "ok", roundTrip(t, conn, r, protocol.FilterSet("udp"))["response"])
	assert.Equal(t, "udp", a.Filter())
}

func TestSessionEndsWhenManagerCloses(t *testing.T) {
	ln := listen(t)
	a := New(Config{Name: "alpha"})

	s, err := a.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	conn, _ := acceptOne(t, ln)
	require.NoError(t, conn.Close())

	select {
	case <-s.Done():
		assert.NoError(t, s.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after manager closed the connection")
	}
}

func TestConnectReturnsOnCancel(t *testing.T) {
	ln := listen(t)
	a := New(Config{Name: "alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Connect(ctx, ln.Addr().String()) }()

	acceptOne(t, ln)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after cancel")
	}
}

func TestDialRefused(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err := New(Config{Name: "alpha"}).Dial(context.Background(), addr)
	assert.Error(t, err)
}

func TestReplyHookOverridesReply(t *testing.T) {
	ln := listen(t)
	a := New(Config{
		Name: "alpha",
		ReplyHook: func(req protocol.Request) ([]byte, bool) {
			if req.Cmd == protocol.CmdPing {
				return []byte(`{"response":"nope"}`), true
			}
			return nil, false
		},
	})

	s, err := a.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer s.Close()

	conn, _ := acceptOne(t, ln)
	r := bufio.NewReader(conn)
	assert.Equal(t, "nope", roundTrip(t, conn, r, protocol.Ping())["response"])
	assert.Equal(t, "ok", roundTrip(t, conn, r, protocol.Start())["response"])
}

func TestServeDiscoveryConnectsOncePerManager(t *testing.T) {
	ln := listen(t)
	port := ln.Addr().(*net.TCPAddr).Port

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a := New(Config{Name: "alpha"})
	done := make(chan error, 1)
	go func() { done <- a.ServeDiscovery(ctx, pc) }()

	sender, err := net.Dial("udp4", pc.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	for i := 0; i < 3; i++ {
		_, err := sender.Write([]byte(discovery.Payload(port)))
		require.NoError(t, err)
	}

	_, name := acceptOne(t, ln)
	assert.Equal(t, "alpha", name)

	// Repeats from the same manager must not open a second session.
	accepted := make(chan struct{}, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			_ = conn.Close()
			accepted <- struct{}{}
		}
	}()
	select {
	case <-accepted:
		t.Fatal("duplicate announcement opened a second session")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeDiscovery did not return after cancel")
	}
}
