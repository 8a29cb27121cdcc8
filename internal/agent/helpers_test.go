// ABOUTME: Shared fixtures for agent package tests.
// ABOUTME: Connects fake agents to connections over loopback TCP.

package agent

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-manager/internal/fakeagent"
	"github.com/2389/fleet-manager/internal/protocol"
)

const testIOTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// dialFake connects fake to a fresh loopback listener and returns the
// handshaken Connection on the manager side plus the agent session.
func dialFake(t *testing.T, fake *fakeagent.Agent, ioTimeout time.Duration) (*Connection, *fakeagent.Session) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	session, err := fake.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	raw, err := ln.Accept()
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.HandshakeBufferSize)
	n, err := raw.Read(buf)
	require.NoError(t, err)
	name, err := ParseName(buf[:n])
	require.NoError(t, err)

	conn, err := NewConnection(ConnectionParams{
		Name:      name,
		Conn:      raw,
		IOTimeout: ioTimeout,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, session
}

// pipeConn returns a Connection over an in-memory pipe whose peer is
// never read from.
func pipeConn(t *testing.T, name string) *Connection {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	conn, err := NewConnection(ConnectionParams{
		Name:      name,
		Conn:      local,
		IOTimeout: testIOTimeout,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	return conn
}

func waitDone(t *testing.T, s *fakeagent.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent session did not end")
	}
}
