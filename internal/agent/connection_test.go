// ABOUTME: Tests for a single agent connection's request/reply exchange.
// ABOUTME: Covers deadlines, cancellation, reply framing and error classification.

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-manager/internal/fakeagent"
	"github.com/2389/fleet-manager/internal/protocol"
)

func TestNewConnectionValidation(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	t.Run("requires an io timeout", func(t *testing.T) {
		_, err := NewConnection(ConnectionParams{Name: "alpha", Conn: local})
		assert.ErrorIs(t, err, ErrTimeoutRequired)
	})

	t.Run("requires a name", func(t *testing.T) {
		_, err := NewConnection(ConnectionParams{Conn: local, IOTimeout: time.Second})
		assert.Error(t, err)
	})
}

func TestConnectionExchange(t *testing.T) {
	fake := fakeagent.New(fakeagent.Config{Name: "alpha"})
	conn, _ := dialFake(t, fake, testIOTimeout)
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		resp, err := conn.Exchange(ctx, protocol.Ping())
		require.NoError(t, err)
		assert.NoError(t, resp.Expect(protocol.ReplyPong))
	})

	t.Run("filter set then get", func(t *testing.T) {
		resp, err := conn.Exchange(ctx, protocol.FilterSet("tcp.DstPort==80"))
		require.NoError(t, err)
		require.NoError(t, resp.Expect(protocol.ReplyOK))

		resp, err = conn.Exchange(ctx, protocol.FilterGet())
		require.NoError(t, err)
		got, err := resp.String()
		require.NoError(t, err)
		assert.Equal(t, "tcp.DstPort==80", got)
	})

	t.Run("reply larger than the handshake buffer", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			fake.SetProcess(fmt.Sprintf("process-with-a-long-name-%03d", i), i%2 == 0)
		}
		resp, err := conn.Exchange(ctx, protocol.ProcGet())
		require.NoError(t, err)
		procs, err := resp.Processes()
		require.NoError(t, err)
		assert.Len(t, procs, 200)
		assert.True(t, procs["process-with-a-long-name-000"])
		assert.False(t, procs["process-with-a-long-name-001"])
	})

	assert.Equal(t, "alpha", conn.Name)
	assert.Equal(t, "127.0.0.1", conn.RemoteIP())
}

func TestConnectionProtocolErrorKeepsStream(t *testing.T) {
	fake := fakeagent.New(fakeagent.Config{Name: "alpha"})
	conn, _ := dialFake(t, fake, testIOTimeout)
	ctx := context.Background()

	_, err := conn.Exchange(ctx, protocol.Request{Cmd: "reboot"})
	require.Error(t, err)
	assert.True(t, protocol.IsProtocol(err))
	assert.ErrorIs(t, err, protocol.ErrInvalidResponse)
	assert.Contains(t, err.Error(), "alpha")

	resp, err := conn.Exchange(ctx, protocol.Ping())
	require.NoError(t, err)
	assert.NoError(t, resp.Expect(protocol.ReplyPong))
}

func TestConnectionMalformedReply(t *testing.T) {
	fake := fakeagent.New(fakeagent.Config{
		Name: "alpha",
		ReplyHook: func(req protocol.Request) ([]byte, bool) {
			if req.Cmd == protocol.CmdStart {
				return []byte(`{"response": oops}`), true
			}
			return nil, false
		},
	})
	conn, _ := dialFake(t, fake, testIOTimeout)

	_, err := conn.Exchange(context.Background(), protocol.Start())
	require.Error(t, err)
	assert.True(t, protocol.IsProtocol(err))
}

func TestConnectionTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fake := fakeagent.New(fakeagent.Config{
		Name: "alpha",
		ReplyHook: func(req protocol.Request) ([]byte, bool) {
			<-release
			return nil, false
		},
	})
	conn, _ := dialFake(t, fake, 100*time.Millisecond)

	start := time.Now()
	_, err := conn.Exchange(context.Background(), protocol.Ping())
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
	assert.Less(t, time.Since(start), time.Second)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestConnectionContextDeadlineWins(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fake := fakeagent.New(fakeagent.Config{
		Name: "alpha",
		ReplyHook: func(req protocol.Request) ([]byte, bool) {
			<-release
			return nil, false
		},
	})
	conn, _ := dialFake(t, fake, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := conn.Exchange(ctx, protocol.Ping())
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectionCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fake := fakeagent.New(fakeagent.Config{
		Name: "alpha",
		ReplyHook: func(req protocol.Request) ([]byte, bool) {
			<-release
			return nil, false
		},
	})
	conn, _ := dialFake(t, fake, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := conn.Exchange(ctx, protocol.Ping())
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConnectionCancelledBeforeSend(t *testing.T) {
	conn := pipeConn(t, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.Exchange(ctx, protocol.Ping())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, protocol.IsTransport(err), "nothing was sent, the stream is intact")
}

func TestConnectionPeerClosed(t *testing.T) {
	fake := fakeagent.New(fakeagent.Config{Name: "alpha"})
	conn, session := dialFake(t, fake, testIOTimeout)

	require.NoError(t, session.Close())
	waitDone(t, session)

	// The first write can still succeed into the socket buffer; the read
	// must then observe end of stream.
	_, err := conn.Exchange(context.Background(), protocol.Ping())
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn := pipeConn(t, "alpha")
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}
