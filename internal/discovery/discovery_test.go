// ABOUTME: Tests for discovery payloads and the UDP send/receive path.
// ABOUTME: Uses loopback sockets in place of a real broadcast domain.

package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload(t *testing.T) {
	assert.Equal(t, "agentSearch/9999", Payload(9999))
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"agentSearch/9999", 9999, false},
		{"agentSearch/9999\n", 9999, false},
		{"agentSearch/", 0, true},
		{"agentSearch/abc", 0, true},
		{"agentSearch/70000", 0, true},
		{"hello/9999", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePayload(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewBroadcasterDefaults(t *testing.T) {
	b := NewBroadcaster(Config{}, slog.Default(), nil)
	assert.Equal(t, "255.255.255.255:8888", b.Target())
}

// listenLoopback binds a UDP socket on an ephemeral loopback port.
func listenLoopback(t *testing.T) (net.PacketConn, int) {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	return pc, pc.LocalAddr().(*net.UDPAddr).Port
}

func TestSendDeliversPayload(t *testing.T) {
	pc, port := listenLoopback(t)
	defer pc.Close()

	b := NewBroadcaster(Config{Port: port, BroadcastAddr: "127.0.0.1"}, slog.Default(), nil)
	require.NoError(t, b.Send(context.Background(), 9999))

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "agentSearch/9999", string(buf[:n]))
}

func TestAnnounceSwallowsErrors(t *testing.T) {
	b := NewBroadcaster(Config{Port: 8888, BroadcastAddr: "no-such-host.invalid"}, slog.Default(), nil)
	assert.NotPanics(t, func() {
		b.Announce(context.Background(), 9999)
	})
	assert.Error(t, b.Send(context.Background(), 9999))
}

func TestServeDeliversAnnouncements(t *testing.T) {
	pc, port := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Announcement, 4)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, pc, slog.Default(), func(a Announcement) { got <- a })
	}()

	sender, err := net.Dial("udp4", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = sender.Write([]byte(Payload(4242)))
	require.NoError(t, err)

	select {
	case a := <-got:
		assert.Equal(t, 4242, a.ServerPort)
		assert.Equal(t, "127.0.0.1:4242", a.ServerAddr())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for announcement")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
