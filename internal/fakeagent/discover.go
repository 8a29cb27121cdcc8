// ABOUTME: Discovery-driven connection management for the fake agent.
// ABOUTME: Connects to every manager that announces itself, once per live session.

package fakeagent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-manager/internal/dedupe"
	"github.com/2389/fleet-manager/internal/discovery"
)

// DefaultRepeatWindow suppresses duplicate announcements that arrive
// together, for example the same broadcast seen on two interfaces.
const DefaultRepeatWindow = 2 * time.Second

// DiscoverAndConnect listens for announcements on addr (for example ":8888")
// and connects to each announcing manager. It returns when ctx is
// cancelled, after all sessions have ended.
func (a *Agent) DiscoverAndConnect(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return err
	}
	return a.ServeDiscovery(ctx, pc)
}

// ServeDiscovery is DiscoverAndConnect on an already bound socket.
func (a *Agent) ServeDiscovery(ctx context.Context, pc net.PacketConn) error {
	var (
		mu     sync.Mutex
		live   = make(map[string]bool)
		repeat = dedupe.NewWindow(DefaultRepeatWindow, 64)
		wg     sync.WaitGroup
	)
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return discovery.Serve(ctx, pc, a.logger, func(ann discovery.Announcement) {
		target := ann.ServerAddr()
		if repeat.Seen(target) {
			return
		}

		mu.Lock()
		if live[target] {
			mu.Unlock()
			a.logger.Debug("ignoring announcement from connected manager", "addr", target)
			return
		}
		live[target] = true
		mu.Unlock()

		a.logger.Info("manager announced itself", "addr", target)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Connect(ctx, target); err != nil {
				a.logger.Warn("session with manager failed", "addr", target, "error", err)
			}
			mu.Lock()
			delete(live, target)
			mu.Unlock()
			repeat.Forget(target)
		}()
	})
}
