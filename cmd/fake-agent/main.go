// ABOUTME: Fake agent for manual and end-to-end testing of fleet-manager
// ABOUTME: Connects directly with --manager or waits for discovery announcements

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/fleet-manager/internal/fakeagent"
)

type options struct {
	name      string
	manager   string
	listen    string
	processes []string
	debug     bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "fake-agent",
		Short: "Fake fleet agent that answers manager requests from memory",
		Long: `fake-agent speaks the agent side of the control protocol.

With --manager it connects to that address once. Otherwise it listens for
discovery announcements and connects to every manager that announces itself.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", defaultName(), "agent name sent in the handshake")
	cmd.Flags().StringVar(&opts.manager, "manager", "", "manager address to connect to (skips discovery)")
	cmd.Flags().StringVar(&opts.listen, "listen", ":8888", "UDP address to listen on for announcements")
	cmd.Flags().StringSliceVar(&opts.processes, "process", nil, "monitored process as name or name=stopped (repeatable)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	return cmd
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		return "fake-agent"
	}
	return host
}

func run(ctx context.Context, opts options) error {
	if strings.TrimSpace(opts.name) == "" {
		return fmt.Errorf("--name must not be empty")
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	agent := fakeagent.New(fakeagent.Config{Name: opts.name, Logger: logger})
	for _, p := range opts.processes {
		name, state, _ := strings.Cut(p, "=")
		agent.SetProcess(name, state != "stopped")
	}

	if opts.manager != "" {
		return agent.Connect(ctx, opts.manager)
	}
	logger.Info("waiting for manager announcements", "listen", opts.listen)
	return agent.DiscoverAndConnect(ctx, opts.listen)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
