// ABOUTME: serve command: runs the manager server with the operator console
// ABOUTME: Console exit or EOF stops the server; --no-console runs headless

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/fleet-manager/internal/config"
	"github.com/2389/fleet-manager/internal/console"
	"github.com/2389/fleet-manager/internal/server"
)

func newServeCmd() *cobra.Command {
	var noConsole bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the manager and its operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), !noConsole, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "run without the interactive console")
	return cmd
}

func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Agents", cfg.Server.ListenAddr)
	if cfg.Server.HTTPAddr != "" {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	line("Database", cfg.Database.Driver)
	line("Discovery", fmt.Sprintf("%s:%d", cfg.Discovery.BroadcastAddr, cfg.Discovery.Port))
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s ", "Tailscale:")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)
}

func runServe(ctx context.Context, withConsole bool, in io.Reader, out io.Writer) error {
	configPath := getConfigPath()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printStartup(out, configPath, cfg)

	// Logs go to stderr while the console owns stdout.
	logOut := out
	if withConsole {
		logOut = os.Stderr
	}
	logger := setupLogger(cfg.Logging, logOut)
	logger.Info("starting fleet-manager",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if !withConsole {
		return srv.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		select {
		case <-srv.Ready():
		case <-gctx.Done():
			return nil
		}
		d := console.New(console.Config{
			Agents:     srv.Manager(),
			Announcer:  srv.Broadcaster(),
			Reconciler: srv.Reconciler(),
			ServerPort: srv.ServerPort(),
			Out:        out,
			Logger:     logger,
			Metrics:    srv.Metrics(),
		})
		err := d.Run(gctx, in)
		// Leaving the console stops the manager.
		cancel()
		return err
	})
	return g.Wait()
}
