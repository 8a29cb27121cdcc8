// ABOUTME: Commands that query a running manager over its HTTP status API
// ABOUTME: health, agents, discover and cycle

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-manager/internal/config"
	"github.com/2389/fleet-manager/internal/server"
)

var addrFlag string

// apiBase returns the status API base URL from --addr or the config file.
func apiBase() (string, error) {
	addr := addrFlag
	if addr == "" {
		cfg, err := config.LoadOrDefault(getConfigPath())
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if addr == "" {
		return "", fmt.Errorf("status API disabled: server.http_addr is empty (use --addr)")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/"), nil
}

func call(ctx context.Context, method, path string) (*http.Response, error) {
	base, err := apiBase()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func withAddr(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().StringVar(&addrFlag, "addr", "", "status API address (default server.http_addr from config)")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return withAddr(&cobra.Command{
		Use:   "health",
		Short: "Check manager health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(cmd.Context(), http.MethodGet, "/health/ready")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthy: %s\n", body)
			return nil
		},
	})
}

func newAgentsCmd() *cobra.Command {
	return withAddr(&cobra.Command{
		Use:   "agents",
		Short: "List known agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(cmd.Context(), http.MethodGet, "/api/agents")
			if err != nil {
				return err
			}
			var list server.ListAgentsResponse
			if err := decode(resp, &list); err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), list.Agents)
			return nil
		},
	})
}

func printAgents(out io.Writer, agents []server.AgentResponse) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "no agents")
		return
	}
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, a := range agents {
		state := gray.Sprint("offline")
		if a.Connected {
			state = green.Sprint("connected")
		}
		addr := a.RemoteAddr
		if addr == "" {
			addr = a.IP
		}
		fmt.Fprintf(out, "%-24s %-10s %-22s %s\n", a.Name, state, addr, a.Status)
	}
}

func newDiscoverCmd() *cobra.Command {
	return withAddr(&cobra.Command{
		Use:   "discover",
		Short: "Ask the manager to send a discovery announcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(cmd.Context(), http.MethodPost, "/api/discover")
			if err != nil {
				return err
			}
			var body struct {
				Target     string `json:"target"`
				ServerPort int    `json:"server_port"`
			}
			if err := decode(resp, &body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "announcing port %d to %s\n", body.ServerPort, body.Target)
			return nil
		},
	})
}

func newCycleCmd() *cobra.Command {
	return withAddr(&cobra.Command{
		Use:   "cycle",
		Short: "Run one health cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(cmd.Context(), http.MethodPost, "/api/cycle")
			if err != nil {
				return err
			}
			var res server.CycleResponse
			if err := decode(resp, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cycle %s took %dms\n", res.ID, res.DurationMS)
			fmt.Fprintf(out, "  alive:   %s\n", strings.Join(res.Alive, ", "))
			fmt.Fprintf(out, "  evicted: %s\n", strings.Join(res.Evicted, ", "))
			fmt.Fprintf(out, "  processes: %d upserted, %d unmonitored\n", res.ProcessesUpserted, res.ProcessesUnmonitored)
			if res.PersistenceErrors > 0 {
				color.New(color.FgYellow).Fprintf(out, "  persistence errors: %d\n", res.PersistenceErrors)
			}
			return nil
		},
	})
}
