// ABOUTME: init command: interactive wizard that writes a manager config file
// ABOUTME: Prompts for addresses, database, tailscale and logging settings

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/fleet-manager/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(os.Stdin, cmd.OutOrStdout())
		},
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}
	yes := func(answer string) bool {
		answer = strings.ToLower(answer)
		return answer == "yes" || answer == "y"
	}

	fmt.Fprintln(out, "fleet-manager configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	cfg.Server.ListenAddr = ask("Agent listen address", cfg.Server.ListenAddr)
	cfg.Server.HTTPAddr = ask("HTTP status address (empty disables)", cfg.Server.HTTPAddr)

	fmt.Fprintln(out, "\n--- Discovery Configuration ---")
	cfg.Discovery.BroadcastAddr = ask("Broadcast address", cfg.Discovery.BroadcastAddr)
	cfg.Discovery.AnnounceOnStart = yes(ask("Announce on start?", "yes"))

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	cfg.Database.Driver = ask("Driver (sqlite/sqlite3/postgres)", cfg.Database.Driver)
	if cfg.Database.Driver == config.DriverPostgres {
		cfg.Database.DSN = ask("PostgreSQL DSN", "postgres://localhost/fleet")
		cfg.Database.Path = ""
	} else {
		cfg.Database.Path = ask("SQLite database path", filepath.Join(getDataPath(), "manager.db"))
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	cfg.Tailscale.Enabled = yes(ask("Enable Tailscale?", "no"))
	if cfg.Tailscale.Enabled {
		cfg.Tailscale.Hostname = ask("Tailscale hostname", cfg.Tailscale.Hostname)
		cfg.Tailscale.AuthKey = ask("Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.Ephemeral = yes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	cfg.Logging.Level = ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = ask("Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	content := "# fleet-manager configuration\n# Generated by fleet-manager init\n\n" + string(data)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	if cfg.Database.Path != "" {
		dataDir := filepath.Dir(config.ExpandHome(cfg.Database.Path))
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	}
	fmt.Fprintln(out, "\nTo start the manager:")
	fmt.Fprintf(out, "  fleet-manager serve --config %s\n", outputFile)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
