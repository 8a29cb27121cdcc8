// ABOUTME: Entry point for the fleet-manager control server
// ABOUTME: Cobra command tree for serving, setup and querying a running manager

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _
 / _| | ___  ___| |_       _ __ ___   __ _ _ __   __ _  __ _  ___ _ __
| |_| |/ _ \/ _ \ __|_____| '_ ' _ \ / _' | '_ \ / _' |/ _' |/ _ \ '__|
|  _| |  __/  __/ ||_____|| | | | | | (_| | | | | (_| | (_| |  __/ |
|_| |_|\___|\___|\__|     |_| |_| |_|\__,_|_| |_|\__,_|\__, |\___|_|
                                                       |___/
`

var configFlag string

// getConfigPath returns the path to the manager config file.
// Priority: --config flag > FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/manager.yaml > ~/.config/fleet/manager.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "manager.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "fleet", "manager.yaml")
}

// getDataPath returns the path to the fleet data directory.
// Priority: XDG_DATA_HOME/fleet > ~/.local/share/fleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "fleet")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleet-manager",
		Short:         "Control server for a fleet of monitoring agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default $FLEET_CONFIG or ~/.config/fleet/manager.yaml)")
	root.SetVersionTemplate("fleet-manager {{.Version}}\n")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newHealthCmd(),
		newAgentsCmd(),
		newDiscoverCmd(),
		newCycleCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleet-manager %s\n", version)
		},
	}
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
