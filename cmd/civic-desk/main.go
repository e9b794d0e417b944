// ABOUTME: Entry point for the civic-desk binary with cobra subcommands.
// ABOUTME: Resolves the config path from --config, CIVIC_DESK_CONFIG or the XDG config dir.

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

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const banner = `
     _       _             _           _
  __(_)_   _(_) ___     __| | ___  ___| | __
 / _| \ \ / / |/ __|___/ _' |/ _ \/ __| |/ /
| (_| |\ V /| | (_|___| (_| |  __/\__ \   <
 \__|_| \_/ |_|\___|   \__,_|\___||___/_|\_\
`

// getConfigPath returns the config path, honoring an explicit flag first.
func getConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("CIVIC_DESK_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "civic-desk", "config.yaml")
}

// getDataPath returns the default directory for the SQLite database.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "civic-desk")
}

type rootOptions struct {
	configPath string
}

func (o *rootOptions) resolvedConfig() string {
	return getConfigPath(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "civic-desk",
		Short:         "Citizen service desk",
		Long:          "civic-desk routes citizen conversations to human agents by department and service.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default $CIVIC_DESK_CONFIG or ~/.config/civic-desk/config.yaml)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newHealthCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newQueuesCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "civic-desk %s (commit: %s)\n", Version, Commit)
		},
	}
}

func execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, newRootCmd())
	cancel()
	os.Exit(code)
}
