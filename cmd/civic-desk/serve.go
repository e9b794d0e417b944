// ABOUTME: The serve subcommand: loads config, prints the startup banner and runs the gateway.
// ABOUTME: Shuts down gracefully when the signal context is cancelled.

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/civic-desk/internal/config"
	"github.com/2389/civic-desk/internal/gateway"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the desk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := opts.resolvedConfig()
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			out := cmd.OutOrStdout()
			printStartup(out, configPath, cfg)

			logger := setupLogger(cfg.Logging, out)
			logger.Info("starting civic-desk",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"departments", len(cfg.Departments),
				"agents", len(cfg.Agents),
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", Version)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-11s%s\n", label+":", value)
	}
	line("Config", configPath)
	if cfg.Server.HTTPAddr != "" && !cfg.Tailscale.Enabled {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	line("Database", cfg.Database.Path)
	line("Sweep", cfg.Dispatch.SweepSchedule)

	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Fprint(out, " [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}
	if cfg.Redis.Enabled {
		line("Redis", cfg.Redis.Addr+" "+cfg.Redis.Channel)
	}
	if !cfg.Bot.Enabled {
		yellow.Fprintln(out, "    ▶ Bot:      disabled")
	}
	fmt.Fprintln(out)
}
