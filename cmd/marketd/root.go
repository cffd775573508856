package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SubhajL/online-trading-sub000/config"
)

// Version information, stamped via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// newRootCommand builds the marketd command tree. Running the root
// command starts the daemon; subcommands cover everything else.
func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "marketd",
		Short: "Market data engine: streams venue klines onto an event bus",
		Long: `marketd streams Binance spot and USD-M futures klines over WebSocket,
backfills missed candles over REST, persists closed candles to SQLite
and publishes them onto an in-process event bus for downstream
consumers. An operational HTTP surface exposes health, metrics and
dead-lettered events.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "marketd.yaml",
		"path to the configuration file (YAML or TOML)")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newCheckConfigCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "marketd v%s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newCheckConfigCommand validates a configuration file without starting
// anything, so rollouts can gate on it.
func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <file>",
		Short: "Validate a configuration file and print the effective settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			for _, v := range cfg.Venues {
				fmt.Fprintf(out, "  venue %-4s  %d symbols, %d timeframes, ws %s\n",
					v.Venue, len(v.Symbols), len(v.Timeframes), v.WSBaseURL)
			}
			fmt.Fprintf(out, "  store %s, sweep %q, ops %s\n",
				cfg.Store.Path, cfg.Sweep.Schedule, cfg.Ops.ListenAddr)
			return nil
		},
	}
}
