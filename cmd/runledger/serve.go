package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/runledger/internal/config"
	"github.com/janekbaraniewski/runledger/internal/daemon"
)

func newServeCommand(cfg config.Config) *cobra.Command {
	var dbPath, socketPath string
	var watchDirs []string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: watch session logs and serve the run-event API on a unix socket.",
		RunE: func(_ *cobra.Command, _ []string) error {
			dc := daemon.Config{
				DBPath:            cfg.DBPath,
				SocketPath:        cfg.SocketPath,
				SessionDirs:       cfg.Import.SessionDirs,
				WatchDebounce:     time.Duration(cfg.Import.WatchDebounceMS) * time.Millisecond,
				MaxLineBytes:      cfg.Import.MaxLineBytes,
				PermissionTimeout: time.Duration(cfg.PermissionTimeoutSeconds) * time.Second,
				OverviewDays:      cfg.Usage.OverviewDays,
				RecentModelDays:   cfg.Usage.RecentModelDays,
				Verbose:           verbose || cfg.Verbose,
			}
			if dbPath != "" {
				dc.DBPath = dbPath
			}
			if socketPath != "" {
				dc.SocketPath = socketPath
			}
			if len(watchDirs) > 0 {
				dc.SessionDirs = lo.Uniq(append(dc.SessionDirs, watchDirs...))
			}
			return daemon.RunServer(dc)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to config)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (defaults to config)")
	cmd.Flags().StringArrayVar(&watchDirs, "watch", nil, "extra session log directory to watch (repeatable)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log daemon activity to stderr")
	return cmd
}

func newStatusCommand(cfg config.Config) *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the daemon over its socket.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if socketPath == "" {
				socketPath = cfg.SocketPath
			}
			client := daemon.NewClient(socketPath)

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()

			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("daemon not reachable on %s: %w", socketPath, err)
			}
			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "daemon %s (api %s) on %s\n", health.DaemonVersion, health.APIVersion, socketPath)
			fmt.Fprintf(out, "  unknown events:      %d\n", stats.Stats.UnknownEvents)
			fmt.Fprintf(out, "  consumer failures:   %d\n", stats.Stats.ConsumerFailures)
			fmt.Fprintf(out, "  usage duplicates:    %d\n", stats.Stats.UsageDuplicates)
			fmt.Fprintf(out, "  permission anomalies: %d\n", stats.Stats.PermissionAnomalies)
			fmt.Fprintf(out, "  hook anomalies:      %d\n", stats.Stats.HookAnomalies)
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (defaults to config)")
	return cmd
}
