package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/runledger/internal/config"
	"github.com/janekbaraniewski/runledger/internal/version"
)

func main() {
	if os.Getenv("RUNLEDGER_DEBUG") != "" {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	root := cobra.Command{
		Use:   "runledger",
		Short: "runledger turns agent-run event streams into timelines and usage ledgers.",
	}

	root.AddCommand(newImportCommand(cfg))
	root.AddCommand(newUsageCommand(cfg))
	root.AddCommand(newHeatmapCommand(cfg))
	root.AddCommand(newTimelineCommand(cfg))
	root.AddCommand(newServeCommand(cfg))
	root.AddCommand(newStatusCommand(cfg))
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runledger version.",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
