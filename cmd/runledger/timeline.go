package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/runledger/internal/config"
	"github.com/janekbaraniewski/runledger/internal/timeline"
)

func newTimelineCommand(cfg config.Config) *cobra.Command {
	var dbPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "timeline <run-id>",
		Short: "Show the ordered timeline of one run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, st, err := openEngine(cfg, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := eng.Timeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no events recorded for run %s\n", args[0])
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			printEntries(cmd.OutOrStdout(), entries, "")
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}

func printEntries(w io.Writer, entries []*timeline.Entry, indent string) {
	for _, entry := range entries {
		switch entry.Kind {
		case timeline.KindTool:
			fmt.Fprintf(w, "%s[%4d] tool %s (%s)\n", indent, entry.Seq, entry.Tool.ToolName, entry.Tool.Status)
			if len(entry.SubTimeline) > 0 {
				printEntries(w, entry.SubTimeline, indent+"       ")
			}
		case timeline.KindSeparator:
			fmt.Fprintf(w, "%s[%4d] --- %s\n", indent, entry.Seq, entry.Note)
		case timeline.KindCommandOutput:
			fmt.Fprintf(w, "%s[%4d] output: %s\n", indent, entry.Seq, firstLine(entry.Text))
		default:
			fmt.Fprintf(w, "%s[%4d] %s: %s\n", indent, entry.Seq, entry.Kind, firstLine(entry.Text))
		}
	}
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
