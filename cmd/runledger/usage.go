package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/runledger/internal/config"
	"github.com/janekbaraniewski/runledger/internal/usage"
)

func newUsageCommand(cfg config.Config) *cobra.Command {
	var dbPath string
	var days int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show cost, token and activity aggregates.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, st, err := openEngine(cfg, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if days <= 0 {
				days = cfg.Usage.OverviewDays
			}
			overview, err := eng.UsageOverview(cmd.Context(), days)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(overview)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Last %d days\n", overview.Days)
			fmt.Fprintf(out, "  cost:       $%.2f\n", overview.TotalCostUSD)
			fmt.Fprintf(out, "  tokens:     %d\n", overview.TotalTokens)
			fmt.Fprintf(out, "  sessions:   %d\n", overview.Sessions)
			fmt.Fprintf(out, "  messages:   %d\n", overview.Messages)
			fmt.Fprintf(out, "  tool calls: %d\n", overview.ToolCalls)
			fmt.Fprintf(out, "  streak:     %d current / %d longest\n", overview.CurrentStreak, overview.LongestStreak)

			if len(overview.Models) > 0 {
				fmt.Fprintln(out, "\nBy model:")
				for _, m := range overview.Models {
					fmt.Fprintf(out, "  %-34s $%8.2f  %5.1f%%  %d tokens\n", m.Model, m.CostUSD, m.Pct, m.TotalTokens)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to config)")
	cmd.Flags().IntVar(&days, "days", 0, "trailing window in days (defaults to config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}

func newHeatmapCommand(cfg config.Config) *cobra.Command {
	var dbPath string
	var scope string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Show per-day activity intensity.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, st, err := openEngine(cfg, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			heat, err := eng.HeatmapDaily(cmd.Context(), usage.HeatmapScope(scope))
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(heat)
			}

			days := make([]string, 0, len(heat))
			for day := range heat {
				days = append(days, day)
			}
			sort.Strings(days)
			for _, day := range days {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %10.2f\n", day, heat[day])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to config)")
	cmd.Flags().StringVar(&scope, "scope", "cost", "metric: cost, tokens, messages or tool_calls")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}
