package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/runledger/internal/cliimport"
	"github.com/janekbaraniewski/runledger/internal/config"
	"github.com/janekbaraniewski/runledger/internal/engine"
	"github.com/janekbaraniewski/runledger/internal/store"
)

func openEngine(cfg config.Config, dbPath string) (*engine.Engine, *store.Store, error) {
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	st, err := store.OpenStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(st, engine.Options{
		PermissionTimeout: time.Duration(cfg.PermissionTimeoutSeconds) * time.Second,
		MaxLineBytes:      cfg.Import.MaxLineBytes,
		RecentModelDays:   cfg.Usage.RecentModelDays,
	})
	return eng, st, nil
}

func newImportCommand(cfg config.Config) *cobra.Command {
	var dbPath string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import [path...]",
		Short: "Import session logs into the run ledger.",
		Long:  "Import parses *.jsonl session logs incrementally: re-running over an unchanged file is a no-op. With no arguments the configured session directories are scanned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = cfg.Import.SessionDirs
			}
			logs, err := collectSessionLogs(paths)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no session logs found")
				return nil
			}

			eng, st, err := openEngine(cfg, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			var imported, skipped, failed int
			for _, path := range logs {
				summary := cliimport.CliSessionSummary{
					SessionID: sessionID(path),
					FilePath:  path,
				}
				if dryRun {
					sync, err := eng.SyncSession(cmd.Context(), summary)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
						continue
					}
					imported += sync.NewEvents
					continue
				}
				res, err := eng.ImportSession(cmd.Context(), summary)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				imported += res.EventsImported
				skipped += res.EventsSkipped
				if res.UsageIncomplete {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: usage incomplete (legacy records)\n", path)
				}
			}

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "would import %d events from %d logs\n", imported, len(logs))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d events from %d logs (%d records skipped)\n", imported, len(logs), skipped)
			if failed > 0 {
				return fmt.Errorf("%d of %d logs failed", failed, len(logs))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be imported without applying")
	return cmd
}

func sessionID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func collectSessionLogs(paths []string) ([]string, error) {
	var logs []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			logs = append(logs, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".jsonl" {
				logs = append(logs, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}
	return lo.Uniq(logs), nil
}
