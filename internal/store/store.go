// Package store persists runs, run events, import watermarks and sealed
// usage summaries in SQLite. The watermark write is the only ordering-
// critical persistence: it commits in the same transaction as the events it
// covers, so a failed import leaves the watermark untouched.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
	"github.com/janekbaraniewski/runledger/internal/cliimport"
	"github.com/janekbaraniewski/runledger/internal/usage"

	_ "github.com/mattn/go-sqlite3"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether s is a terminal run status. Runs are never
// deleted, only marked terminal.
func Terminal(s RunStatus) bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

type Run struct {
	RunID       string
	Status      RunStatus
	StartedAt   time.Time
	EndedAt     *time.Time
	ParentRunID string
	ImportPath  string
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening DB: %w", err)
	}
	if err := configureSQLiteConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configuring DB: %w", err)
	}

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			parent_run_id TEXT,
			import_path TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT,
			type TEXT NOT NULL,
			payload TEXT,
			ts TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_ts ON run_events(ts);`,
		`CREATE TABLE IF NOT EXISTS import_watermarks (
			file_path TEXT PRIMARY KEY,
			byte_offset INTEGER NOT NULL,
			mtime_ns INTEGER NOT NULL,
			file_size INTEGER NOT NULL,
			last_uuid TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_usage_summaries (
			run_id TEXT NOT NULL,
			day TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			turns INTEGER NOT NULL,
			PRIMARY KEY (run_id, day, model)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_usage_day ON run_usage_summaries(day);`,
		`CREATE TABLE IF NOT EXISTS run_activity (
			run_id TEXT NOT NULL,
			day TEXT NOT NULL,
			messages INTEGER NOT NULL,
			tool_calls INTEGER NOT NULL,
			PRIMARY KEY (run_id, day)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// EnsureRun creates the run row if absent; an existing row is untouched.
func (s *Store) EnsureRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, status, started_at, parent_run_id, import_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, run.RunID, string(run.Status), run.StartedAt.UTC().Format(time.RFC3339Nano),
		nullable(run.ParentRunID), nullable(run.ImportPath))
	if err != nil {
		return fmt.Errorf("store: ensure run %s: %w", run.RunID, err)
	}
	return nil
}

// SetRunStatus transitions the run's lifecycle status; terminal statuses
// record the end time.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status RunStatus, at time.Time) error {
	var endedAt interface{}
	if Terminal(status) {
		endedAt = at.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = COALESCE(?, ended_at) WHERE run_id = ?
	`, string(status), endedAt, runID)
	if err != nil {
		return fmt.Errorf("store: set run %s status: %w", runID, err)
	}
	return nil
}

// SetRunParent records fork lineage. A parent already recorded wins; the
// first run_state to name one is authoritative.
func (s *Store) SetRunParent(ctx context.Context, runID, parentRunID string) error {
	if parentRunID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET parent_run_id = COALESCE(parent_run_id, ?) WHERE run_id = ?
	`, parentRunID, runID)
	if err != nil {
		return fmt.Errorf("store: set run %s parent: %w", runID, err)
	}
	return nil
}

func (s *Store) Run(ctx context.Context, runID string) (Run, bool, error) {
	var (
		run      Run
		started  string
		ended    sql.NullString
		parent   sql.NullString
		imported sql.NullString
		status   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, started_at, ended_at, parent_run_id, import_path
		FROM runs WHERE run_id = ?
	`, runID).Scan(&run.RunID, &status, &started, &ended, &parent, &imported)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("store: load run %s: %w", runID, err)
	}
	run.Status = RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if ended.Valid {
		t, perr := time.Parse(time.RFC3339Nano, ended.String)
		if perr == nil {
			run.EndedAt = &t
		}
	}
	run.ParentRunID = parent.String
	run.ImportPath = imported.String
	return run, true, nil
}

// AppendEvents persists events. Replayed (run_id, seq) pairs are ignored so
// re-delivery after a crash cannot double-persist.
func (s *Store) AppendEvents(ctx context.Context, events []bus.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventsTx(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit events: %w", err)
	}
	return nil
}

func appendEventsTx(ctx context.Context, tx *sql.Tx, events []bus.Event) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO run_events (run_id, seq, event_id, type, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var payload interface{}
		if len(ev.Payload) > 0 {
			payload = string(ev.Payload)
		}
		if _, err := stmt.ExecContext(ctx, ev.RunID, ev.Seq, nullable(ev.ID), string(ev.Type), payload,
			ev.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("store: insert event %s/%d: %w", ev.RunID, ev.Seq, err)
		}
	}
	return nil
}

// Events loads a run's events in sequence order.
func (s *Store) Events(ctx context.Context, runID string) ([]bus.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_id, type, payload, ts FROM run_events
		WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: load events for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var (
			ev      bus.Event
			eventID sql.NullString
			typ     string
			payload sql.NullString
			ts      string
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &eventID, &typ, &payload, &ts); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.ID = eventID.String
		ev.Type = bus.Type(typ)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Watermark loads the import cursor for a file path.
func (s *Store) Watermark(ctx context.Context, filePath string) (cliimport.Watermark, bool, error) {
	var (
		wm       cliimport.Watermark
		lastUUID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT byte_offset, mtime_ns, file_size, last_uuid
		FROM import_watermarks WHERE file_path = ?
	`, filePath).Scan(&wm.Offset, &wm.MtimeNs, &wm.FileSize, &lastUUID)
	if err == sql.ErrNoRows {
		return cliimport.Watermark{}, false, nil
	}
	if err != nil {
		return cliimport.Watermark{}, false, fmt.Errorf("store: load watermark %s: %w", filePath, err)
	}
	wm.LastUUID = lastUUID.String
	return wm, true, nil
}

// CommitImport durably applies an import pass: the events and the watermark
// that covers them commit in one transaction, so partial failure leaves the
// watermark at its pre-import value and a retry reprocesses the same range.
func (s *Store) CommitImport(ctx context.Context, filePath string, events []bus.Event, wm cliimport.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin import tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventsTx(ctx, tx, events); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO import_watermarks (file_path, byte_offset, mtime_ns, file_size, last_uuid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			mtime_ns = excluded.mtime_ns,
			file_size = excluded.file_size,
			last_uuid = excluded.last_uuid,
			updated_at = excluded.updated_at
	`, filePath, wm.Offset, wm.MtimeNs, wm.FileSize, nullable(wm.LastUUID),
		s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("store: save watermark %s: %w", filePath, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit import: %w", err)
	}
	return nil
}

// SaveRunSummary persists a sealed run's per-day counters and activity.
func (s *Store) SaveRunSummary(ctx context.Context, sum usage.RunUsageSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin summary tx: %w", err)
	}
	defer tx.Rollback()

	for day, du := range sum.Days {
		for model, c := range du.Models {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_usage_summaries
					(run_id, day, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, turns)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, day, model) DO UPDATE SET
					input_tokens = excluded.input_tokens,
					output_tokens = excluded.output_tokens,
					cache_read_tokens = excluded.cache_read_tokens,
					cache_write_tokens = excluded.cache_write_tokens,
					cost_usd = excluded.cost_usd,
					turns = excluded.turns
			`, sum.RunID, day, model, c.InputTokens, c.OutputTokens, c.CacheReadTokens,
				c.CacheWriteTokens, c.CostUSD, c.Turns); err != nil {
				return fmt.Errorf("store: save summary row %s/%s: %w", sum.RunID, day, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_activity (run_id, day, messages, tool_calls)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, day) DO UPDATE SET
				messages = excluded.messages,
				tool_calls = excluded.tool_calls
		`, sum.RunID, day, du.Messages, du.ToolCalls); err != nil {
			return fmt.Errorf("store: save activity row %s/%s: %w", sum.RunID, day, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit summary: %w", err)
	}
	return nil
}

// RunSummary loads one run's persisted per-day counters and activity. The
// import path uses it to rebuild its baseline after a process restart, so
// incremental passes keep extending absolute counters instead of resetting
// them.
func (s *Store) RunSummary(ctx context.Context, runID string) (usage.RunUsageSummary, bool, error) {
	sum := usage.RunUsageSummary{RunID: runID, Days: make(map[string]usage.DayUsage)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT day, model, input_tokens, output_tokens, cache_read_tokens,
			cache_write_tokens, cost_usd, turns
		FROM run_usage_summaries WHERE run_id = ?
	`, runID)
	if err != nil {
		return sum, false, fmt.Errorf("store: load summary %s: %w", runID, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			day, model string
			c          usage.Counters
		)
		if err := rows.Scan(&day, &model, &c.InputTokens, &c.OutputTokens,
			&c.CacheReadTokens, &c.CacheWriteTokens, &c.CostUSD, &c.Turns); err != nil {
			return sum, false, fmt.Errorf("store: scan summary row: %w", err)
		}
		du, ok := sum.Days[day]
		if !ok {
			du = usage.DayUsage{Models: make(map[string]usage.Counters)}
		}
		du.Models[model] = c
		sum.Days[day] = du
		found = true
	}
	if err := rows.Err(); err != nil {
		return sum, false, err
	}

	activity, err := s.db.QueryContext(ctx, `
		SELECT day, messages, tool_calls FROM run_activity WHERE run_id = ?
	`, runID)
	if err != nil {
		return sum, false, fmt.Errorf("store: load activity %s: %w", runID, err)
	}
	defer activity.Close()

	for activity.Next() {
		var (
			day                 string
			messages, toolCalls int64
		)
		if err := activity.Scan(&day, &messages, &toolCalls); err != nil {
			return sum, false, fmt.Errorf("store: scan activity row: %w", err)
		}
		du, ok := sum.Days[day]
		if !ok {
			du = usage.DayUsage{Models: make(map[string]usage.Counters)}
		}
		du.Messages = messages
		du.ToolCalls = toolCalls
		sum.Days[day] = du
		found = true
	}
	return sum, found, activity.Err()
}

// DailyUsage implements usage.Source: the full-recompute rollup grouped by
// day and model.
func (s *Store) DailyUsage(ctx context.Context) ([]usage.DailyUsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, model,
			SUM(input_tokens), SUM(output_tokens), SUM(cache_read_tokens),
			SUM(cache_write_tokens), SUM(cost_usd), SUM(turns)
		FROM run_usage_summaries
		GROUP BY day, model
		ORDER BY day, model
	`)
	if err != nil {
		return nil, fmt.Errorf("store: daily usage rollup: %w", err)
	}
	defer rows.Close()

	var out []usage.DailyUsageRow
	for rows.Next() {
		var row usage.DailyUsageRow
		if err := rows.Scan(&row.Day, &row.Model, &row.InputTokens, &row.OutputTokens,
			&row.CacheReadTokens, &row.CacheWriteTokens, &row.CostUSD, &row.Turns); err != nil {
			return nil, fmt.Errorf("store: scan usage row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DailyActivity implements usage.Source: messages/tool calls/distinct
// sessions per day.
func (s *Store) DailyActivity(ctx context.Context) ([]usage.DailyActivityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, SUM(messages), SUM(tool_calls), COUNT(DISTINCT run_id)
		FROM run_activity
		GROUP BY day
		ORDER BY day
	`)
	if err != nil {
		return nil, fmt.Errorf("store: daily activity rollup: %w", err)
	}
	defer rows.Close()

	var out []usage.DailyActivityRow
	for rows.Next() {
		var row usage.DailyActivityRow
		if err := rows.Scan(&row.Day, &row.Messages, &row.ToolCalls, &row.Sessions); err != nil {
			return nil, fmt.Errorf("store: scan activity row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
