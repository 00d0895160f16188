// Package cliimport incrementally parses external CLI session logs into run
// events, using persisted watermarks so an unchanged file is never rescanned
// and a growing file is only read forward.
package cliimport

// Watermark is the persisted cursor marking import progress through one log
// file. For an un-rotated file Offset never decreases across successful
// imports; LastUUID is the last de-duplicated record id and rejects
// byte-identical re-reads.
type Watermark struct {
	Offset   int64  `json:"offset"`
	MtimeNs  int64  `json:"mtime_ns"`
	FileSize int64  `json:"file_size"`
	LastUUID string `json:"last_uuid"`
}

// CliSessionSummary identifies one session log a collaborator asks the
// engine to import.
type CliSessionSummary struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	FileSize  int64  `json:"file_size,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// ImportResult tallies one committed import pass.
type ImportResult struct {
	EventsImported  int            `json:"events_imported"`
	EventsSkipped   int            `json:"events_skipped"`
	UsageIncomplete bool           `json:"usage_incomplete"`
	SkippedSubtypes map[string]int `json:"skipped_subtypes,omitempty"`
}

// SyncResult is the uncommitted variant: the events a pass would apply and
// the watermark that would be persisted with them.
type SyncResult struct {
	NewEvents       int       `json:"new_events"`
	NewWatermark    Watermark `json:"new_watermark"`
	UsageIncomplete bool      `json:"usage_incomplete"`
}
