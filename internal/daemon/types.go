package daemon

import (
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
	"github.com/janekbaraniewski/runledger/internal/engine"
	"github.com/janekbaraniewski/runledger/internal/timeline"
	"github.com/janekbaraniewski/runledger/internal/usage"
)

const APIVersion = "v1"

type Config struct {
	DBPath     string
	SocketPath string

	// SessionDirs are watched for *.jsonl changes; each change triggers an
	// incremental import of the touched log.
	SessionDirs   []string
	WatchDebounce time.Duration
	MaxLineBytes  int

	// PermissionTimeout bounds unanswered permission prompts. Zero means
	// prompts never expire; a positive value is enforced by a sweep ticker.
	PermissionTimeout time.Duration
	SweepInterval     time.Duration

	OverviewDays    int
	RecentModelDays int
	Verbose         bool
}

type HealthResponse struct {
	Status        string `json:"status"`
	DaemonVersion string `json:"daemon_version,omitempty"`
	APIVersion    string `json:"api_version,omitempty"`
}

type EventRequest struct {
	Event bus.Event `json:"event"`
}

type EventResponse struct {
	RunID string `json:"run_id"`
	Seq   uint64 `json:"seq"`
}

type ImportRequest struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
}

type ImportResponse struct {
	EventsImported  int            `json:"events_imported"`
	EventsSkipped   int            `json:"events_skipped"`
	UsageIncomplete bool           `json:"usage_incomplete"`
	SkippedSubtypes map[string]int `json:"skipped_subtypes,omitempty"`
}

type TimelineResponse struct {
	RunID   string            `json:"run_id"`
	Entries []*timeline.Entry `json:"entries"`
}

type ResolvePermissionRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

type ResolvePermissionResponse struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Resolved  bool   `json:"resolved"`
}

type AnswerCallbackRequest struct {
	RequestID string `json:"request_id"`
}

type AnswerCallbackResponse struct {
	RequestID string `json:"request_id"`
	HookID    string `json:"hook_id,omitempty"`
	Answered  bool   `json:"answered"`
}

type HeatmapResponse struct {
	Scope string             `json:"scope"`
	Days  map[string]float64 `json:"days"`
}

type StatsResponse struct {
	Stats engine.Stats `json:"stats"`
}

type UsageResponse struct {
	Overview usage.UsageOverview `json:"overview"`
}
