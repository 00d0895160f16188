// Package timeline assembles the per-run, presentation-ready sequence of
// entries from classified bus events. Tool invocations nest one level under
// their parent tool; ordering follows the event sequence number, never the
// wall clock.
package timeline

import (
	"encoding/json"
	"time"
)

type EntryKind string

const (
	KindUser          EntryKind = "user"
	KindAssistant     EntryKind = "assistant"
	KindTool          EntryKind = "tool"
	KindSeparator     EntryKind = "separator"
	KindCommandOutput EntryKind = "command_output"
)

type ToolStatus string

const (
	ToolRunning          ToolStatus = "running"
	ToolSuccess          ToolStatus = "success"
	ToolError            ToolStatus = "error"
	ToolPermissionDenied ToolStatus = "permission_denied"
	ToolPermissionPrompt ToolStatus = "permission_prompt"
)

// ToolItem is one tool invocation on the timeline.
type ToolItem struct {
	ToolUseID           string          `json:"tool_use_id"`
	ToolName            string          `json:"tool_name"`
	Input               json.RawMessage `json:"input,omitempty"`
	InputPartial        string          `json:"input_partial,omitempty"`
	Output              json.RawMessage `json:"output,omitempty"`
	Status              ToolStatus      `json:"status"`
	DurationMS          int64           `json:"duration_ms,omitempty"`
	PermissionRequestID string          `json:"permission_request_id,omitempty"`
	Progress            string          `json:"progress,omitempty"`
	Summary             string          `json:"summary,omitempty"`
}

// Entry is one element of a run's timeline. A tool entry owns its ToolItem
// and at most one level of nested sub-entries: tool calls spawned while the
// parent tool was processing.
type Entry struct {
	Kind        EntryKind `json:"kind"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Text        string    `json:"text,omitempty"`
	Thinking    string    `json:"thinking,omitempty"`
	Tool        *ToolItem `json:"tool,omitempty"`
	SubTimeline []*Entry  `json:"sub_timeline,omitempty"`
	Note        string    `json:"note,omitempty"` // separator/anomaly annotation
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Tool != nil {
		tool := *e.Tool
		out.Tool = &tool
	}
	if len(e.SubTimeline) > 0 {
		out.SubTimeline = make([]*Entry, 0, len(e.SubTimeline))
		for _, sub := range e.SubTimeline {
			out.SubTimeline = append(out.SubTimeline, sub.clone())
		}
	}
	return &out
}
