// Package bus defines the run event protocol: the tagged-union event record
// shared by the live ingress and the session-log import path, plus the
// classifier that fans events out to downstream consumers.
package bus

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSessionInit      Type = "session_init"
	TypeMessageDelta     Type = "message_delta"
	TypeThinkingDelta    Type = "thinking_delta"
	TypeMessageComplete  Type = "message_complete"
	TypeToolStart        Type = "tool_start"
	TypeToolInputDelta   Type = "tool_input_delta"
	TypeToolProgress     Type = "tool_progress"
	TypeToolUseSummary   Type = "tool_use_summary"
	TypeToolEnd          Type = "tool_end"
	TypePermissionPrompt Type = "permission_prompt"
	TypePermissionDenied Type = "permission_denied"
	TypeHookStarted      Type = "hook_started"
	TypeHookProgress     Type = "hook_progress"
	TypeHookResponse     Type = "hook_response"
	TypeHookCallback     Type = "hook_callback"
	TypeControlCancelled Type = "control_cancelled"
	TypeUsageUpdate      Type = "usage_update"
	TypeRunState         Type = "run_state"
	TypeCommandOutput    Type = "command_output"
	TypeRaw              Type = "raw"
)

var knownTypes = map[Type]bool{
	TypeSessionInit:      true,
	TypeMessageDelta:     true,
	TypeThinkingDelta:    true,
	TypeMessageComplete:  true,
	TypeToolStart:        true,
	TypeToolInputDelta:   true,
	TypeToolProgress:     true,
	TypeToolUseSummary:   true,
	TypeToolEnd:          true,
	TypePermissionPrompt: true,
	TypePermissionDenied: true,
	TypeHookStarted:      true,
	TypeHookProgress:     true,
	TypeHookResponse:     true,
	TypeHookCallback:     true,
	TypeControlCancelled: true,
	TypeUsageUpdate:      true,
	TypeRunState:         true,
	TypeCommandOutput:    true,
	TypeRaw:              true,
}

// Known reports whether t is part of the current protocol vocabulary.
// Unknown values are still representable; the classifier counts and drops
// them instead of failing the stream.
func Known(t Type) bool { return knownTypes[t] }

// Event is one record in a run's ordered event log. Seq is assigned at
// ingestion time by the run's sequence owner and orders events
// deterministically even when timestamps collide. ID is a globally unique
// record id; ingestion generates one when the producer sends none.
type Event struct {
	ID        string          `json:"id,omitempty"`
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodePayload unmarshals the event payload into dst. A nil payload decodes
// to the zero value.
func (e Event) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

type MessageDeltaPayload struct {
	Text string `json:"text"`
}

type MessageCompletePayload struct {
	MessageID string `json:"message_id,omitempty"`
	Role      string `json:"role,omitempty"` // defaults to assistant
	Model     string `json:"model,omitempty"`
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
}

type ToolStartPayload struct {
	ToolUseID       string          `json:"tool_use_id"`
	ToolName        string          `json:"tool_name"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
}

type ToolInputDeltaPayload struct {
	ToolUseID   string `json:"tool_use_id"`
	PartialJSON string `json:"partial_json"`
}

type ToolProgressPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Message   string `json:"message,omitempty"`
}

type ToolUseSummaryPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Summary   string `json:"summary"`
}

type ToolEndPayload struct {
	ToolUseID  string          `json:"tool_use_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

type PermissionPromptPayload struct {
	RequestID string `json:"request_id"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
}

type PermissionDeniedPayload struct {
	RequestID string `json:"request_id"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type HookPayload struct {
	HookID    string `json:"hook_id"`
	EventName string `json:"event_name,omitempty"`
	RequestID string `json:"request_id,omitempty"` // hook_callback only
	Message   string `json:"message,omitempty"`
	Outcome   string `json:"outcome,omitempty"` // hook_response only
}

type ControlCancelledPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type UsageUpdatePayload struct {
	Model            string  `json:"model,omitempty"`
	TurnIndex        int     `json:"turn_index"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type RunStatePayload struct {
	Status      string `json:"status"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type CommandOutputPayload struct {
	Command string `json:"command,omitempty"`
	Output  string `json:"output"`
}

type SessionInitPayload struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd,omitempty"`
	Version   string `json:"version,omitempty"`
	Model     string `json:"model,omitempty"`
}
