package timeline

import (
	"fmt"
	"sync"

	"github.com/janekbaraniewski/runledger/internal/bus"
)

// openTool tracks where an in-flight tool invocation lives so later events
// can find it without walking the whole timeline.
type openTool struct {
	entry  *Entry
	parent *Entry // non-nil when nested under a top-level tool entry
}

// Builder maintains one run's ordered timeline. Events must arrive in Seq
// order (the engine serializes per run); Builder itself is safe for
// concurrent Apply/Snapshot because readers take snapshots.
type Builder struct {
	mu      sync.Mutex
	runID   string
	entries []*Entry
	open    map[string]*openTool

	// streaming assistant turn
	textBuf     string
	thinkingBuf string

	anomalies int64
}

func NewBuilder(runID string) *Builder {
	return &Builder{
		runID: runID,
		open:  make(map[string]*openTool),
	}
}

// Apply folds one classified event into the timeline. Events the timeline
// does not model are ignored; malformed payloads and out-of-order tool
// events are recorded as anomaly entries rather than failing the stream.
func (b *Builder) Apply(ev bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case bus.TypeMessageDelta:
		var p bus.MessageDeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return b.anomalyLocked(ev, "malformed message_delta payload")
		}
		b.textBuf += p.Text
	case bus.TypeThinkingDelta:
		var p bus.MessageDeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return b.anomalyLocked(ev, "malformed thinking_delta payload")
		}
		b.thinkingBuf += p.Text
	case bus.TypeMessageComplete:
		return b.applyMessageComplete(ev)
	case bus.TypeToolStart:
		return b.applyToolStart(ev)
	case bus.TypeToolInputDelta:
		return b.applyToolInputDelta(ev)
	case bus.TypeToolProgress:
		return b.applyToolProgress(ev)
	case bus.TypeToolUseSummary:
		return b.applyToolUseSummary(ev)
	case bus.TypeToolEnd:
		return b.applyToolEnd(ev)
	case bus.TypePermissionPrompt:
		return b.applyPermissionPrompt(ev)
	case bus.TypePermissionDenied:
		return b.applyPermissionDenied(ev)
	case bus.TypeCommandOutput:
		var p bus.CommandOutputPayload
		if err := ev.DecodePayload(&p); err != nil {
			return b.anomalyLocked(ev, "malformed command_output payload")
		}
		b.entries = append(b.entries, &Entry{
			Kind:      KindCommandOutput,
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp,
			Text:      p.Output,
			Note:      p.Command,
		})
	}
	return nil
}

func (b *Builder) applyMessageComplete(ev bus.Event) error {
	var p bus.MessageCompletePayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed message_complete payload")
	}
	text := p.Text
	if text == "" {
		text = b.textBuf
	}
	thinking := p.Thinking
	if thinking == "" {
		thinking = b.thinkingBuf
	}
	b.textBuf = ""
	b.thinkingBuf = ""
	kind := KindAssistant
	if p.Role == "user" {
		kind = KindUser
	}
	b.entries = append(b.entries, &Entry{
		Kind:      kind,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Text:      text,
		Thinking:  thinking,
	})
	return nil
}

func (b *Builder) applyToolStart(ev bus.Event) error {
	var p bus.ToolStartPayload
	if err := ev.DecodePayload(&p); err != nil || p.ToolUseID == "" {
		return b.anomalyLocked(ev, "malformed tool_start payload")
	}
	if _, exists := b.open[p.ToolUseID]; exists {
		return b.anomalyLocked(ev, fmt.Sprintf("duplicate tool_start for %s", p.ToolUseID))
	}

	entry := &Entry{
		Kind:      KindTool,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Tool: &ToolItem{
			ToolUseID: p.ToolUseID,
			ToolName:  p.ToolName,
			Input:     p.Input,
			Status:    ToolRunning,
		},
	}

	if p.ParentToolUseID != "" {
		if parent := b.topLevelParent(p.ParentToolUseID); parent != nil {
			// Exactly one nesting level: grandchildren flatten into the
			// immediate top-level parent.
			parent.SubTimeline = append(parent.SubTimeline, entry)
			b.open[p.ToolUseID] = &openTool{entry: entry, parent: parent}
			return nil
		}
		// Parent unknown: degrade to a top-level entry.
	}

	b.entries = append(b.entries, entry)
	b.open[p.ToolUseID] = &openTool{entry: entry}
	return nil
}

// topLevelParent resolves the top-level tool entry a nested start should
// attach to, following one hop when the named parent is itself nested.
func (b *Builder) topLevelParent(parentToolUseID string) *Entry {
	open, ok := b.open[parentToolUseID]
	if !ok {
		return nil
	}
	if open.parent != nil {
		return open.parent
	}
	return open.entry
}

func (b *Builder) applyToolInputDelta(ev bus.Event) error {
	var p bus.ToolInputDeltaPayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed tool_input_delta payload")
	}
	open, ok := b.open[p.ToolUseID]
	if !ok {
		return b.anomalyLocked(ev, fmt.Sprintf("tool_input_delta for unknown tool %s", p.ToolUseID))
	}
	open.entry.Tool.InputPartial += p.PartialJSON
	return nil
}

func (b *Builder) applyToolProgress(ev bus.Event) error {
	var p bus.ToolProgressPayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed tool_progress payload")
	}
	if open, ok := b.open[p.ToolUseID]; ok {
		open.entry.Tool.Progress = p.Message
	}
	return nil
}

func (b *Builder) applyToolUseSummary(ev bus.Event) error {
	var p bus.ToolUseSummaryPayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed tool_use_summary payload")
	}
	if open, ok := b.open[p.ToolUseID]; ok {
		open.entry.Tool.Summary = p.Summary
	}
	return nil
}

func (b *Builder) applyToolEnd(ev bus.Event) error {
	var p bus.ToolEndPayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed tool_end payload")
	}
	open, ok := b.open[p.ToolUseID]
	if !ok {
		// The producer may replay or skip a start; record, don't crash.
		return b.anomalyLocked(ev, fmt.Sprintf("tool_end without matching tool_start for %s", p.ToolUseID))
	}
	delete(b.open, p.ToolUseID)

	tool := open.entry.Tool
	tool.Output = p.Output
	tool.DurationMS = p.DurationMS
	switch {
	case tool.Status == ToolPermissionDenied:
		// terminal permission state wins over the end event's error bit
	case p.IsError:
		tool.Status = ToolError
	default:
		tool.Status = ToolSuccess
	}
	return nil
}

func (b *Builder) applyPermissionPrompt(ev bus.Event) error {
	var p bus.PermissionPromptPayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed permission_prompt payload")
	}
	if open, ok := b.open[p.ToolUseID]; ok {
		open.entry.Tool.Status = ToolPermissionPrompt
		open.entry.Tool.PermissionRequestID = p.RequestID
	}
	return nil
}

func (b *Builder) applyPermissionDenied(ev bus.Event) error {
	var p bus.PermissionDeniedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return b.anomalyLocked(ev, "malformed permission_denied payload")
	}
	if open, ok := b.open[p.ToolUseID]; ok {
		open.entry.Tool.Status = ToolPermissionDenied
	}
	return nil
}

func (b *Builder) anomalyLocked(ev bus.Event, note string) error {
	b.anomalies++
	b.entries = append(b.entries, &Entry{
		Kind:      KindSeparator,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Note:      note,
	})
	return nil
}

// Snapshot returns a deep copy of the current timeline. Later events do not
// mutate a returned snapshot.
func (b *Builder) Snapshot() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.clone())
	}
	return out
}

// OpenTools reports how many tool invocations are still running.
func (b *Builder) OpenTools() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Anomalies reports how many defensive anomaly entries were recorded.
func (b *Builder) Anomalies() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.anomalies
}
