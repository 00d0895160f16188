package cliimport

import (
	"encoding/json"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
)

// sessionRecord is one line of a CLI session JSONL log.
type sessionRecord struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype,omitempty"`
	SessionID     string          `json:"sessionId"`
	UUID          string          `json:"uuid"`
	ParentUUID    *string         `json:"parentUuid"`
	Timestamp     string          `json:"timestamp"`
	IsSidechain   bool            `json:"isSidechain"`
	CWD           string          `json:"cwd,omitempty"`
	Version       string          `json:"version,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	Message       *recordMessage  `json:"message,omitempty"`
	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`
}

type recordMessage struct {
	Role    string        `json:"role"`
	Model   string        `json:"model,omitempty"`
	Content recordContent `json:"content"`
	Usage   *recordUsage  `json:"usage,omitempty"`
}

type recordUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// recordContent accepts both the string and the block-array message content
// forms the log format has used over time.
type recordContent struct {
	Text   string
	Blocks []contentBlock
}

func (c *recordContent) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		c.Text = asString
		return nil
	}
	return json.Unmarshal(data, &c.Blocks)
}

func (r sessionRecord) parseTimestamp() (time.Time, bool) {
	if r.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.000Z", r.Timestamp)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// synthesize maps one parsed record to the bus events the live path would
// have produced for the same activity. A record that maps to nothing
// returns (nil, "", false); the second return names the skipped subtype.
// Records without a parseable timestamp carry fallbackTS so their usage
// never folds under the zero day.
func synthesize(runID string, rec sessionRecord, fallbackTS time.Time) (events []bus.Event, skippedAs string, usageOK bool) {
	ts, tsOK := rec.parseTimestamp()
	if !tsOK {
		ts = fallbackTS
	}
	usageOK = true

	appendEvent := func(typ bus.Type, payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		events = append(events, bus.Event{RunID: runID, Type: typ, Payload: raw, Timestamp: ts})
	}

	switch rec.Type {
	case "assistant":
		if rec.Message == nil {
			return nil, "assistant_no_message", true
		}
		var text, thinking string
		for _, block := range rec.Message.Content.Blocks {
			switch block.Type {
			case "text":
				text += block.Text
			case "thinking":
				thinking += block.Thinking
			case "tool_use":
				appendEvent(bus.TypeToolStart, bus.ToolStartPayload{
					ToolUseID: block.ID,
					ToolName:  block.Name,
					Input:     block.Input,
				})
			}
		}
		if rec.Message.Content.Text != "" {
			text += rec.Message.Content.Text
		}
		appendEvent(bus.TypeMessageComplete, bus.MessageCompletePayload{
			MessageID: rec.UUID,
			Model:     rec.Message.Model,
			Text:      text,
			Thinking:  thinking,
		})
		if u := rec.Message.Usage; u != nil {
			appendEvent(bus.TypeUsageUpdate, bus.UsageUpdatePayload{
				Model:            rec.Message.Model,
				TurnIndex:        -1,
				InputTokens:      u.InputTokens,
				OutputTokens:     u.OutputTokens,
				CacheReadTokens:  u.CacheReadInputTokens,
				CacheWriteTokens: u.CacheCreationInputTokens,
			})
		} else {
			// Legacy records without a usage object cannot reconstruct
			// token/cost figures.
			usageOK = false
		}
		return events, "", usageOK

	case "user":
		if rec.Message == nil {
			return nil, "user_no_message", true
		}
		emitted := false
		for _, block := range rec.Message.Content.Blocks {
			if block.Type == "tool_result" {
				appendEvent(bus.TypeToolEnd, bus.ToolEndPayload{
					ToolUseID: block.ToolUseID,
					Output:    block.Content,
					IsError:   block.IsError,
				})
				emitted = true
			}
		}
		if text := userText(rec.Message); text != "" {
			appendEvent(bus.TypeMessageComplete, bus.MessageCompletePayload{
				MessageID: rec.UUID,
				Role:      "user",
				Text:      text,
			})
			emitted = true
		}
		if !emitted {
			return nil, "user_empty", true
		}
		return events, "", true

	case "system":
		if rec.Subtype != "" {
			return nil, "system_" + rec.Subtype, true
		}
		return nil, "system", true

	default:
		name := rec.Type
		if name == "" {
			name = "untyped"
		}
		return nil, name, true
	}
}

func userText(msg *recordMessage) string {
	if msg.Content.Text != "" {
		return msg.Content.Text
	}
	var text string
	for _, block := range msg.Content.Blocks {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
