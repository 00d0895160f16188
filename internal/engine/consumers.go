package engine

import (
	"context"

	"github.com/janekbaraniewski/runledger/internal/bus"
	"github.com/janekbaraniewski/runledger/internal/correlate"
)

// correlateConsumer feeds permission and hook lifecycle events into their
// correlators.
type correlateConsumer struct{ e *Engine }

func (c *correlateConsumer) Name() string { return "correlate" }

func (c *correlateConsumer) Consume(_ context.Context, ev bus.Event) error {
	switch ev.Type {
	case bus.TypePermissionPrompt:
		var p bus.PermissionPromptPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		c.e.perms.Open(correlate.PendingPermission{
			RequestID: p.RequestID,
			ToolUseID: p.ToolUseID,
			RunID:     ev.RunID,
			CreatedAt: ev.Timestamp,
		})
	case bus.TypePermissionDenied:
		var p bus.PermissionDeniedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		c.e.perms.Resolve(p.RequestID, correlate.DecisionDenied)
	case bus.TypeHookStarted:
		var p bus.HookPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		c.e.hooks.Start(p.HookID, ev.RunID, p.EventName)
	case bus.TypeHookProgress:
		var p bus.HookPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		c.e.hooks.Progress(p.HookID)
	case bus.TypeHookCallback:
		var p bus.HookPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		c.e.hooks.OpenCallback(p.HookID, p.RequestID)
	case bus.TypeHookResponse:
		var p bus.HookPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		outcome := p.Outcome
		if outcome == "" {
			outcome = correlate.HookOutcomeOK
		}
		c.e.hooks.Resolve(p.HookID, outcome)
	}
	return nil
}

// timelineConsumer applies every event to the run's timeline builder.
type timelineConsumer struct{ e *Engine }

func (c *timelineConsumer) Name() string { return "timeline" }

func (c *timelineConsumer) Consume(_ context.Context, ev bus.Event) error {
	return c.e.runFor(ev.RunID).builder.Apply(ev)
}

// usageConsumer maintains the per-run usage accumulator and activity counts.
type usageConsumer struct{ e *Engine }

func (c *usageConsumer) Name() string { return "usage" }

func (c *usageConsumer) Consume(_ context.Context, ev bus.Event) error {
	switch ev.Type {
	case bus.TypeUsageUpdate:
		_, err := c.e.accum.Apply(ev)
		return err
	case bus.TypeMessageComplete:
		c.e.accum.NoteMessage(ev.RunID, ev.Timestamp)
	case bus.TypeToolStart:
		c.e.accum.NoteToolCall(ev.RunID, ev.Timestamp)
	}
	return nil
}

// fanoutConsumer pushes events to live subscribers. A full subscriber buffer
// drops the event for that subscriber only.
type fanoutConsumer struct{ e *Engine }

func (c *fanoutConsumer) Name() string { return "fanout" }

func (c *fanoutConsumer) Consume(_ context.Context, ev bus.Event) error {
	rs := c.e.runFor(ev.RunID)
	rs.subsMu.Lock()
	defer rs.subsMu.Unlock()
	for _, sub := range rs.subs {
		select {
		case sub <- ev:
		default:
		}
	}
	return nil
}
