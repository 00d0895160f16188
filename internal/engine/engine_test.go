package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
	"github.com/janekbaraniewski/runledger/internal/cliimport"
	"github.com/janekbaraniewski/runledger/internal/correlate"
	"github.com/janekbaraniewski/runledger/internal/store"
	"github.com/janekbaraniewski/runledger/internal/timeline"
)

func testClock() func() time.Time {
	fixed := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return fixed }
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.OpenStore(filepath.Join(t.TempDir(), "runledger.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if opts.Now == nil {
		opts.Now = testClock()
	}
	st.SetNow(opts.Now)
	return New(st, opts), st
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func handle(t *testing.T, e *Engine, runID string, typ bus.Type, payload any) bus.Event {
	t.Helper()
	ev := bus.Event{RunID: runID, Type: typ, Timestamp: testClock()()}
	if payload != nil {
		ev.Payload = mustPayload(t, payload)
	}
	stamped, err := e.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent(%s): %v", typ, err)
	}
	return stamped
}

func TestHandleEvent_LivePipeline(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.TypeToolStart, bus.ToolStartPayload{ToolUseID: "t1", ToolName: "Bash"})
	handle(t, e, "run-1", bus.TypeToolEnd, bus.ToolEndPayload{ToolUseID: "t1", Output: json.RawMessage(`"ok"`)})
	handle(t, e, "run-1", bus.TypeMessageComplete, bus.MessageCompletePayload{Model: "claude-sonnet-4", Text: "done"})
	handle(t, e, "run-1", bus.TypeUsageUpdate, bus.UsageUpdatePayload{
		Model: "claude-sonnet-4", TurnIndex: 0, InputTokens: 1000, OutputTokens: 200,
	})
	handle(t, e, "run-1", bus.TypeRunState, bus.RunStatePayload{Status: "completed"})

	entries, err := e.Timeline(ctx, "run-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("timeline entries = %d, want 2 (tool + assistant)", len(entries))
	}
	if entries[0].Kind != timeline.KindTool || entries[0].Tool.Status != timeline.ToolSuccess {
		t.Fatalf("entry[0] = %+v", entries[0])
	}

	run, ok, err := st.Run(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("Run: ok=%v err=%v", ok, err)
	}
	if run.Status != store.RunCompleted || run.EndedAt == nil {
		t.Fatalf("run = %+v, want completed with ended_at", run)
	}

	ov, err := e.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview: %v", err)
	}
	if ov.TotalTokens != 1200 {
		t.Fatalf("TotalTokens = %d, want 1200", ov.TotalTokens)
	}
	if ov.TotalCostUSD <= 0 {
		t.Fatalf("TotalCostUSD = %v, want estimated > 0", ov.TotalCostUSD)
	}
	if ov.Sessions != 1 || ov.Messages != 1 || ov.ToolCalls != 1 {
		t.Fatalf("activity = %d/%d/%d, want 1/1/1", ov.Sessions, ov.Messages, ov.ToolCalls)
	}
	if ov.CurrentStreak != 1 {
		t.Fatalf("CurrentStreak = %d, want 1", ov.CurrentStreak)
	}
}

func TestHandleEvent_UnknownTypeDroppedNotPersisted(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.Type("from_the_future"), nil)

	events, err := st.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("persisted %d unknown events, want 0", len(events))
	}
	if got := e.Stats().UnknownEvents; got != 1 {
		t.Fatalf("UnknownEvents = %d, want 1", got)
	}
}

func TestStopRun_ForceResolvesCorrelations(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.TypePermissionPrompt, bus.PermissionPromptPayload{RequestID: "req-1", ToolUseID: "t1"})
	handle(t, e, "run-1", bus.TypeHookStarted, bus.HookPayload{HookID: "h1", EventName: "PreToolUse"})

	if got := len(e.PendingPermissions("run-1")); got != 1 {
		t.Fatalf("pending permissions = %d, want 1", got)
	}
	if got := len(e.ActiveHooks("run-1")); got != 1 {
		t.Fatalf("active hooks = %d, want 1", got)
	}

	if err := e.StopRun(ctx, "run-1", store.RunStopped); err != nil {
		t.Fatalf("StopRun: %v", err)
	}

	if got := len(e.PendingPermissions("run-1")); got != 0 {
		t.Fatalf("pending permissions after stop = %d, want 0", got)
	}
	if got := len(e.ActiveHooks("run-1")); got != 0 {
		t.Fatalf("active hooks after stop = %d, want 0", got)
	}

	// The cancelled prompt resolves exactly once; a late decision is an
	// anomaly, not a flip.
	if _, resolved := e.ResolvePermission("req-1", correlate.DecisionApproved); resolved {
		t.Fatal("cancelled request must not resolve again")
	}
}

func TestStopRun_SealsOnce(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.TypeUsageUpdate, bus.UsageUpdatePayload{
		Model: "claude-sonnet-4", TurnIndex: 0, InputTokens: 100, OutputTokens: 10,
	})

	if err := e.StopRun(ctx, "run-1", store.RunCompleted); err != nil {
		t.Fatalf("first StopRun: %v", err)
	}
	if err := e.StopRun(ctx, "run-1", store.RunCompleted); err != nil {
		t.Fatalf("second StopRun: %v", err)
	}

	rows, err := st.DailyUsage(ctx)
	if err != nil {
		t.Fatalf("DailyUsage: %v", err)
	}
	var tokens int64
	for _, row := range rows {
		tokens += row.TotalTokens()
	}
	if tokens != 110 {
		t.Fatalf("stored tokens after double stop = %d, want 110", tokens)
	}
}

func TestStopRun_RejectsNonTerminalStatus(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if err := e.StopRun(context.Background(), "run-1", store.RunRunning); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestHookCallbackRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	handle(t, e, "run-1", bus.TypeHookStarted, bus.HookPayload{HookID: "h1", EventName: "PreToolUse"})
	handle(t, e, "run-1", bus.TypeHookCallback, bus.HookPayload{HookID: "h1", RequestID: "cb-1"})

	hooks := e.ActiveHooks("run-1")
	if len(hooks) != 1 || hooks[0].State != correlate.HookAwaitingCallback {
		t.Fatalf("hooks = %+v, want one awaiting callback", hooks)
	}

	if _, ok := e.AnswerHookCallback("cb-1"); !ok {
		t.Fatal("AnswerHookCallback failed for open callback")
	}
	handle(t, e, "run-1", bus.TypeHookResponse, bus.HookPayload{HookID: "h1", Outcome: "ok"})

	if got := len(e.ActiveHooks("run-1")); got != 0 {
		t.Fatalf("active hooks = %d, want 0", got)
	}
}

func TestSweepExpiredPermissions(t *testing.T) {
	clock := testClock()
	e, _ := newTestEngine(t, Options{
		PermissionTimeout: time.Minute,
		Now:               func() time.Time { return clock().Add(2 * time.Minute) },
	})

	ev := bus.Event{
		RunID:     "run-1",
		Type:      bus.TypePermissionPrompt,
		Timestamp: clock(),
	}
	ev.Payload, _ = json.Marshal(bus.PermissionPromptPayload{RequestID: "req-1"})
	if _, err := e.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	expired := e.SweepExpiredPermissions()
	if len(expired) != 1 || expired[0].Decision != correlate.DecisionTimedOut {
		t.Fatalf("expired = %+v, want one timed_out resolution", expired)
	}
}

func TestSweepExpiredPermissions_ZeroTimeoutNeverExpires(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	handle(t, e, "run-1", bus.TypePermissionPrompt, bus.PermissionPromptPayload{RequestID: "req-1"})
	if expired := e.SweepExpiredPermissions(); len(expired) != 0 {
		t.Fatalf("expired = %+v, want none with zero timeout", expired)
	}
}

func TestTimeline_ReplaysFromStore(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.TypeMessageComplete, bus.MessageCompletePayload{Text: "hello"})
	handle(t, e, "run-1", bus.TypeToolStart, bus.ToolStartPayload{ToolUseID: "t1", ToolName: "Read"})

	// A fresh engine over the same store has no in-memory state for run-1.
	fresh := New(st, Options{Now: testClock()})
	entries, err := fresh.Timeline(ctx, "run-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("replayed entries = %d, want 2", len(entries))
	}
	if entries[1].Kind != timeline.KindTool || entries[1].Tool.ToolName != "Read" {
		t.Fatalf("entry[1] = %+v", entries[1])
	}

	_ = e
}

func TestSubscribe_DeliversAndCancels(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	snapshot, events, cancel := e.Subscribe("run-1")
	if len(snapshot) != 0 {
		t.Fatalf("snapshot = %d entries, want 0", len(snapshot))
	}

	stamped := handle(t, e, "run-1", bus.TypeMessageComplete, bus.MessageCompletePayload{Text: "hi"})

	select {
	case got := <-events:
		if got.Seq != stamped.Seq || got.Type != bus.TypeMessageComplete {
			t.Fatalf("received %+v, want seq %d", got, stamped.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	cancel()
	if _, open := <-events; open {
		t.Fatal("channel still open after cancel")
	}
}

func TestSubscribe_SlowSubscriberDoesNotStall(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	_, events, cancel := e.Subscribe("run-1")
	defer cancel()

	// Overflow the buffer without draining; every HandleEvent must return.
	for i := 0; i < 200; i++ {
		handle(t, e, "run-1", bus.TypeMessageComplete, bus.MessageCompletePayload{Text: fmt.Sprintf("m%d", i)})
	}
	if len(events) != cap(events) {
		t.Fatalf("buffered = %d, want full buffer %d", len(events), cap(events))
	}
}

func writeSessionLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write session log: %v", err)
	}
	return path
}

func appendSessionLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open session log: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			t.Fatalf("append session log: %v", err)
		}
	}
}

func TestImportSession_FeedsSamePipeline(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()

	path := writeSessionLog(t,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u1","timestamp":"2026-03-02T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"imported"}],"usage":{"input_tokens":500,"output_tokens":50}}}`,
	)
	sum := cliimport.CliSessionSummary{SessionID: "sess-1", FilePath: path}

	res, err := e.ImportSession(ctx, sum)
	if err != nil {
		t.Fatalf("ImportSession: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2", res.EventsImported)
	}

	entries, err := e.Timeline(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "imported" {
		t.Fatalf("entries = %+v, want one assistant entry", entries)
	}

	run, ok, err := st.Run(ctx, "sess-1")
	if err != nil || !ok || run.Status != store.RunCompleted {
		t.Fatalf("run = %+v ok=%v err=%v, want completed", run, ok, err)
	}
	if run.ImportPath != path {
		t.Fatalf("ImportPath = %q, want %q", run.ImportPath, path)
	}

	ov, err := e.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview: %v", err)
	}
	if ov.TotalTokens != 550 {
		t.Fatalf("TotalTokens = %d, want 550", ov.TotalTokens)
	}

	// Re-import of an unchanged file is a no-op.
	res, err = e.ImportSession(ctx, sum)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if res.EventsImported != 0 {
		t.Fatalf("re-import EventsImported = %d, want 0", res.EventsImported)
	}
	ov, err = e.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview after re-import: %v", err)
	}
	if ov.TotalTokens != 550 {
		t.Fatalf("TotalTokens after re-import = %d, want 550 (no double count)", ov.TotalTokens)
	}
}

func TestImportSession_GrowingLogExtendsUsage(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	path := writeSessionLog(t,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u1","timestamp":"2026-03-02T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"first"}],"usage":{"input_tokens":1000,"output_tokens":100}}}`,
	)
	sum := cliimport.CliSessionSummary{SessionID: "sess-1", FilePath: path}

	if _, err := e.ImportSession(ctx, sum); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	ov, err := e.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview: %v", err)
	}
	if ov.TotalTokens != 1100 {
		t.Fatalf("TotalTokens after first pass = %d, want 1100", ov.TotalTokens)
	}

	appendSessionLog(t, path,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u2","timestamp":"2026-03-02T11:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"second"}],"usage":{"input_tokens":2000,"output_tokens":200}}}`,
	)

	res, err := e.ImportSession(ctx, sum)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("second pass EventsImported = %d, want 2", res.EventsImported)
	}

	ov, err = e.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview after growth: %v", err)
	}
	if ov.TotalTokens != 3300 {
		t.Fatalf("TotalTokens after growth = %d, want 3300", ov.TotalTokens)
	}
	if ov.Sessions != 1 {
		t.Fatalf("Sessions = %d, want 1 (same run across passes)", ov.Sessions)
	}

	// The persisted summary grew too: a full recompute agrees.
	e.ClearUsageCache()
	ov, err = e.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview after cache clear: %v", err)
	}
	if ov.TotalTokens != 3300 {
		t.Fatalf("recomputed TotalTokens = %d, want 3300", ov.TotalTokens)
	}
}

func TestImportSession_GrowingLogSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.OpenStore(filepath.Join(dir, "runledger.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	st.SetNow(testClock())

	path := writeSessionLog(t,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u1","timestamp":"2026-03-02T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"first"}],"usage":{"input_tokens":1000,"output_tokens":100}}}`,
	)
	sum := cliimport.CliSessionSummary{SessionID: "sess-1", FilePath: path}

	first := New(st, Options{Now: testClock()})
	if _, err := first.ImportSession(ctx, sum); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	appendSessionLog(t, path,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u2","timestamp":"2026-03-02T11:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"second"}],"usage":{"input_tokens":2000,"output_tokens":200}}}`,
	)

	// A fresh engine over the same store: the baseline comes back from the
	// persisted summary, not from process memory.
	second := New(st, Options{Now: testClock()})
	if _, err := second.ImportSession(ctx, sum); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	ov, err := second.UsageOverview(ctx, 30)
	if err != nil {
		t.Fatalf("UsageOverview: %v", err)
	}
	if ov.TotalTokens != 3300 {
		t.Fatalf("TotalTokens across restart = %d, want 3300", ov.TotalTokens)
	}
}

func TestHeatmapDaily(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.TypeUsageUpdate, bus.UsageUpdatePayload{
		Model: "claude-sonnet-4", TurnIndex: 0, InputTokens: 100, OutputTokens: 0,
	})
	if err := e.StopRun(ctx, "run-1", store.RunCompleted); err != nil {
		t.Fatalf("StopRun: %v", err)
	}

	heat, err := e.HeatmapDaily(ctx, "tokens")
	if err != nil {
		t.Fatalf("HeatmapDaily: %v", err)
	}
	if heat["2026-03-02"] != 100 {
		t.Fatalf("heatmap = %v, want 100 tokens on 2026-03-02", heat)
	}
}

func TestRunStateRecordsForkParent(t *testing.T) {
	e, st := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-child", bus.TypeRunState, bus.RunStatePayload{
		Status: string(store.RunRunning), ParentRunID: "run-parent",
	})

	run, ok, err := st.Run(ctx, "run-child")
	if err != nil || !ok {
		t.Fatalf("Run: ok=%v err=%v", ok, err)
	}
	if run.ParentRunID != "run-parent" {
		t.Fatalf("parent = %q, want run-parent", run.ParentRunID)
	}

	// The first recorded parent sticks.
	handle(t, e, "run-child", bus.TypeRunState, bus.RunStatePayload{
		Status: string(store.RunRunning), ParentRunID: "run-other",
	})
	run, _, _ = st.Run(ctx, "run-child")
	if run.ParentRunID != "run-parent" {
		t.Fatalf("parent = %q after second run_state, want run-parent", run.ParentRunID)
	}
}

func TestRunUsage_LiveSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	handle(t, e, "run-1", bus.TypeUsageUpdate, bus.UsageUpdatePayload{
		Model: "claude-sonnet-4", TurnIndex: 0, InputTokens: 40, OutputTokens: 20,
	})

	sum, ok := e.RunUsage("run-1")
	if !ok {
		t.Fatalf("RunUsage: run not tracked")
	}
	day, ok := sum.Days["2026-03-02"]
	if !ok {
		t.Fatalf("RunUsage days = %v, want 2026-03-02", sum.Days)
	}
	if got := day.Models["claude-sonnet-4"].TotalTokens(); got != 60 {
		t.Fatalf("live tokens = %d, want 60", got)
	}

	if _, ok := e.RunUsage("run-unknown"); ok {
		t.Fatalf("RunUsage reported an untracked run")
	}
}

func TestGlobalUsageOverview_CoversAllHistory(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	handle(t, e, "run-1", bus.TypeUsageUpdate, bus.UsageUpdatePayload{
		Model: "claude-sonnet-4", TurnIndex: 0, InputTokens: 100, OutputTokens: 50,
	})
	if err := e.StopRun(ctx, "run-1", store.RunCompleted); err != nil {
		t.Fatalf("StopRun: %v", err)
	}

	ov, err := e.GlobalUsageOverview(ctx)
	if err != nil {
		t.Fatalf("GlobalUsageOverview: %v", err)
	}
	if ov.Days != 0 {
		t.Fatalf("Days = %d, want 0 (unbounded)", ov.Days)
	}
	if ov.TotalTokens != 150 {
		t.Fatalf("TotalTokens = %d, want 150", ov.TotalTokens)
	}
}
