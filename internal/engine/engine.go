package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
	"github.com/janekbaraniewski/runledger/internal/cliimport"
	"github.com/janekbaraniewski/runledger/internal/correlate"
	"github.com/janekbaraniewski/runledger/internal/store"
	"github.com/janekbaraniewski/runledger/internal/timeline"
	"github.com/janekbaraniewski/runledger/internal/usage"
)

// Options tunes engine policy. The zero value is usable.
type Options struct {
	// PermissionTimeout bounds how long an unanswered permission prompt may
	// stay pending before a sweep times it out. Zero means never expire.
	PermissionTimeout time.Duration

	// MaxLineBytes caps a single session-log line during import.
	MaxLineBytes int

	// RecentModelDays bounds the per-day model breakdown in overviews.
	// Zero keeps the aggregator default.
	RecentModelDays int

	Now func() time.Time
}

// Engine wires the classifier, correlators, timeline builders, usage
// accounting and the import path around one store. Events for a single run
// are applied strictly in order; distinct runs proceed in parallel.
type Engine struct {
	store      *store.Store
	classifier *bus.Classifier
	perms      *correlate.PermissionCorrelator
	hooks      *correlate.HookCorrelator
	accum      *usage.Accumulator
	agg        *usage.Aggregator
	importer   *cliimport.Importer
	opts       Options
	now        func() time.Time

	mu     sync.RWMutex
	runs   map[string]*runState
	nextID int

	// importedMu guards the per-run baseline of the last summary an import
	// pass merged into the aggregator, so the next pass over a grown log
	// applies only the difference.
	importedMu sync.Mutex
	imported   map[string]usage.RunUsageSummary
}

type runState struct {
	// mu serializes event application for the run; subsMu guards only the
	// subscriber set, which the fan-out consumer touches while mu is held.
	mu      sync.Mutex
	builder *timeline.Builder

	subsMu sync.Mutex
	subs   map[int]chan bus.Event
}

func New(st *store.Store, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		store:      st,
		classifier: bus.NewClassifier(),
		perms:      correlate.NewPermissionCorrelator(),
		hooks:      correlate.NewHookCorrelator(),
		accum:      usage.NewAccumulator(),
		agg:        usage.NewAggregator(st),
		opts:       opts,
		now:        now,
		runs:       make(map[string]*runState),
		imported:   make(map[string]usage.RunUsageSummary),
	}
	e.agg.SetNow(now)
	if opts.RecentModelDays > 0 {
		e.agg.RecentModelDays = opts.RecentModelDays
	}
	e.importer = cliimport.NewImporter(st, e, cliimport.NewPathLocks())
	e.importer.Now = now
	if opts.MaxLineBytes > 0 {
		e.importer.MaxLineBytes = opts.MaxLineBytes
	}
	e.classifier.Register(&correlateConsumer{e})
	e.classifier.Register(&timelineConsumer{e})
	e.classifier.Register(&usageConsumer{e})
	e.classifier.Register(&fanoutConsumer{e})
	return e
}

// Stamp validates an event and assigns its id and sequence number without
// delivering it to any consumer. The import path stamps a whole batch,
// makes it durable, then applies it.
func (e *Engine) Stamp(_ context.Context, ev bus.Event) (bus.Event, error) {
	return e.classifier.Stamp(ev)
}

func (e *Engine) runFor(runID string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		rs = &runState{
			builder: timeline.NewBuilder(runID),
			subs:    make(map[int]chan bus.Event),
		}
		e.runs[runID] = rs
	}
	return rs
}

// Apply classifies and fans out one event without persisting it. The import
// path uses this directly: its events are persisted atomically with the
// watermark by the store commit, not event by event.
func (e *Engine) Apply(ctx context.Context, ev bus.Event) (bus.Event, error) {
	if ev.RunID == "" {
		return e.classifier.Dispatch(ctx, ev)
	}
	rs := e.runFor(ev.RunID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return e.classifier.Dispatch(ctx, ev)
}

// HandleEvent applies one live event and persists it. A run_state event
// carrying a terminal status finishes the run after the event itself has
// been applied and stored.
func (e *Engine) HandleEvent(ctx context.Context, ev bus.Event) (bus.Event, error) {
	if ev.RunID != "" {
		if err := e.store.EnsureRun(ctx, store.Run{
			RunID:     ev.RunID,
			Status:    store.RunRunning,
			StartedAt: e.now(),
		}); err != nil {
			return ev, fmt.Errorf("engine: ensure run %s: %w", ev.RunID, err)
		}
	}

	stamped, err := e.Apply(ctx, ev)
	if err != nil {
		return stamped, err
	}
	if !bus.Known(stamped.Type) {
		return stamped, nil
	}
	if err := e.store.AppendEvents(ctx, []bus.Event{stamped}); err != nil {
		return stamped, fmt.Errorf("engine: persist event: %w", err)
	}

	switch stamped.Type {
	case bus.TypeControlCancelled:
		if err := e.StopRun(ctx, stamped.RunID, store.RunStopped); err != nil {
			return stamped, err
		}
	case bus.TypeRunState:
		var p bus.RunStatePayload
		if stamped.DecodePayload(&p) == nil {
			if p.ParentRunID != "" {
				if err := e.store.SetRunParent(ctx, stamped.RunID, p.ParentRunID); err != nil {
					return stamped, err
				}
			}
			if status := store.RunStatus(p.Status); store.Terminal(status) {
				if err := e.StopRun(ctx, stamped.RunID, status); err != nil {
					return stamped, err
				}
			}
		}
	}
	return stamped, nil
}

// StopRun drives a run to a terminal status: every pending permission and
// hook owned by the run is force-resolved, the run's usage is sealed exactly
// once, and the status is persisted. Safe to call more than once.
func (e *Engine) StopRun(ctx context.Context, runID string, status store.RunStatus) error {
	if !store.Terminal(status) {
		return fmt.Errorf("engine: stop run %s: %q is not terminal", runID, status)
	}

	cancelled := e.perms.CancelRun(runID)
	interrupted := e.hooks.CancelRun(runID)
	if len(cancelled) > 0 || len(interrupted) > 0 {
		log.Printf("engine: run %s stopped with %d pending permissions, %d active hooks", runID, len(cancelled), len(interrupted))
	}

	if sum, ok := e.accum.Seal(runID, e.now()); ok {
		if err := e.store.SaveRunSummary(ctx, sum); err != nil {
			return fmt.Errorf("engine: save usage summary %s: %w", runID, err)
		}
		// An imported run's earlier passes already merged a baseline; only
		// the remainder may land. Live runs have a zero baseline.
		e.importedMu.Lock()
		prev := e.imported[runID]
		delete(e.imported, runID)
		e.importedMu.Unlock()
		e.agg.ReapplySummary(prev, sum)
	}

	if err := e.store.SetRunStatus(ctx, runID, status, e.now()); err != nil {
		return fmt.Errorf("engine: set run status %s: %w", runID, err)
	}
	return nil
}

// ImportSession runs one import pass over a session log, feeding synthesized
// events through the same pipeline live events use. The run's counters stay
// unsealed between passes: a later pass over a grown log keeps extending
// them, and each pass re-saves the run's absolute summary.
func (e *Engine) ImportSession(ctx context.Context, summary cliimport.CliSessionSummary) (cliimport.ImportResult, error) {
	runID := summary.SessionID
	if err := e.store.EnsureRun(ctx, store.Run{
		RunID:      runID,
		Status:     store.RunRunning,
		StartedAt:  e.now(),
		ImportPath: summary.FilePath,
	}); err != nil {
		return cliimport.ImportResult{}, fmt.Errorf("engine: ensure run %s: %w", runID, err)
	}

	// First pass for this run in this process: rebuild the absolute
	// baseline from the store so a restart does not reset the counters a
	// previous pass persisted.
	e.importedMu.Lock()
	prev, seeded := e.imported[runID]
	e.importedMu.Unlock()
	if !seeded {
		stored, found, err := e.store.RunSummary(ctx, runID)
		if err != nil {
			return cliimport.ImportResult{}, fmt.Errorf("engine: load summary %s: %w", runID, err)
		}
		if found {
			e.accum.Restore(stored)
			prev = stored
		}
	}

	res, err := e.importer.Import(ctx, summary)
	if err != nil {
		return res, err
	}

	if sum, ok := e.accum.Summary(runID); ok {
		if err := e.store.SaveRunSummary(ctx, sum); err != nil {
			return res, fmt.Errorf("engine: save usage summary %s: %w", runID, err)
		}
		e.importedMu.Lock()
		e.imported[runID] = sum
		e.importedMu.Unlock()
		e.agg.ReapplySummary(prev, sum)
	}

	if err := e.store.SetRunStatus(ctx, runID, store.RunCompleted, e.now()); err != nil {
		return res, fmt.Errorf("engine: set run status %s: %w", runID, err)
	}
	return res, nil
}

// SyncSession reports what an import pass would do without applying it.
func (e *Engine) SyncSession(ctx context.Context, summary cliimport.CliSessionSummary) (cliimport.SyncResult, error) {
	return e.importer.Sync(ctx, summary)
}

// Timeline returns the run's timeline snapshot. A run not held in memory is
// replayed from its stored events first.
func (e *Engine) Timeline(ctx context.Context, runID string) ([]*timeline.Entry, error) {
	e.mu.RLock()
	rs, ok := e.runs[runID]
	e.mu.RUnlock()
	if ok {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return rs.builder.Snapshot(), nil
	}

	events, err := e.store.Events(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine: replay %s: %w", runID, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	b := timeline.NewBuilder(runID)
	for _, ev := range events {
		if err := b.Apply(ev); err != nil {
			log.Printf("engine: replay %s seq=%d: %v", runID, ev.Seq, err)
		}
	}
	return b.Snapshot(), nil
}

// ResolvePermission records an external decision for a pending prompt.
func (e *Engine) ResolvePermission(requestID string, decision correlate.Decision) (correlate.Resolution, bool) {
	return e.perms.Resolve(requestID, decision)
}

// AnswerHookCallback answers a hook's open callback request, letting the
// hook proceed.
func (e *Engine) AnswerHookCallback(requestID string) (*correlate.Hook, bool) {
	return e.hooks.AnswerCallback(requestID)
}

// SweepExpiredPermissions times out prompts older than the configured
// policy. A zero timeout disables expiry.
func (e *Engine) SweepExpiredPermissions() []correlate.Resolution {
	return e.perms.ExpireOlderThan(e.now(), e.opts.PermissionTimeout)
}

func (e *Engine) PendingPermissions(runID string) []correlate.PendingPermission {
	return e.perms.Pending(runID)
}

func (e *Engine) ActiveHooks(runID string) []correlate.Hook {
	return e.hooks.Active(runID)
}

// UsageOverview aggregates usage over the trailing window of days.
func (e *Engine) UsageOverview(ctx context.Context, days int) (usage.UsageOverview, error) {
	return e.agg.Overview(ctx, days)
}

// GlobalUsageOverview aggregates over all recorded history.
func (e *Engine) GlobalUsageOverview(ctx context.Context) (usage.UsageOverview, error) {
	return e.agg.Overview(ctx, 0)
}

// RunUsage snapshots the run's accumulated usage. It works on live runs;
// the snapshot does not seal anything.
func (e *Engine) RunUsage(runID string) (usage.RunUsageSummary, bool) {
	return e.accum.Summary(runID)
}

func (e *Engine) HeatmapDaily(ctx context.Context, scope usage.HeatmapScope) (map[string]float64, error) {
	return e.agg.Heatmap(ctx, scope)
}

// ClearUsageCache drops the in-memory aggregate; the next read reloads from
// the store.
func (e *Engine) ClearUsageCache() {
	e.agg.ClearCache()
}

// Subscribe returns the run's current timeline snapshot plus a channel of
// subsequent events. Slow subscribers lose events rather than stalling the
// stream; cancel releases the subscription.
func (e *Engine) Subscribe(runID string) (snapshot []*timeline.Entry, events <-chan bus.Event, cancel func()) {
	rs := e.runFor(runID)

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	ch := make(chan bus.Event, 64)

	rs.subsMu.Lock()
	rs.subs[id] = ch
	rs.subsMu.Unlock()
	snapshot = rs.builder.Snapshot()

	return snapshot, ch, func() {
		rs.subsMu.Lock()
		if sub, ok := rs.subs[id]; ok {
			delete(rs.subs, id)
			close(sub)
		}
		rs.subsMu.Unlock()
	}
}

// Stats reports drop and anomaly counters across the pipeline.
type Stats struct {
	UnknownEvents       int64 `json:"unknownEvents"`
	ConsumerFailures    int64 `json:"consumerFailures"`
	UsageDuplicates     int64 `json:"usageDuplicates"`
	PermissionAnomalies int64 `json:"permissionAnomalies"`
	HookAnomalies       int64 `json:"hookAnomalies"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		UnknownEvents:       e.classifier.UnknownCount(),
		ConsumerFailures:    e.classifier.ConsumerFailures(),
		UsageDuplicates:     e.accum.Duplicates(),
		PermissionAnomalies: e.perms.Anomalies(),
		HookAnomalies:       e.hooks.Anomalies(),
	}
}
