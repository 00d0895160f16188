package usage

import (
	"errors"
	"sync"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
)

// ErrRunSealed is returned when a usage update arrives for a run whose
// counters were already sealed by a terminal run_state.
var ErrRunSealed = errors.New("usage: run is sealed")

const dayFormat = "2006-01-02"

// Counters is a token/cost tuple accumulated for one model.
type Counters struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Turns            int64   `json:"turns"`
}

func (c *Counters) add(o Counters) {
	c.InputTokens += o.InputTokens
	c.OutputTokens += o.OutputTokens
	c.CacheReadTokens += o.CacheReadTokens
	c.CacheWriteTokens += o.CacheWriteTokens
	c.CostUSD += o.CostUSD
	c.Turns += o.Turns
}

func (c *Counters) sub(o Counters) {
	c.InputTokens -= o.InputTokens
	c.OutputTokens -= o.OutputTokens
	c.CacheReadTokens -= o.CacheReadTokens
	c.CacheWriteTokens -= o.CacheWriteTokens
	c.CostUSD -= o.CostUSD
	c.Turns -= o.Turns
}

// TotalTokens sums every token class.
func (c Counters) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens + c.CacheReadTokens + c.CacheWriteTokens
}

// DayUsage is one run's activity within one UTC day.
type DayUsage struct {
	Models    map[string]Counters `json:"models"`
	Messages  int64               `json:"messages"`
	ToolCalls int64               `json:"tool_calls"`
}

// RunUsageSummary is the sealed, read-only hand-off from the accumulator to
// the aggregator once a run reaches a terminal status.
type RunUsageSummary struct {
	RunID    string              `json:"run_id"`
	SealedAt time.Time           `json:"sealed_at"`
	Days     map[string]DayUsage `json:"days"`
}

type runCounters struct {
	days         map[string]*DayUsage
	appliedTurns map[int]bool
	sealed       bool
}

// Accumulator folds usage_update events into per-run running counters,
// keyed by turn index to reject retried or duplicated deltas. Terminal
// run_state seals the run and hands its summary off exactly once.
type Accumulator struct {
	mu         sync.Mutex
	runs       map[string]*runCounters
	duplicates int64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{runs: make(map[string]*runCounters)}
}

func (a *Accumulator) run(runID string) *runCounters {
	rc, ok := a.runs[runID]
	if !ok {
		rc = &runCounters{
			days:         make(map[string]*DayUsage),
			appliedTurns: make(map[int]bool),
		}
		a.runs[runID] = rc
	}
	return rc
}

func (rc *runCounters) day(key string) *DayUsage {
	d, ok := rc.days[key]
	if !ok {
		d = &DayUsage{Models: make(map[string]Counters)}
		rc.days[key] = d
	}
	return d
}

// Apply folds one usage_update into the run's counters. A turn index that
// was already applied is rejected (duplicate delivery), counted, and
// reported via ok=false.
func (a *Accumulator) Apply(ev bus.Event) (ok bool, err error) {
	var p bus.UsageUpdatePayload
	if decErr := ev.DecodePayload(&p); decErr != nil {
		return false, decErr
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rc := a.run(ev.RunID)
	if rc.sealed {
		return false, ErrRunSealed
	}
	if p.TurnIndex >= 0 {
		if rc.appliedTurns[p.TurnIndex] {
			a.duplicates++
			return false, nil
		}
		rc.appliedTurns[p.TurnIndex] = true
	}

	cost := p.CostUSD
	if cost == 0 {
		cost = EstimateCost(p.Model, p.InputTokens, p.OutputTokens, p.CacheReadTokens, p.CacheWriteTokens)
	}

	day := rc.day(ev.Timestamp.UTC().Format(dayFormat))
	c := day.Models[p.Model]
	c.add(Counters{
		InputTokens:      p.InputTokens,
		OutputTokens:     p.OutputTokens,
		CacheReadTokens:  p.CacheReadTokens,
		CacheWriteTokens: p.CacheWriteTokens,
		CostUSD:          cost,
		Turns:            1,
	})
	day.Models[p.Model] = c
	return true, nil
}

// NoteMessage counts a completed assistant message toward the run's daily
// activity.
func (a *Accumulator) NoteMessage(runID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rc := a.run(runID)
	if rc.sealed {
		return
	}
	rc.day(at.UTC().Format(dayFormat)).Messages++
}

// NoteToolCall counts a tool invocation toward the run's daily activity.
func (a *Accumulator) NoteToolCall(runID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rc := a.run(runID)
	if rc.sealed {
		return
	}
	rc.day(at.UTC().Format(dayFormat)).ToolCalls++
}

// Seal freezes the run's counters and returns its summary. The second seal
// of the same run returns ok=false: the hand-off happens exactly once.
func (a *Accumulator) Seal(runID string, at time.Time) (RunUsageSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rc, ok := a.runs[runID]
	if !ok || rc.sealed {
		return RunUsageSummary{}, false
	}
	rc.sealed = true

	sum := RunUsageSummary{
		RunID:    runID,
		SealedAt: at.UTC(),
		Days:     make(map[string]DayUsage, len(rc.days)),
	}
	for day, d := range rc.days {
		models := make(map[string]Counters, len(d.Models))
		for model, c := range d.Models {
			models[model] = c
		}
		sum.Days[day] = DayUsage{Models: models, Messages: d.Messages, ToolCalls: d.ToolCalls}
	}
	return sum, true
}

// Restore seeds an untracked run's counters from a previously persisted
// summary. A run already held in memory is left alone: the in-memory state
// is newer. Restored counters stay unsealed so later passes keep extending
// them.
func (a *Accumulator) Restore(sum RunUsageSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.runs[sum.RunID]; ok {
		return
	}
	rc := a.run(sum.RunID)
	for dayKey, du := range sum.Days {
		d := rc.day(dayKey)
		for model, c := range du.Models {
			d.Models[model] = c
		}
		d.Messages = du.Messages
		d.ToolCalls = du.ToolCalls
	}
}

// Summary snapshots the run's counters without sealing them. It works on
// live runs too, so callers can inspect usage mid-run.
func (a *Accumulator) Summary(runID string) (RunUsageSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rc, ok := a.runs[runID]
	if !ok {
		return RunUsageSummary{}, false
	}

	sum := RunUsageSummary{
		RunID: runID,
		Days:  make(map[string]DayUsage, len(rc.days)),
	}
	for day, d := range rc.days {
		models := make(map[string]Counters, len(d.Models))
		for model, c := range d.Models {
			models[model] = c
		}
		sum.Days[day] = DayUsage{Models: models, Messages: d.Messages, ToolCalls: d.ToolCalls}
	}
	return sum, true
}

// Sealed reports whether the run's counters are frozen.
func (a *Accumulator) Sealed(runID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rc, ok := a.runs[runID]
	return ok && rc.sealed
}

// Duplicates reports how many usage updates were rejected as re-deliveries
// of an already-applied turn.
func (a *Accumulator) Duplicates() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duplicates
}
