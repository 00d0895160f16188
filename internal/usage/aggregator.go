package usage

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// ScanMode is the strategy that produced a usage overview.
type ScanMode string

const (
	ScanModeMemory      ScanMode = "memory"
	ScanModeIncremental ScanMode = "incremental"
	ScanModeFull        ScanMode = "full"
)

const pctTolerance = 0.5

// Source recomputes aggregate state from the complete persisted run/event
// set. It backs the disk/full scan mode.
type Source interface {
	DailyUsage(ctx context.Context) ([]DailyUsageRow, error)
	DailyActivity(ctx context.Context) ([]DailyActivityRow, error)
}

type DailyUsageRow struct {
	Day   string
	Model string
	Counters
}

type DailyActivityRow struct {
	Day       string
	Messages  int64
	ToolCalls int64
	Sessions  int64
}

// ModelAggregate is a per-model total with its percentage share of spend.
type ModelAggregate struct {
	Model       string  `json:"model"`
	Counters            `json:"counters"`
	TotalTokens int64   `json:"total_tokens"`
	Pct         float64 `json:"pct"`
}

// DailyAggregate is one day of activity. The per-model breakdown is only
// retained inside the configured recent window.
type DailyAggregate struct {
	Date        string              `json:"date"`
	CostUSD     float64             `json:"cost_usd"`
	TotalTokens int64               `json:"total_tokens"`
	Messages    int64               `json:"messages"`
	Sessions    int64               `json:"sessions"`
	ToolCalls   int64               `json:"tool_calls"`
	Models      map[string]Counters `json:"models,omitempty"`
}

type UsageOverview struct {
	Days          int              `json:"days"`
	TotalCostUSD  float64          `json:"total_cost_usd"`
	TotalTokens   int64            `json:"total_tokens"`
	Messages      int64            `json:"messages"`
	Sessions      int64            `json:"sessions"`
	ToolCalls     int64            `json:"tool_calls"`
	Daily         []DailyAggregate `json:"daily"`
	Models        []ModelAggregate `json:"models"`
	CurrentStreak int              `json:"current_streak"`
	LongestStreak int              `json:"longest_streak"`
	ScanMode      ScanMode         `json:"scan_mode"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

// HeatmapScope selects which daily metric a heatmap reports.
type HeatmapScope string

const (
	HeatmapCost      HeatmapScope = "cost"
	HeatmapTokens    HeatmapScope = "tokens"
	HeatmapMessages  HeatmapScope = "messages"
	HeatmapToolCalls HeatmapScope = "tool_calls"
)

type dayState struct {
	models    map[string]Counters
	messages  int64
	toolCalls int64
	sessions  int64
}

// Aggregator merges sealed run summaries and import deltas into daily and
// per-model analytics. One aggregator owns all mutations; readers only see
// committed snapshots built under the lock.
type Aggregator struct {
	mu     sync.Mutex
	source Source
	now    func() time.Time

	loaded      bool
	byDay       map[string]*dayState
	longestSeen int
	lastMode    ScanMode

	// RecentModelDays bounds how far back the per-day model breakdown is
	// included in overviews. Zero means no per-day breakdown at all.
	RecentModelDays int
}

func NewAggregator(source Source) *Aggregator {
	return &Aggregator{
		source:          source,
		now:             time.Now,
		byDay:           make(map[string]*dayState),
		RecentModelDays: 30,
	}
}

// SetNow overrides the clock, for tests.
func (g *Aggregator) SetNow(now func() time.Time) { g.now = now }

func (g *Aggregator) day(key string) *dayState {
	d, ok := g.byDay[key]
	if !ok {
		d = &dayState{models: make(map[string]Counters)}
		g.byDay[key] = d
	}
	return d
}

// ApplySummary merges one run summary not seen before. Mode stays
// incremental when the in-memory state is already loaded; otherwise the
// delta is dropped and the next read performs a full recompute anyway.
func (g *Aggregator) ApplySummary(sum RunUsageSummary) {
	g.ReapplySummary(RunUsageSummary{}, sum)
}

// ReapplySummary replaces a run summary already merged as prev with its
// grown successor cur: only the difference lands in the in-memory state.
// The incremental import path calls this once per pass over a growing log;
// a day the run had not touched before counts as a new session for that day.
func (g *Aggregator) ReapplySummary(prev, cur RunUsageSummary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.loaded {
		return
	}
	for dayKey, du := range cur.Days {
		d := g.day(dayKey)
		before, had := prev.Days[dayKey]
		for model, c := range du.Models {
			delta := c
			if had {
				delta.sub(before.Models[model])
			}
			merged := d.models[model]
			merged.add(delta)
			d.models[model] = merged
		}
		messages, toolCalls := du.Messages, du.ToolCalls
		if had {
			messages -= before.Messages
			toolCalls -= before.ToolCalls
		} else {
			d.sessions++
		}
		d.messages += messages
		d.toolCalls += toolCalls
	}
	g.lastMode = ScanModeIncremental
}

// ClearCache discards in-memory aggregate state; the next overview read
// recomputes from the source.
func (g *Aggregator) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loaded = false
	g.byDay = make(map[string]*dayState)
}

func (g *Aggregator) reloadLocked(ctx context.Context) error {
	if g.source == nil {
		return fmt.Errorf("usage: no aggregate source configured")
	}
	usageRows, err := g.source.DailyUsage(ctx)
	if err != nil {
		return fmt.Errorf("usage: load daily usage: %w", err)
	}
	activityRows, err := g.source.DailyActivity(ctx)
	if err != nil {
		return fmt.Errorf("usage: load daily activity: %w", err)
	}

	g.byDay = make(map[string]*dayState)
	for _, row := range usageRows {
		d := g.day(row.Day)
		merged := d.models[row.Model]
		merged.add(row.Counters)
		d.models[row.Model] = merged
	}
	for _, row := range activityRows {
		d := g.day(row.Day)
		d.messages += row.Messages
		d.toolCalls += row.ToolCalls
		d.sessions += row.Sessions
	}
	g.loaded = true
	g.lastMode = ScanModeFull
	return nil
}

// Overview computes the usage overview for the trailing window of days
// (0 = all history). It serves from memory when possible and falls back to
// a full recompute when the cache is cold or fails its consistency check.
func (g *Aggregator) Overview(ctx context.Context, days int) (UsageOverview, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	mode := ScanModeMemory
	if g.lastMode == ScanModeIncremental {
		mode = ScanModeIncremental
		g.lastMode = ScanModeMemory
	}
	if !g.loaded {
		if err := g.reloadLocked(ctx); err != nil {
			return UsageOverview{}, err
		}
		mode = ScanModeFull
	}

	ov := g.buildOverviewLocked(days, mode)
	if !consistent(ov) {
		log.Printf("usage: aggregate inconsistency detected, forcing full recompute")
		if err := g.reloadLocked(ctx); err != nil {
			return UsageOverview{}, err
		}
		ov = g.buildOverviewLocked(days, ScanModeFull)
		if !consistent(ov) {
			return ov, fmt.Errorf("usage: aggregates inconsistent after full recompute")
		}
	}
	return ov, nil
}

func (g *Aggregator) buildOverviewLocked(days int, mode ScanMode) UsageOverview {
	now := g.now().UTC()
	var cutoff string
	if days > 0 {
		cutoff = now.AddDate(0, 0, -(days - 1)).Format(dayFormat)
	}
	modelCutoff := ""
	if g.RecentModelDays > 0 {
		modelCutoff = now.AddDate(0, 0, -(g.RecentModelDays - 1)).Format(dayFormat)
	}

	dayKeys := lo.Keys(g.byDay)
	sort.Strings(dayKeys)

	ov := UsageOverview{Days: days, ScanMode: mode, GeneratedAt: now}
	modelTotals := make(map[string]Counters)
	var activeDays []string

	for _, dayKey := range dayKeys {
		d := g.byDay[dayKey]
		var dayCost float64
		var dayTokens int64
		for _, c := range d.models {
			dayCost += c.CostUSD
			dayTokens += c.TotalTokens()
		}
		if dayCost > 0 || dayTokens > 0 || d.messages > 0 || d.toolCalls > 0 {
			activeDays = append(activeDays, dayKey)
		}

		if cutoff != "" && dayKey < cutoff {
			continue
		}

		agg := DailyAggregate{
			Date:        dayKey,
			CostUSD:     dayCost,
			TotalTokens: dayTokens,
			Messages:    d.messages,
			Sessions:    d.sessions,
			ToolCalls:   d.toolCalls,
		}
		if modelCutoff != "" && dayKey >= modelCutoff {
			agg.Models = make(map[string]Counters, len(d.models))
			for model, c := range d.models {
				agg.Models[model] = c
			}
		}
		ov.Daily = append(ov.Daily, agg)

		for model, c := range d.models {
			merged := modelTotals[model]
			merged.add(c)
			modelTotals[model] = merged
		}
		ov.TotalCostUSD += dayCost
		ov.TotalTokens += dayTokens
		ov.Messages += d.messages
		ov.Sessions += d.sessions
		ov.ToolCalls += d.toolCalls
	}

	models := lo.Keys(modelTotals)
	sort.Strings(models)
	for _, model := range models {
		c := modelTotals[model]
		agg := ModelAggregate{Model: model, Counters: c, TotalTokens: c.TotalTokens()}
		if ov.TotalCostUSD > 0 {
			agg.Pct = c.CostUSD / ov.TotalCostUSD * 100
		}
		ov.Models = append(ov.Models, agg)
	}
	sort.Slice(ov.Models, func(i, j int) bool { return ov.Models[i].CostUSD > ov.Models[j].CostUSD })

	current, longest := computeStreaks(activeDays, now.Format(dayFormat))
	if longest > g.longestSeen {
		g.longestSeen = longest
	}
	ov.CurrentStreak = current
	// longestStreak is monotonically non-decreasing across recomputation.
	ov.LongestStreak = g.longestSeen
	return ov
}

// Heatmap returns one value per active day for the requested scope.
func (g *Aggregator) Heatmap(ctx context.Context, scope HeatmapScope) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.loaded {
		if err := g.reloadLocked(ctx); err != nil {
			return nil, err
		}
	}

	out := make(map[string]float64, len(g.byDay))
	for dayKey, d := range g.byDay {
		var v float64
		switch scope {
		case HeatmapTokens:
			for _, c := range d.models {
				v += float64(c.TotalTokens())
			}
		case HeatmapMessages:
			v = float64(d.messages)
		case HeatmapToolCalls:
			v = float64(d.toolCalls)
		default:
			for _, c := range d.models {
				v += c.CostUSD
			}
		}
		if v != 0 {
			out[dayKey] = v
		}
	}
	return out, nil
}

// consistent validates the conservation invariants: per-model costs sum to
// the total and percentage shares sum to ~100, with no negative counts.
func consistent(ov UsageOverview) bool {
	var modelCost, pctSum float64
	for _, m := range ov.Models {
		if m.CostUSD < 0 || m.TotalTokens < 0 || m.InputTokens < 0 || m.OutputTokens < 0 {
			return false
		}
		modelCost += m.CostUSD
		pctSum += m.Pct
	}
	if ov.TotalCostUSD < 0 || ov.TotalTokens < 0 || ov.Messages < 0 || ov.ToolCalls < 0 {
		return false
	}
	if math.Abs(modelCost-ov.TotalCostUSD) > 1e-6 {
		return false
	}
	if ov.TotalCostUSD > 0 && math.Abs(pctSum-100) > pctTolerance {
		return false
	}
	return true
}

// computeStreaks walks backward day by day from today (or the most recent
// active day when today is inactive). longest is the maximum consecutive
// stretch anywhere in history.
func computeStreaks(activeDays []string, today string) (current, longest int) {
	if len(activeDays) == 0 {
		return 0, 0
	}
	active := make(map[string]bool, len(activeDays))
	for _, d := range activeDays {
		active[d] = true
	}
	sorted := lo.Uniq(activeDays)
	sort.Strings(sorted)

	// Longest: scan runs of consecutive days.
	run := 1
	longest = 1
	for i := 1; i < len(sorted); i++ {
		if nextDay(sorted[i-1]) == sorted[i] {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	anchor := today
	if !active[anchor] {
		anchor = sorted[len(sorted)-1]
	}
	for active[anchor] {
		current++
		anchor = prevDay(anchor)
	}
	return current, longest
}

func nextDay(day string) string { return shiftDay(day, 1) }
func prevDay(day string) string { return shiftDay(day, -1) }

func shiftDay(day string, delta int) string {
	t, err := time.Parse(dayFormat, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, delta).Format(dayFormat)
}
