// Package usage folds usage-update events into per-run counters and derives
// daily/per-model analytics from them. Aggregates are recomputable: they are
// never the source of truth, the persisted run/event set is.
package usage

import "strings"

type pricing struct {
	InputPerMillion       float64
	OutputPerMillion      float64
	CacheReadPerMillion   float64
	CacheCreatePerMillion float64
}

var modelPricing = map[string]pricing{
	"opus": {
		InputPerMillion:       15.0,
		OutputPerMillion:      75.0,
		CacheReadPerMillion:   1.50,
		CacheCreatePerMillion: 18.75,
	},
	"sonnet": {
		InputPerMillion:       3.0,
		OutputPerMillion:      15.0,
		CacheReadPerMillion:   0.30,
		CacheCreatePerMillion: 3.75,
	},
	"haiku": {
		InputPerMillion:       0.80,
		OutputPerMillion:      4.0,
		CacheReadPerMillion:   0.08,
		CacheCreatePerMillion: 1.0,
	},
}

func findPricing(model string) pricing {
	lower := strings.ToLower(model)
	for _, family := range []string{"opus", "haiku", "sonnet"} {
		if strings.Contains(lower, family) {
			return modelPricing[family]
		}
	}
	return modelPricing["sonnet"]
}

// EstimateCost prices a token tuple at API-equivalent rates for the model's
// family. Used when an imported record carries tokens but no recorded cost.
func EstimateCost(model string, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) float64 {
	p := findPricing(model)
	cost := float64(inputTokens) * p.InputPerMillion / 1_000_000
	cost += float64(outputTokens) * p.OutputPerMillion / 1_000_000
	cost += float64(cacheReadTokens) * p.CacheReadPerMillion / 1_000_000
	cost += float64(cacheWriteTokens) * p.CacheCreatePerMillion / 1_000_000
	return cost
}
