// Package ledger tracks token usage and dollar cost across a run.
//
// The ledger is the single pricing authority: the router asks it to price
// prospective calls before any network traffic, and records actual usage
// through it after each successful generation.
package ledger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/williamDalston/writerai/internal/state"
)

// Ledger accumulates token and cost totals for one run. Safe for
// concurrent use.
type Ledger struct {
	mu sync.Mutex

	pricing map[string]ModelPricing

	totalInputTokens  int
	totalOutputTokens int
	totalCost         float64

	costByModel  map[string]float64
	callsByStage map[string]int

	warned map[string]bool
}

// New returns a ledger seeded with the built-in pricing table. Entries in
// overrides replace or extend the built-ins.
func New(overrides map[string]ModelPricing) *Ledger {
	pricing := DefaultPricing()
	for model, p := range overrides {
		pricing[model] = p
	}
	return &Ledger{
		pricing:      pricing,
		costByModel:  make(map[string]float64),
		callsByStage: make(map[string]int),
		warned:       make(map[string]bool),
	}
}

// Cost prices a call without recording it. Local models are free. Unknown
// models warn once on stderr and fall back to DefaultRate.
func (l *Ledger) Cost(model string, inputTokens, outputTokens int) float64 {
	if IsLocalModel(model) {
		return 0
	}
	l.mu.Lock()
	p := l.lookupLocked(model)
	l.mu.Unlock()
	return costFor(p, inputTokens, outputTokens)
}

// Record prices a completed call, adds it to the ledger totals and to the
// run state's cumulative spend, and returns the cost of this call.
func (l *Ledger) Record(stage, model string, inputTokens, outputTokens int, rs *state.RunState) float64 {
	var cost float64
	l.mu.Lock()
	if !IsLocalModel(model) {
		cost = costFor(l.lookupLocked(model), inputTokens, outputTokens)
	}
	l.totalInputTokens += inputTokens
	l.totalOutputTokens += outputTokens
	l.totalCost += cost
	l.costByModel[model] += cost
	l.callsByStage[stage]++
	l.mu.Unlock()

	if rs != nil {
		rs.TotalCost += cost
	}
	return cost
}

// lookupLocked resolves pricing for a model: exact match first, then the
// longest prefix match, then DefaultRate with a one-time warning.
func (l *Ledger) lookupLocked(model string) ModelPricing {
	if p, ok := l.pricing[model]; ok {
		return p
	}
	bestLen := 0
	var best ModelPricing
	for name, p := range l.pricing {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			bestLen = len(name)
			best = p
		}
	}
	if bestLen > 0 {
		return best
	}
	if !l.warned[model] {
		l.warned[model] = true
		fmt.Fprintf(os.Stderr, "ledger: no pricing for model %q, using default rate ($%.2f/$%.2f per MTok)\n",
			model, DefaultRate.InputPerMillion, DefaultRate.OutputPerMillion)
	}
	return DefaultRate
}

func costFor(p ModelPricing, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMillion/1_000_000 +
		float64(outputTokens)*p.OutputPerMillion/1_000_000
}

// Totals is a point-in-time snapshot of ledger counters.
type Totals struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Totals returns current accumulated usage.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Totals{
		InputTokens:  l.totalInputTokens,
		OutputTokens: l.totalOutputTokens,
		Cost:         l.totalCost,
	}
}

// Summary renders a human-readable usage report with deterministic ordering.
func (l *Ledger) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Tokens: %d in / %d out\n", l.totalInputTokens, l.totalOutputTokens)
	fmt.Fprintf(&b, "Cost: %s\n", FormatCost(l.totalCost))

	if len(l.costByModel) > 0 {
		models := make([]string, 0, len(l.costByModel))
		for m := range l.costByModel {
			models = append(models, m)
		}
		sort.Strings(models)
		b.WriteString("By model:\n")
		for _, m := range models {
			fmt.Fprintf(&b, "  %s: %s\n", m, FormatCost(l.costByModel[m]))
		}
	}

	if len(l.callsByStage) > 0 {
		stages := make([]string, 0, len(l.callsByStage))
		for s := range l.callsByStage {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		b.WriteString("Calls by stage:\n")
		for _, s := range stages {
			fmt.Fprintf(&b, "  %s: %d\n", s, l.callsByStage[s])
		}
	}
	return b.String()
}

// FormatCost renders a dollar amount, keeping sub-cent precision visible.
func FormatCost(cost float64) string {
	if cost > 0 && cost < 0.01 {
		return fmt.Sprintf("$%.4f", cost)
	}
	return fmt.Sprintf("$%.2f", cost)
}
