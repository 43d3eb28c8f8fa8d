// Package engine drives a run through its configured stages: assemble
// context, generate, remember, snapshot, repeat.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/williamDalston/writerai/internal/assembler"
	"github.com/williamDalston/writerai/internal/config"
	"github.com/williamDalston/writerai/internal/ledger"
	"github.com/williamDalston/writerai/internal/router"
	"github.com/williamDalston/writerai/internal/state"
)

// Options collects the engine's collaborators.
type Options struct {
	Config    *config.Config
	Ledger    *ledger.Ledger
	Router    *router.Router
	Assembler *assembler.Assembler
	States    *state.Store
	// Out receives progress output; defaults to stdout.
	Out io.Writer
}

// Engine executes pipeline runs.
type Engine struct {
	cfg    *config.Config
	led    *ledger.Ledger
	rt     *router.Router
	asm    *assembler.Assembler
	states *state.Store
	events *EventLogger
	out    io.Writer
}

func New(opts Options) *Engine {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		cfg:    opts.Config,
		led:    opts.Ledger,
		rt:     opts.Router,
		asm:    opts.Assembler,
		states: opts.States,
		out:    out,
	}
}

// Events exposes the run's event logger once a run is active.
func (e *Engine) Events() *EventLogger { return e.events }

// Close releases the event log.
func (e *Engine) Close() {
	if e.events != nil {
		e.events.Close()
	}
}

// NewRun starts a fresh run from an outline: new state, long-term memory
// populated from the outline facts, and an initial snapshot.
func (e *Engine) NewRun(ctx context.Context, o *assembler.Outline) (*state.RunState, error) {
	rs := state.NewRunState(o.Title)
	e.openEvents(rs.RunID)

	facts, err := e.asm.PopulateLongTermMemory(ctx, o, rs)
	if err != nil {
		return nil, fmt.Errorf("populate long-term memory: %w", err)
	}
	if _, err := e.states.Save(rs); err != nil {
		return nil, fmt.Errorf("save initial snapshot: %w", err)
	}
	e.logEvent(EventRunStart, map[string]any{"title": rs.Title, "facts": facts})
	fmt.Fprintf(e.out, "Run %s: %q, %d facts in long-term memory\n", rs.RunID, rs.Title, facts)
	return rs, nil
}

// Run executes stages from rs.CurrentStage onward. A budget stop or stage
// failure leaves a snapshot behind so the run can resume.
func (e *Engine) Run(ctx context.Context, rs *state.RunState) error {
	e.openEvents(rs.RunID)

	stages := e.cfg.Stages
	if rs.CurrentStage >= len(stages) {
		fmt.Fprintf(e.out, "Run %s already complete (%d/%d stages).\n",
			rs.RunID, rs.CurrentStage, len(stages))
		return nil
	}

	for i := rs.CurrentStage; i < len(stages); i++ {
		if err := e.runStage(ctx, stages[i], rs); err != nil {
			if _, serr := e.states.Save(rs); serr != nil {
				fmt.Fprintf(os.Stderr, "engine: snapshot save failed: %v\n", serr)
			}
			if errors.Is(err, router.ErrBudgetExceeded) {
				e.logEvent(EventBudgetStop, map[string]any{
					"stage": stages[i].Name, "spent": rs.TotalCost,
				})
				fmt.Fprintf(e.out, "Budget ceiling reached at stage %s: spent %s of %s. Run %s can resume with a raised ceiling.\n",
					stages[i].Name, ledger.FormatCost(rs.TotalCost),
					ledger.FormatCost(e.cfg.Budget.CeilingUSD), rs.RunID)
				return err
			}
			e.logEvent(EventError, map[string]any{
				"stage": stages[i].Name, "error": err.Error(),
			})
			return err
		}
	}

	e.logEvent(EventRunDone, map[string]any{"stages": len(stages), "cost": rs.TotalCost})
	fmt.Fprintf(e.out, "\nRun %s complete.\n%s", rs.RunID, e.led.Summary())
	return nil
}

func (e *Engine) runStage(ctx context.Context, sc config.StageConfig, rs *state.RunState) error {
	e.logEvent(EventStageStart, map[string]any{"stage": sc.Name, "index": rs.CurrentStage})
	fmt.Fprintf(e.out, "[%d/%d] %s\n", rs.CurrentStage+1, len(e.cfg.Stages), sc.Name)

	query := sc.ContextQuery
	if query == "" {
		query = sc.Instruction
	}
	bundle := e.asm.RetrieveContext(ctx, query, rs, e.cfg.Context.MaxChars)

	prompt := buildPrompt(rs.Title, bundle.Full, sc.Instruction)
	retriesBefore := rs.RetryCounts[sc.Name]
	costBefore := rs.TotalCost

	text, err := e.rt.Execute(ctx, sc.Name, prompt, rs)
	if err != nil {
		return err
	}

	e.logEvent(EventGeneration, map[string]any{
		"stage":   sc.Name,
		"cost":    rs.TotalCost - costBefore,
		"retries": rs.RetryCounts[sc.Name] - retriesBefore,
		"chars":   len(text),
	})

	blob, _ := json.Marshal(map[string]string{"text": text})
	rs.StageResults[sc.Name] = blob

	// Cost is already on the run state here; the summarizer call inside
	// the append sees the true spend for its own budget check.
	e.asm.AppendShortTermMemory(ctx, text, rs)
	e.logEvent(EventMemoryAppend, map[string]any{"stage": sc.Name, "scene": rs.SceneCount})

	rs.CurrentStage++
	path, err := e.states.Save(rs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: snapshot save failed: %v\n", err)
	} else {
		e.logEvent(EventSnapshotSaved, map[string]any{"file": filepath.Base(path)})
	}
	e.logEvent(EventStageDone, map[string]any{"stage": sc.Name, "cost": rs.TotalCost})
	return nil
}

func (e *Engine) openEvents(runID string) {
	if e.events != nil {
		return
	}
	el, err := NewEventLogger(e.cfg.RunDir, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: event log unavailable: %v\n", err)
		return
	}
	e.events = el
}

func (e *Engine) logEvent(t EventType, data any) {
	if e.events != nil {
		e.events.Log(t, data)
	}
}

func buildPrompt(title, contextText, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\n", title)
	if contextText != "" {
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	b.WriteString("Task: ")
	b.WriteString(instruction)
	return b.String()
}
