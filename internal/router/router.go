// Package router resolves pipeline stages to model backends and executes
// generation calls against them.
//
// Every call passes three gates in order: the budget pre-check (projected
// spend against the run ceiling), the rate limiter, and the per-call
// timeout. A failed primary call gets exactly one retry on the configured
// fallback backend; budget refusals are final and never fall back.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/williamDalston/writerai/internal/config"
	"github.com/williamDalston/writerai/internal/ledger"
	"github.com/williamDalston/writerai/internal/provider"
	"github.com/williamDalston/writerai/internal/state"
)

// stageBinding is the resolved execution target for one stage.
type stageBinding struct {
	backendID       string
	maxOutputTokens int
	temperature     *float64
}

// Router dispatches generation calls for pipeline stages.
type Router struct {
	cfg        *config.Config
	led        *ledger.Ledger
	bindings   map[string]stageBinding
	fallbackID string
	limiter    *rateLimiter
	timeout    time.Duration

	// fallbackPause overrides the jittered pause before a fallback
	// attempt; negative means use the default.
	fallbackPause time.Duration

	mu      sync.Mutex
	clients map[string]provider.Client
}

// Option adjusts router construction.
type Option func(*Router)

// WithClient installs a pre-built client for a backend id. Backends with
// injected clients skip the API key environment check.
func WithClient(backendID string, c provider.Client) Option {
	return func(r *Router) {
		r.clients[backendID] = c
	}
}

// New builds a router from cfg, resolving every stage binding up front.
// All resolution problems are reported together so a bad config fails
// before any call is made.
func New(cfg *config.Config, led *ledger.Ledger, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:           cfg,
		led:           led,
		bindings:      make(map[string]stageBinding),
		limiter:       newRateLimiter(cfg.Limits.RequestsPerMinute),
		timeout:       cfg.CallTimeout(),
		fallbackPause: -1,
		clients:       make(map[string]provider.Client),
	}
	for _, opt := range opts {
		opt(r)
	}

	var problems []string
	resolve := func(stage, modelKey string) (string, bool) {
		backendID, ok := cfg.Models[modelKey]
		if !ok {
			problems = append(problems, fmt.Sprintf("stage %s: no models entry %q", stage, modelKey))
			return "", false
		}
		if _, ok := cfg.Backends[backendID]; !ok {
			problems = append(problems, fmt.Sprintf("stage %s: models.%s names unknown backend %q", stage, modelKey, backendID))
			return "", false
		}
		return backendID, true
	}

	for _, s := range cfg.Stages {
		if backendID, ok := resolve(s.Name, s.Model); ok {
			r.bindings[s.Name] = stageBinding{
				backendID:       backendID,
				maxOutputTokens: s.MaxOutputTokens,
				temperature:     s.Temperature,
			}
		}
	}

	// The summarizer runs as its own stage unless the config already
	// defines one under that name.
	if name := cfg.Memory.SummaryStage; name != "" {
		if _, exists := r.bindings[name]; !exists {
			if backendID, ok := resolve(name, cfg.Memory.SummaryModel); ok {
				r.bindings[name] = stageBinding{
					backendID:       backendID,
					maxOutputTokens: cfg.Memory.SummaryMaxTokens,
				}
			}
		}
	}

	if fbID, ok := cfg.Models[config.FallbackModelKey]; ok {
		if _, ok := cfg.Backends[fbID]; !ok {
			problems = append(problems, fmt.Sprintf("models.%s names unknown backend %q", config.FallbackModelKey, fbID))
		} else {
			r.fallbackID = fbID
		}
	}

	referenced := make(map[string]bool)
	for _, b := range r.bindings {
		referenced[b.backendID] = true
	}
	if r.fallbackID != "" {
		referenced[r.fallbackID] = true
	}
	for id := range referenced {
		if _, injected := r.clients[id]; injected {
			continue
		}
		bc := cfg.Backends[id]
		if bc.Provider == "local" {
			continue
		}
		if bc.APIKeyEnv == "" {
			problems = append(problems, fmt.Sprintf("backend %s: api_key_env must be set", id))
		} else if os.Getenv(bc.APIKeyEnv) == "" {
			problems = append(problems, fmt.Sprintf("backend %s: environment variable %s is not set", id, bc.APIKeyEnv))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("router setup:\n  %s", strings.Join(problems, "\n  "))
	}
	return r, nil
}

// Binding reports the backend and model a stage resolves to.
func (r *Router) Binding(stage string) (backendID, model string, ok bool) {
	b, ok := r.bindings[stage]
	if !ok {
		return "", "", false
	}
	return b.backendID, r.cfg.Backends[b.backendID].Model, true
}

// ResolveClient returns the client for a stage's backend, building and
// memoizing it on first use. The backend id is recorded on rs.
func (r *Router) ResolveClient(stage string, rs *state.RunState) (provider.Client, error) {
	b, ok := r.bindings[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return r.clientFor(b.backendID, rs)
}

// CallOption tweaks a single Execute call.
type CallOption func(*callSettings)

type callSettings struct {
	maxOutputTokens int
	temperature     *float64
	system          string
}

// WithMaxOutputTokens caps the response length for this call.
func WithMaxOutputTokens(n int) CallOption {
	return func(s *callSettings) { s.maxOutputTokens = n }
}

// WithTemperature sets the sampling temperature for this call.
func WithTemperature(t float64) CallOption {
	return func(s *callSettings) { s.temperature = &t }
}

// WithSystem sets the system prompt for this call.
func WithSystem(sys string) CallOption {
	return func(s *callSettings) { s.system = sys }
}

// Execute runs one generation call for a stage. rs must be non-nil: its
// cumulative spend feeds the budget pre-check and successful calls update
// it through the ledger.
//
// On primary failure one fallback attempt is made when a fallback backend
// is configured and differs from the primary. Budget refusals and caller
// cancellation skip the fallback.
func (r *Router) Execute(ctx context.Context, stage, prompt string, rs *state.RunState, opts ...CallOption) (string, error) {
	b, ok := r.bindings[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}

	settings := callSettings{
		maxOutputTokens: b.maxOutputTokens,
		temperature:     b.temperature,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	text, err := r.attempt(ctx, stage, b.backendID, prompt, settings, rs)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, ErrBudgetExceeded) {
		return "", err
	}
	if !fallbackEligible(err) {
		return "", &GenerationError{Stage: stage, Backend: b.backendID, Err: err}
	}
	if r.fallbackID == "" || r.fallbackID == b.backendID {
		return "", &GenerationError{Stage: stage, Backend: b.backendID, Err: err}
	}

	rs.RetryCounts[stage]++
	fmt.Fprintf(os.Stderr, "router: stage %s failed on %s (%s), trying fallback %s\n",
		stage, b.backendID, truncateError(err), r.fallbackID)

	pause := r.fallbackPause
	if pause < 0 {
		pause = fallbackDelay()
	}
	if pause > 0 {
		if serr := sleepWithContext(ctx, pause); serr != nil {
			return "", &GenerationError{Stage: stage, Backend: b.backendID, Err: errors.Join(err, serr)}
		}
	}

	text, ferr := r.attempt(ctx, stage, r.fallbackID, prompt, settings, rs)
	if ferr == nil {
		return text, nil
	}
	if errors.Is(ferr, ErrBudgetExceeded) {
		return "", ferr
	}
	return "", &GenerationError{Stage: stage, Backend: r.fallbackID, Err: errors.Join(err, ferr)}
}

// attempt runs one call against one backend: budget gate, rate limiter,
// timeout, then generation and cost recording.
func (r *Router) attempt(ctx context.Context, stage, backendID, prompt string, s callSettings, rs *state.RunState) (string, error) {
	client, err := r.clientFor(backendID, rs)
	if err != nil {
		return "", err
	}
	model := r.cfg.Backends[backendID].Model

	estIn := estimateTokens(s.system) + estimateTokens(prompt)
	estCost := r.led.Cost(model, estIn, s.maxOutputTokens)
	if projected := rs.TotalCost + estCost; projected > r.cfg.Budget.CeilingUSD {
		return "", fmt.Errorf("stage %s on %s: spent %s, call estimate %s, ceiling %s: %w",
			stage, backendID,
			ledger.FormatCost(rs.TotalCost), ledger.FormatCost(estCost),
			ledger.FormatCost(r.cfg.Budget.CeilingUSD), ErrBudgetExceeded)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := client.Generate(callCtx, &provider.Request{
		Model:       model,
		System:      s.system,
		Prompt:      prompt,
		MaxTokens:   s.maxOutputTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", err
	}

	in, out := res.InputTokens, res.OutputTokens
	if in <= 0 {
		in = estIn
	}
	if out <= 0 {
		out = estimateTokens(res.Text)
	}
	r.led.Record(stage, model, in, out, rs)
	return res.Text, nil
}

// clientFor returns the memoized client for a backend, building it on
// first use, and records the backend on the run state.
func (r *Router) clientFor(backendID string, rs *state.RunState) (provider.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[backendID]; ok {
		rs.RecordClientKey(backendID)
		return c, nil
	}
	bc, ok := r.cfg.Backends[backendID]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backendID)
	}
	c, err := buildClient(backendID, bc)
	if err != nil {
		return nil, err
	}
	r.clients[backendID] = c
	rs.RecordClientKey(backendID)
	return c, nil
}

func buildClient(backendID string, bc config.BackendConfig) (provider.Client, error) {
	switch bc.Provider {
	case "anthropic":
		return provider.NewAnthropicClient(os.Getenv(bc.APIKeyEnv)), nil
	case "openai":
		return provider.NewOpenAIClient(os.Getenv(bc.APIKeyEnv), bc.BaseURL, backendID), nil
	case "local":
		// Local servers accept any key.
		return provider.NewOpenAIClient("local", bc.BaseURL, backendID), nil
	default:
		return nil, fmt.Errorf("backend %s: unknown provider %q", backendID, bc.Provider)
	}
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}
