package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/williamDalston/writerai/internal/config"
	"github.com/williamDalston/writerai/internal/ledger"
	"github.com/williamDalston/writerai/internal/provider"
	"github.com/williamDalston/writerai/internal/state"
)

type fakeClient struct {
	name     string
	calls    int
	generate func(ctx context.Context, req *provider.Request) (*provider.Result, error)
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	f.calls++
	return f.generate(ctx, req)
}

func succeedWith(in, out int) func(context.Context, *provider.Request) (*provider.Result, error) {
	return func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return &provider.Result{Text: "ok", InputTokens: in, OutputTokens: out}, nil
	}
}

func failWith(err error) func(context.Context, *provider.Request) (*provider.Result, error) {
	return func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return nil, err
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Budget.CeilingUSD = 10.0
	cfg.Limits.CallTimeoutSeconds = 5
	cfg.Limits.RequestsPerMinute = 0
	cfg.Backends = map[string]config.BackendConfig{
		"primary": {Provider: "openai", Model: "test-model", APIKeyEnv: "WRITERAI_TEST_PRIMARY_KEY"},
		"backup":  {Provider: "openai", Model: "backup-model", APIKeyEnv: "WRITERAI_TEST_BACKUP_KEY"},
	}
	cfg.Models = map[string]string{
		"default":               "primary",
		config.FallbackModelKey: "backup",
	}
	cfg.Stages = []config.StageConfig{
		{Name: "draft", Model: "default", MaxOutputTokens: 10, Instruction: "draft it"},
	}
	cfg.Memory.SummaryStage = "summarize"
	cfg.Memory.SummaryModel = "default"
	cfg.Memory.SummaryMaxTokens = 10
	return cfg
}

// Both test models price at $5000/MTok each way so small token counts
// yield round dollar fractions.
func testLedger() *ledger.Ledger {
	return ledger.New(map[string]ledger.ModelPricing{
		"test-model":   {InputPerMillion: 5000, OutputPerMillion: 5000},
		"backup-model": {InputPerMillion: 5000, OutputPerMillion: 5000},
	})
}

func newTestRouter(t *testing.T, cfg *config.Config, led *ledger.Ledger, primary, backup *fakeClient) *Router {
	t.Helper()
	opts := []Option{WithClient("primary", primary)}
	if backup != nil {
		opts = append(opts, WithClient("backup", backup))
	}
	rt, err := New(cfg, led, opts...)
	if err != nil {
		t.Fatalf("router setup failed: %v", err)
	}
	rt.fallbackPause = 0
	return rt
}

func TestExecuteSuccess(t *testing.T) {
	led := testLedger()
	primary := &fakeClient{name: "primary", generate: succeedWith(100, 50)}
	backup := &fakeClient{name: "backup", generate: succeedWith(100, 50)}
	rt := newTestRouter(t, testConfig(), led, primary, backup)
	rs := state.NewRunState("t")

	text, err := rt.Execute(context.Background(), "draft", "write the scene", rs)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if text != "ok" {
		t.Fatalf("expected ok, got %q", text)
	}
	if primary.calls != 1 || backup.calls != 0 {
		t.Fatalf("expected primary only, got %d/%d", primary.calls, backup.calls)
	}
	// 100 in + 50 out at $5000/MTok = $0.75.
	if got := led.Totals().Cost; got != 0.75 {
		t.Fatalf("expected cost 0.75, got %v", got)
	}
	if rs.TotalCost != 0.75 {
		t.Fatalf("expected run spend 0.75, got %v", rs.TotalCost)
	}
	if rs.RetryCounts["draft"] != 0 {
		t.Fatalf("expected no retries, got %d", rs.RetryCounts["draft"])
	}
}

func TestBudgetRefusalBeforeNetwork(t *testing.T) {
	led := testLedger()
	primary := &fakeClient{name: "primary", generate: succeedWith(100, 50)}
	backup := &fakeClient{name: "backup", generate: succeedWith(100, 50)}
	rt := newTestRouter(t, testConfig(), led, primary, backup)

	rs := state.NewRunState("t")
	rs.TotalCost = 9.95
	// 40 chars estimate to 10 input tokens; with max 10 output tokens the
	// projected call costs $0.10, pushing 9.95 past the $10 ceiling.
	prompt := strings.Repeat("a", 40)

	_, err := rt.Execute(context.Background(), "draft", prompt, rs)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if primary.calls != 0 || backup.calls != 0 {
		t.Fatalf("expected no network calls, got %d/%d", primary.calls, backup.calls)
	}
	if rs.TotalCost != 9.95 {
		t.Fatalf("refused call must not record cost, got %v", rs.TotalCost)
	}
	if got := led.Totals().Cost; got != 0 {
		t.Fatalf("ledger must stay empty, got %v", got)
	}
	if rs.RetryCounts["draft"] != 0 {
		t.Fatalf("budget refusal must not count as retry, got %d", rs.RetryCounts["draft"])
	}
}

func TestCallAtCeilingAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Backends["lokal"] = config.BackendConfig{
		Provider: "local", Model: "ollama/test", BaseURL: "http://localhost:11434/v1",
	}
	cfg.Models["cheap"] = "lokal"
	cfg.Stages = append(cfg.Stages, config.StageConfig{
		Name: "localdraft", Model: "cheap", MaxOutputTokens: 10, Instruction: "x",
	})

	led := testLedger()
	primary := &fakeClient{name: "primary", generate: succeedWith(1, 1)}
	lokal := &fakeClient{name: "lokal", generate: succeedWith(100, 100)}
	rt, err := New(cfg, led,
		WithClient("primary", primary),
		WithClient("backup", &fakeClient{name: "backup"}),
		WithClient("lokal", lokal))
	if err != nil {
		t.Fatalf("router setup failed: %v", err)
	}
	rt.fallbackPause = 0

	// A local model projects zero added cost, so a run sitting exactly at
	// the ceiling may still call it: refusal requires strictly past it.
	rs := state.NewRunState("t")
	rs.TotalCost = 10.0

	if _, err := rt.Execute(context.Background(), "localdraft", "x", rs); err != nil {
		t.Fatalf("projected spend equal to ceiling should pass: %v", err)
	}
	if lokal.calls != 1 {
		t.Fatalf("expected one call, got %d", lokal.calls)
	}
	if rs.TotalCost != 10.0 {
		t.Fatalf("local call must stay free, got %v", rs.TotalCost)
	}
}

func TestTimeoutFallsBackOnce(t *testing.T) {
	led := testLedger()
	primary := &fakeClient{name: "primary", generate: failWith(context.DeadlineExceeded)}
	backup := &fakeClient{name: "backup", generate: succeedWith(100, 50)}
	rt := newTestRouter(t, testConfig(), led, primary, backup)
	rs := state.NewRunState("t")

	text, err := rt.Execute(context.Background(), "draft", "write the scene", rs)
	if err != nil {
		t.Fatalf("expected fallback to succeed: %v", err)
	}
	if text != "ok" {
		t.Fatalf("expected ok, got %q", text)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Fatalf("expected one call each, got %d/%d", primary.calls, backup.calls)
	}
	if rs.RetryCounts["draft"] != 1 {
		t.Fatalf("expected retry count 1, got %d", rs.RetryCounts["draft"])
	}
	// Only the successful fallback call is priced.
	if got := led.Totals().Cost; got != 0.75 {
		t.Fatalf("expected cost 0.75 from fallback only, got %v", got)
	}
	if rs.TotalCost != 0.75 {
		t.Fatalf("expected run spend 0.75, got %v", rs.TotalCost)
	}
}

func TestNoFallbackConfigured(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Models, config.FallbackModelKey)
	boom := errors.New("boom")
	primary := &fakeClient{name: "primary", generate: failWith(boom)}
	rt := newTestRouter(t, cfg, testLedger(), primary, nil)
	rs := state.NewRunState("t")

	_, err := rt.Execute(context.Background(), "draft", "x", rs)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Backend != "primary" || genErr.Stage != "draft" {
		t.Fatalf("unexpected error detail: %+v", genErr)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause preserved, got %v", err)
	}
	if rs.RetryCounts["draft"] != 0 {
		t.Fatalf("no fallback means no retry count, got %d", rs.RetryCounts["draft"])
	}
}

func TestFallbackSkippedWhenSameBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Models[config.FallbackModelKey] = "primary"
	boom := errors.New("boom")
	primary := &fakeClient{name: "primary", generate: failWith(boom)}
	rt := newTestRouter(t, cfg, testLedger(), primary, nil)
	rs := state.NewRunState("t")

	_, err := rt.Execute(context.Background(), "draft", "x", rs)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected single attempt, got %d", primary.calls)
	}
}

func TestFallbackAlsoFails(t *testing.T) {
	errA := errors.New("primary down")
	errB := errors.New("backup down")
	primary := &fakeClient{name: "primary", generate: failWith(errA)}
	backup := &fakeClient{name: "backup", generate: failWith(errB)}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, backup)
	rs := state.NewRunState("t")

	_, err := rt.Execute(context.Background(), "draft", "x", rs)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Backend != "backup" {
		t.Fatalf("expected last backend backup, got %s", genErr.Backend)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both attempt errors preserved, got %v", err)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Fatalf("expected one call each, got %d/%d", primary.calls, backup.calls)
	}
}

func TestCancelledContextSkipsFallback(t *testing.T) {
	primary := &fakeClient{name: "primary", generate: failWith(context.Canceled)}
	backup := &fakeClient{name: "backup", generate: succeedWith(1, 1)}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, backup)
	rs := state.NewRunState("t")

	_, err := rt.Execute(context.Background(), "draft", "x", rs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation preserved, got %v", err)
	}
	if backup.calls != 0 {
		t.Fatalf("cancellation must not trigger fallback, got %d calls", backup.calls)
	}
	if rs.RetryCounts["draft"] != 0 {
		t.Fatalf("expected no retry count, got %d", rs.RetryCounts["draft"])
	}
}

func TestMissingUsageFallsBackToEstimates(t *testing.T) {
	t.Setenv("WRITERAI_TEST_BACKUP_KEY", "test-key")
	led := testLedger()
	reply := strings.Repeat("b", 40)
	primary := &fakeClient{name: "primary", generate: func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return &provider.Result{Text: reply}, nil
	}}
	rt := newTestRouter(t, testConfig(), led, primary, nil)
	rs := state.NewRunState("t")

	// Prompt and reply both estimate to 10 tokens at 4 chars per token.
	if _, err := rt.Execute(context.Background(), "draft", strings.Repeat("a", 40), rs); err != nil {
		t.Fatal(err)
	}
	tot := led.Totals()
	if tot.InputTokens != 10 || tot.OutputTokens != 10 {
		t.Fatalf("expected estimated 10/10 tokens, got %d/%d", tot.InputTokens, tot.OutputTokens)
	}
	if tot.Cost != 0.1 {
		t.Fatalf("expected estimated cost 0.1, got %v", tot.Cost)
	}
}

func TestExecuteUnknownStage(t *testing.T) {
	t.Setenv("WRITERAI_TEST_BACKUP_KEY", "test-key")
	primary := &fakeClient{name: "primary", generate: succeedWith(1, 1)}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, nil)
	rs := state.NewRunState("t")

	_, err := rt.Execute(context.Background(), "nonexistent", "x", rs)
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("expected unknown stage error, got %v", err)
	}
}

func TestSummaryStageBound(t *testing.T) {
	t.Setenv("WRITERAI_TEST_BACKUP_KEY", "test-key")
	primary := &fakeClient{name: "primary", generate: succeedWith(1, 1)}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, nil)

	backendID, model, ok := rt.Binding("summarize")
	if !ok {
		t.Fatal("expected summary stage binding")
	}
	if backendID != "primary" || model != "test-model" {
		t.Fatalf("unexpected binding %s/%s", backendID, model)
	}
}

func TestResolveClientMemoizes(t *testing.T) {
	t.Setenv("WRITERAI_TEST_BACKUP_KEY", "test-key")
	primary := &fakeClient{name: "primary", generate: succeedWith(1, 1)}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, nil)
	rs := state.NewRunState("t")

	c1, err := rt.ResolveClient("draft", rs)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := rt.ResolveClient("draft", rs)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expected the same client instance on repeat resolution")
	}
	if len(rs.ClientKeys) != 1 || rs.ClientKeys[0] != "primary" {
		t.Fatalf("expected backend recorded once, got %v", rs.ClientKeys)
	}
	if _, err := rt.ResolveClient("nonexistent", rs); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestCallOptionsOverrideStageSettings(t *testing.T) {
	t.Setenv("WRITERAI_TEST_BACKUP_KEY", "test-key")
	var seen provider.Request
	primary := &fakeClient{name: "primary", generate: func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		seen = *req
		return &provider.Result{Text: "ok", InputTokens: 1, OutputTokens: 1}, nil
	}}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, nil)
	rs := state.NewRunState("t")

	_, err := rt.Execute(context.Background(), "draft", "x", rs,
		WithMaxOutputTokens(77), WithTemperature(0.2), WithSystem("be brief"))
	if err != nil {
		t.Fatal(err)
	}
	if seen.MaxTokens != 77 {
		t.Fatalf("expected max tokens 77, got %d", seen.MaxTokens)
	}
	if seen.Temperature == nil || *seen.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", seen.Temperature)
	}
	if seen.System != "be brief" {
		t.Fatalf("expected system prompt, got %q", seen.System)
	}
}

func TestNewReportsResolutionProblems(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = append(cfg.Stages, config.StageConfig{
		Name: "broken", Model: "nope", MaxOutputTokens: 10, Instruction: "x",
	})
	_, err := New(cfg, testLedger(), WithClient("primary", &fakeClient{name: "primary"}), WithClient("backup", &fakeClient{name: "backup"}))
	if err == nil || !strings.Contains(err.Error(), "no models entry") {
		t.Fatalf("expected resolution problem, got %v", err)
	}
}

func TestNewRequiresAPIKeyEnvForRemoteBackends(t *testing.T) {
	cfg := testConfig()
	// No injected clients, no keys in the environment.
	_, err := New(cfg, testLedger())
	if err == nil || !strings.Contains(err.Error(), "WRITERAI_TEST_PRIMARY_KEY") {
		t.Fatalf("expected missing key problem, got %v", err)
	}
}

func TestClientKeysRecordedOnRunState(t *testing.T) {
	primary := &fakeClient{name: "primary", generate: failWith(context.DeadlineExceeded)}
	backup := &fakeClient{name: "backup", generate: succeedWith(1, 1)}
	rt := newTestRouter(t, testConfig(), testLedger(), primary, backup)
	rs := state.NewRunState("t")

	if _, err := rt.Execute(context.Background(), "draft", "x", rs); err != nil {
		t.Fatal(err)
	}
	if len(rs.ClientKeys) != 2 {
		t.Fatalf("expected both backends recorded, got %v", rs.ClientKeys)
	}
}
