package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/williamDalston/writerai/internal/memory"
	"github.com/williamDalston/writerai/internal/state"
)

type fakeSummarizer struct {
	fn    func(ctx context.Context, text string, rs *state.RunState) (string, error)
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string, rs *state.RunState) (string, error) {
	f.calls++
	return f.fn(ctx, text, rs)
}

type faultStore struct {
	DocumentStore
	upsertErr error
}

func (f *faultStore) Upsert(ctx context.Context, doc memory.Document) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.DocumentStore.Upsert(ctx, doc)
}

func openTestStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOutline() *Outline {
	return &Outline{
		Title:   "The Glacier Road",
		Premise: "An expedition races winter across a dying glacier.",
		Characters: []Character{
			{Name: "Rhea", Description: "Expedition lead, haunted by a previous failed crossing."},
			{Name: "Tomas", Description: "Cartographer who suspects the maps are wrong."},
		},
		Settings: []string{"The glacier camp at Icefall Gate."},
		PlotPoints: []PlotPoint{
			{Summary: "The expedition departs despite the late season."},
			{Summary: "A crevasse field blocks the planned route.", Beats: []PlotPoint{
				{Summary: "Tomas finds an older route on a pre-survey map."},
			}},
		},
	}
}

func TestLoadOutline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outline.yaml")
	data := `
title: The Glacier Road
premise: An expedition races winter.
characters:
  - name: Rhea
    description: Expedition lead.
settings:
  - Icefall Gate camp.
plot_points:
  - summary: Departure.
  - summary: The crevasse field.
    beats:
      - summary: The old map.
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := LoadOutline(path)
	if err != nil {
		t.Fatalf("load outline: %v", err)
	}
	if o.Title != "The Glacier Road" || len(o.Characters) != 1 || len(o.PlotPoints) != 2 {
		t.Fatalf("unexpected outline %+v", o)
	}
	if len(o.PlotPoints[1].Beats) != 1 {
		t.Fatalf("expected nested beat, got %+v", o.PlotPoints[1])
	}
}

func TestLoadOutlineRequiresTitle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outline.yaml")
	if err := os.WriteFile(path, []byte("premise: no title\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOutline(path); err == nil || !strings.Contains(err.Error(), "title") {
		t.Fatalf("expected title error, got %v", err)
	}
}

func TestPopulateLongTermMemory(t *testing.T) {
	store := openTestStore(t)
	a := New(store, nil, Config{})
	rs := state.NewRunState("t")
	ctx := context.Background()

	// Premise + 2 characters + 1 setting + 3 plot points.
	n, err := a.PopulateLongTermMemory(ctx, testOutline(), rs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("expected 7 facts, got %d", n)
	}
	if rs.LTMVersion != 1 {
		t.Fatalf("expected version 1, got %d", rs.LTMVersion)
	}

	facts, err := store.SearchByMetadata(ctx, rs.RunID, map[string]any{metaDocType: docTypeFact}, 100)
	if err != nil {
		t.Fatal(err)
	}
	var positions []string
	for _, f := range facts {
		if pos, ok := f.Metadata[metaPosition].(string); ok {
			positions = append(positions, pos)
		}
	}
	want := map[string]bool{"1": true, "2": true, "2.1": true}
	if len(positions) != 3 {
		t.Fatalf("expected 3 plot positions, got %v", positions)
	}
	for _, p := range positions {
		if !want[p] {
			t.Fatalf("unexpected position %q", p)
		}
	}
}

func TestPopulateReplacesPreviousVersion(t *testing.T) {
	store := openTestStore(t)
	a := New(store, nil, Config{})
	rs := state.NewRunState("t")
	ctx := context.Background()

	if _, err := a.PopulateLongTermMemory(ctx, testOutline(), rs); err != nil {
		t.Fatal(err)
	}

	reworked := testOutline()
	reworked.PlotPoints = reworked.PlotPoints[:1]
	n, err := a.PopulateLongTermMemory(ctx, reworked, rs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 facts after rework, got %d", n)
	}
	if rs.LTMVersion != 2 {
		t.Fatalf("expected version 2, got %d", rs.LTMVersion)
	}

	stale, err := store.SearchByMetadata(ctx, rs.RunID, map[string]any{metaLTMVersion: 1}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected version 1 facts deleted, found %d", len(stale))
	}
	count, err := store.Count(ctx, rs.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Fatalf("expected 5 documents total, got %d", count)
	}
}

func TestAppendShortTermMemoryModelPath(t *testing.T) {
	store := openTestStore(t)
	sum := &fakeSummarizer{fn: func(ctx context.Context, text string, rs *state.RunState) (string, error) {
		return "Rhea leads the team onto the ice.", nil
	}}
	a := New(store, sum, Config{})
	rs := state.NewRunState("t")
	ctx := context.Background()

	a.AppendShortTermMemory(ctx, "A long scene of prose. It ends badly.", rs)

	if rs.SceneCount != 1 {
		t.Fatalf("expected scene count 1, got %d", rs.SceneCount)
	}
	if sum.calls != 1 {
		t.Fatalf("expected one summarizer call, got %d", sum.calls)
	}
	got, err := store.SearchByMetadata(ctx, rs.RunID, map[string]any{metaDocType: docTypeSummary}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 summary stored, got %d", len(got))
	}
	if got[0].Content != "Rhea leads the team onto the ice." {
		t.Fatalf("unexpected summary %q", got[0].Content)
	}
	if got[0].Metadata[metaExtractive] != false {
		t.Fatalf("model summary must not be marked extractive: %v", got[0].Metadata)
	}
}

func TestAppendShortTermMemoryExtractiveFallback(t *testing.T) {
	store := openTestStore(t)
	sum := &fakeSummarizer{fn: func(ctx context.Context, text string, rs *state.RunState) (string, error) {
		return "", errors.New("backend down")
	}}
	a := New(store, sum, Config{})
	rs := state.NewRunState("t")
	ctx := context.Background()

	a.AppendShortTermMemory(ctx, "The team sets out at dawn. The ice groans underfoot. By dusk the bridge is gone.", rs)

	got, err := store.SearchByMetadata(ctx, rs.RunID, map[string]any{metaDocType: docTypeSummary}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 summary stored, got %d", len(got))
	}
	want := "The team sets out at dawn. By dusk the bridge is gone."
	if got[0].Content != want {
		t.Fatalf("expected first and last sentences, got %q", got[0].Content)
	}
	if got[0].Metadata[metaExtractive] != true {
		t.Fatalf("fallback summary must be marked extractive: %v", got[0].Metadata)
	}
	if rs.SceneCount != 1 {
		t.Fatalf("expected scene count 1, got %d", rs.SceneCount)
	}
}

func TestAppendShortTermMemoryEmptyUnit(t *testing.T) {
	store := openTestStore(t)
	sum := &fakeSummarizer{fn: func(ctx context.Context, text string, rs *state.RunState) (string, error) {
		return "unused", nil
	}}
	a := New(store, sum, Config{})
	rs := state.NewRunState("t")

	a.AppendShortTermMemory(context.Background(), "   \n", rs)

	if rs.SceneCount != 0 {
		t.Fatalf("empty unit must not count a scene, got %d", rs.SceneCount)
	}
	if sum.calls != 0 {
		t.Fatalf("empty unit must not reach summarizer, got %d calls", sum.calls)
	}
}

func TestAppendShortTermMemoryStoreFailureDoesNotPropagate(t *testing.T) {
	store := &faultStore{DocumentStore: openTestStore(t), upsertErr: errors.New("disk full")}
	sum := &fakeSummarizer{fn: func(ctx context.Context, text string, rs *state.RunState) (string, error) {
		return "A summary.", nil
	}}
	a := New(store, sum, Config{})
	rs := state.NewRunState("t")

	a.AppendShortTermMemory(context.Background(), "Some scene text here.", rs)

	// The scene still counts; only persistence was lost.
	if rs.SceneCount != 1 {
		t.Fatalf("expected scene count 1, got %d", rs.SceneCount)
	}
}

func TestRetrieveContextBudgetsAndLabels(t *testing.T) {
	store := openTestStore(t)
	sum := &fakeSummarizer{fn: func(ctx context.Context, text string, rs *state.RunState) (string, error) {
		return text, nil
	}}
	a := New(store, sum, Config{SearchK: 15, RecencyK: 5, SummaryShare: 0.4, FactShare: 0.6})
	rs := state.NewRunState("t")
	ctx := context.Background()

	outline := &Outline{Title: "T"}
	for i := 1; i <= 12; i++ {
		outline.PlotPoints = append(outline.PlotPoints, PlotPoint{
			Summary: fmt.Sprintf("The expedition crosses obstacle number %d on the glacier road.", i),
		})
	}
	if _, err := a.PopulateLongTermMemory(ctx, outline, rs); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		a.AppendShortTermMemory(ctx, fmt.Sprintf(
			"Scene %d covers a long march across the ice. The team loses gear to a hidden crevasse. Rhea keeps the expedition moving toward the glacier road.", i), rs)
	}

	bundle := a.RetrieveContext(ctx, "expedition glacier road", rs, 1000)

	if len(bundle.Summaries) > 400 {
		t.Fatalf("summaries exceed budget: %d", len(bundle.Summaries))
	}
	if len(bundle.Facts) > 600 {
		t.Fatalf("facts exceed budget: %d", len(bundle.Facts))
	}
	if len(bundle.Summaries) < 200 || len(bundle.Facts) < 300 {
		t.Fatalf("truncation lost more than half the budget: %d/%d",
			len(bundle.Summaries), len(bundle.Facts))
	}
	if !strings.HasSuffix(bundle.Summaries, ".") || !strings.HasSuffix(bundle.Facts, ".") {
		t.Fatalf("expected sentence-end cuts, got %q / %q",
			bundle.Summaries[len(bundle.Summaries)-20:], bundle.Facts[len(bundle.Facts)-20:])
	}
	if !strings.Contains(bundle.Full, "Previous Scene Summaries:\n") {
		t.Fatal("missing summaries label")
	}
	if !strings.Contains(bundle.Full, "Relevant Facts:\n") {
		t.Fatal("missing facts label")
	}
}

func TestRetrieveContextDedupesAndOrdersScenes(t *testing.T) {
	store := openTestStore(t)
	sum := &fakeSummarizer{fn: func(ctx context.Context, text string, rs *state.RunState) (string, error) {
		return text, nil
	}}
	a := New(store, sum, Config{})
	rs := state.NewRunState("t")
	ctx := context.Background()

	a.AppendShortTermMemory(ctx, "Scene alpha: the expedition departs the camp.", rs)
	a.AppendShortTermMemory(ctx, "Scene beta: the expedition reaches the crevasse.", rs)

	// The query matches the summaries directly, so both arrive through
	// semantic search and again through recency. Each appears once.
	bundle := a.RetrieveContext(ctx, "expedition scene", rs, 10000)
	if bundle.SummaryCount != 2 {
		t.Fatalf("expected 2 deduped summaries, got %d", bundle.SummaryCount)
	}
	first := strings.Index(bundle.Summaries, "Scene alpha")
	second := strings.Index(bundle.Summaries, "Scene beta")
	if first == -1 || second == -1 || first > second {
		t.Fatalf("expected chronological summaries, got %q", bundle.Summaries)
	}
	if strings.Count(bundle.Summaries, "Scene alpha") != 1 {
		t.Fatalf("duplicate summary in %q", bundle.Summaries)
	}
}

func TestRetrieveContextEmptyStore(t *testing.T) {
	store := openTestStore(t)
	a := New(store, nil, Config{})
	rs := state.NewRunState("t")

	bundle := a.RetrieveContext(context.Background(), "anything", rs, 1000)
	if bundle.Full != "" || bundle.SummaryCount != 0 || bundle.FactCount != 0 {
		t.Fatalf("expected empty bundle, got %+v", bundle)
	}
}

func TestRetrieveContextShortInputUntouched(t *testing.T) {
	store := openTestStore(t)
	a := New(store, nil, Config{})
	rs := state.NewRunState("t")
	ctx := context.Background()

	outline := &Outline{Title: "T", Premise: "A small premise."}
	if _, err := a.PopulateLongTermMemory(ctx, outline, rs); err != nil {
		t.Fatal(err)
	}

	bundle := a.RetrieveContext(ctx, "premise", rs, 100000)
	if !strings.Contains(bundle.Facts, "Premise: A small premise.") {
		t.Fatalf("short content must pass through unchanged, got %q", bundle.Facts)
	}
}
