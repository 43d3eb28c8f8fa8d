package assembler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/williamDalston/writerai/internal/memory"
	"github.com/williamDalston/writerai/internal/state"
)

// DocumentStore is the slice of the memory store the assembler needs.
type DocumentStore interface {
	Upsert(ctx context.Context, doc memory.Document) error
	UpsertBatch(ctx context.Context, docs []memory.Document) error
	Search(ctx context.Context, runID, query string, k int) ([]memory.ScoredDocument, error)
	SearchByMetadata(ctx context.Context, runID string, filters map[string]any, k int) ([]memory.ScoredDocument, error)
	DeleteByMetadata(ctx context.Context, runID string, filters map[string]any) (int, error)
}

// Config tunes retrieval breadth and the context budget split.
type Config struct {
	SearchK      int
	RecencyK     int
	MaxChars     int
	SummaryShare float64
	FactShare    float64
}

func (c Config) withDefaults() Config {
	if c.SearchK <= 0 {
		c.SearchK = 15
	}
	if c.RecencyK <= 0 {
		c.RecencyK = 5
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 24000
	}
	if c.SummaryShare <= 0 {
		c.SummaryShare = 0.4
	}
	if c.FactShare <= 0 {
		c.FactShare = 0.6
	}
	return c
}

// Assembler maintains run memory and assembles prompt context from it.
type Assembler struct {
	store      DocumentStore
	summarizer Summarizer
	cfg        Config
}

// New returns an assembler over store. summarizer may be nil, in which
// case short-term memory always takes the extractive path.
func New(store DocumentStore, summarizer Summarizer, cfg Config) *Assembler {
	return &Assembler{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
	}
}

// PopulateLongTermMemory replaces the run's fact documents with a fresh
// flattening of the outline. The previous fact version is deleted first
// so a reworked outline cannot leave stale facts behind. Returns the
// number of facts stored.
func (a *Assembler) PopulateLongTermMemory(ctx context.Context, o *Outline, rs *state.RunState) (int, error) {
	newVersion := rs.LTMVersion + 1
	if rs.LTMVersion > 0 {
		_, err := a.store.DeleteByMetadata(ctx, rs.RunID, map[string]any{
			metaDocType:    docTypeFact,
			metaLTMVersion: rs.LTMVersion,
		})
		if err != nil {
			return 0, fmt.Errorf("delete fact version %d: %w", rs.LTMVersion, err)
		}
	}

	docs := factDocuments(o, rs.RunID, newVersion)
	if err := a.store.UpsertBatch(ctx, docs); err != nil {
		return 0, fmt.Errorf("store facts: %w", err)
	}
	rs.LTMVersion = newVersion
	return len(docs), nil
}

// AppendShortTermMemory summarizes a generated unit and stores it as the
// next scene summary. Memory upkeep never fails the pipeline: a failed
// model summary degrades to an extractive one, and a failed store write
// only logs.
func (a *Assembler) AppendShortTermMemory(ctx context.Context, unitText string, rs *state.RunState) {
	if strings.TrimSpace(unitText) == "" {
		return
	}

	var summary string
	extractive := false
	if a.summarizer != nil {
		s, err := a.summarizer.Summarize(ctx, unitText, rs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "assembler: model summary failed (%v), using extractive summary\n", err)
		} else {
			summary = strings.TrimSpace(s)
		}
	}
	if summary == "" {
		summary = extractiveSummary(unitText)
		extractive = true
	}

	rs.SceneCount++
	doc := memory.Document{
		RunID:   rs.RunID,
		Content: summary,
		Metadata: map[string]any{
			metaDocType:    docTypeSummary,
			metaScene:      rs.SceneCount,
			metaExtractive: extractive,
		},
	}
	if err := a.store.Upsert(ctx, doc); err != nil {
		fmt.Fprintf(os.Stderr, "assembler: storing scene %d summary failed: %v\n", rs.SceneCount, err)
	}
}

// ContextBundle is assembled prompt context, already within budget.
type ContextBundle struct {
	Summaries    string
	Facts        string
	Full         string
	SummaryCount int
	FactCount    int
}

// RetrieveContext gathers semantic matches for the query plus the most
// recent scene summaries, dedupes them, and fits them to maxChars with
// the configured split between summaries and facts. Retrieval failures
// degrade to whatever sections remain; generation continues regardless.
func (a *Assembler) RetrieveContext(ctx context.Context, query string, rs *state.RunState, maxChars int) *ContextBundle {
	if maxChars <= 0 {
		maxChars = a.cfg.MaxChars
	}

	semantic, err := a.store.Search(ctx, rs.RunID, query, a.cfg.SearchK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assembler: semantic search failed: %v\n", err)
	}
	recent, err := a.store.SearchByMetadata(ctx, rs.RunID,
		map[string]any{metaDocType: docTypeSummary}, a.cfg.RecencyK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assembler: recency search failed: %v\n", err)
	}

	seen := make(map[string]bool)
	var summaries, facts []memory.ScoredDocument
	for _, d := range append(semantic, recent...) {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if d.Metadata[metaDocType] == docTypeSummary {
			summaries = append(summaries, d)
		} else {
			facts = append(facts, d)
		}
	}

	// Summaries read chronologically; facts keep their relevance order.
	sort.SliceStable(summaries, func(i, j int) bool {
		return sceneNumber(summaries[i].Metadata) < sceneNumber(summaries[j].Metadata)
	})

	bundle := &ContextBundle{
		SummaryCount: len(summaries),
		FactCount:    len(facts),
	}
	summaryBudget := int(float64(maxChars) * a.cfg.SummaryShare)
	factBudget := int(float64(maxChars) * a.cfg.FactShare)
	bundle.Summaries = TruncateAtBoundary(joinContents(summaries), summaryBudget)
	bundle.Facts = TruncateAtBoundary(joinContents(facts), factBudget)

	var sections []string
	if bundle.Summaries != "" {
		sections = append(sections, "Previous Scene Summaries:\n"+bundle.Summaries)
	}
	if bundle.Facts != "" {
		sections = append(sections, "Relevant Facts:\n"+bundle.Facts)
	}
	bundle.Full = strings.Join(sections, "\n\n")
	return bundle
}

func joinContents(docs []memory.ScoredDocument) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, "\n\n")
}

// sceneNumber reads the scene metadata, tolerating the int to float64
// shift documents pick up through JSON storage.
func sceneNumber(metadata map[string]any) float64 {
	switch n := metadata[metaScene].(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
