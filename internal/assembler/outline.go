// Package assembler turns stored memory into bounded prompt context and
// keeps that memory current as the pipeline produces new scenes.
package assembler

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/williamDalston/writerai/internal/memory"
)

// Metadata keys and values shared by stored documents.
const (
	metaDocType    = "doc_type"
	metaLTMVersion = "ltm_version"
	metaScene      = "scene"
	metaExtractive = "extractive"
	metaFactKind   = "fact_kind"
	metaPosition   = "position"

	docTypeFact    = "fact"
	docTypeSummary = "summary"
)

// Outline is the author-provided story bible a run starts from.
type Outline struct {
	Title      string      `yaml:"title"`
	Premise    string      `yaml:"premise"`
	Characters []Character `yaml:"characters"`
	Settings   []string    `yaml:"settings"`
	PlotPoints []PlotPoint `yaml:"plot_points"`
}

// Character is one recurring figure in the story.
type Character struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PlotPoint is one planned story event. Beats nest arbitrarily deep.
type PlotPoint struct {
	Summary string      `yaml:"summary"`
	Beats   []PlotPoint `yaml:"beats"`
}

// LoadOutline reads and validates an outline file.
func LoadOutline(path string) (*Outline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading outline %s: %w", path, err)
	}
	var o Outline
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing outline %s: %w", path, err)
	}
	if o.Title == "" {
		return nil, fmt.Errorf("outline %s: title must be set", path)
	}
	return &o, nil
}

// factDocuments flattens an outline into versioned fact documents. Plot
// points carry their outline position ("2", "2.1", ...) so retrieved
// facts can be traced back.
func factDocuments(o *Outline, runID string, version int) []memory.Document {
	var docs []memory.Document
	add := func(content, kind string, extra map[string]any) {
		meta := map[string]any{
			metaDocType:    docTypeFact,
			metaLTMVersion: version,
			metaFactKind:   kind,
		}
		for k, v := range extra {
			meta[k] = v
		}
		docs = append(docs, memory.Document{
			RunID:    runID,
			Content:  content,
			Metadata: meta,
		})
	}

	if o.Premise != "" {
		add("Premise: "+o.Premise, "premise", nil)
	}
	for _, c := range o.Characters {
		add(fmt.Sprintf("Character %s: %s", c.Name, c.Description), "character", nil)
	}
	for _, s := range o.Settings {
		add("Setting: "+s, "setting", nil)
	}

	var walk func(points []PlotPoint, prefix string)
	walk = func(points []PlotPoint, prefix string) {
		for i, p := range points {
			pos := strconv.Itoa(i + 1)
			if prefix != "" {
				pos = prefix + "." + pos
			}
			if p.Summary != "" {
				add(fmt.Sprintf("Plot point %s: %s", pos, p.Summary), "plot",
					map[string]any{metaPosition: pos})
			}
			walk(p.Beats, pos)
		}
	}
	walk(o.PlotPoints, "")

	return docs
}
