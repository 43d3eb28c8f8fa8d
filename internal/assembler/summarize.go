package assembler

import (
	"context"
	"strings"

	"github.com/williamDalston/writerai/internal/router"
	"github.com/williamDalston/writerai/internal/state"
)

// Summarizer condenses a generated unit of prose for short-term memory.
type Summarizer interface {
	Summarize(ctx context.Context, unitText string, rs *state.RunState) (string, error)
}

// ModelSummarizer summarizes through the router's summary stage.
type ModelSummarizer struct {
	Router *router.Router
	Stage  string
}

const summaryPrompt = `Summarize the following scene in three to five sentences. Keep character names, locations, and plot consequences. Reply with the summary only.

Scene:
`

func (m *ModelSummarizer) Summarize(ctx context.Context, unitText string, rs *state.RunState) (string, error) {
	return m.Router.Execute(ctx, m.Stage, summaryPrompt+unitText, rs)
}

// extractiveSummary is the degraded path when the model summarizer fails:
// the first and last sentences of the unit, which usually carry the scene
// setup and its outcome.
func extractiveSummary(text string) string {
	sentences := splitSentences(text)
	switch len(sentences) {
	case 0:
		return strings.TrimSpace(text)
	case 1:
		return sentences[0]
	default:
		return sentences[0] + " " + sentences[len(sentences)-1]
	}
}

// splitSentences splits on terminator-plus-whitespace. Good enough for
// prose; abbreviation misfires just shift the extractive window.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i == len(text)-1 || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				s := strings.TrimSpace(text[start : i+1])
				if s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
