package ledger

import "strings"

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultRate is the conservative fallback applied to models missing from
// the pricing table. A pricing gap must never abort a run, but it also must
// not make the budget pre-check optimistic, so the fallback sits at the
// expensive end of the mid-tier models.
var DefaultRate = ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}

// localPrefixes mark models served from the operator's own hardware.
// They cost zero regardless of the pricing table.
var localPrefixes = []string{"local/", "ollama/"}

// IsLocalModel reports whether the model id names a locally served model.
func IsLocalModel(model string) bool {
	for _, p := range localPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// DefaultPricing returns built-in pricing for well-known models.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		// Anthropic
		"claude-sonnet-4-20250514":  {3.0, 15.0},
		"claude-opus-4-20250514":    {15.0, 75.0},
		"claude-haiku-4-5-20251001": {0.80, 4.0},
		// OpenAI
		"gpt-4o":       {2.50, 10.0},
		"gpt-4o-mini":  {0.15, 0.60},
		"gpt-4.1":      {2.0, 8.0},
		"gpt-4.1-mini": {0.40, 1.60},
		"gpt-4.1-nano": {0.10, 0.40},
		"o3":           {2.0, 8.0},
		"o3-mini":      {1.10, 4.40},
		"o4-mini":      {1.10, 4.40},
		// DeepSeek
		"deepseek-chat":     {0.27, 1.10},
		"deepseek-reasoner": {0.55, 2.19},
		// Google
		"gemini-2.5-pro":   {1.25, 10.0},
		"gemini-2.5-flash": {0.15, 0.60},
		// Mistral
		"codestral-latest": {0.30, 0.90},
	}
}
