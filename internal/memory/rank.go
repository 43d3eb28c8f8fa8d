package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// tokenSet lowercases and splits on non-alphanumeric runes, returning the
// set of distinct tokens.
func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// similarity is the cosine of the two token sets treated as binary
// vectors: overlap divided by the geometric mean of the set sizes.
func similarity(query, content map[string]bool) float64 {
	if len(query) == 0 || len(content) == 0 {
		return 0
	}
	small, large := query, content
	if len(small) > len(large) {
		small, large = large, small
	}
	overlap := 0
	for tok := range small {
		if large[tok] {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	return float64(overlap) / math.Sqrt(float64(len(query))*float64(len(content)))
}

// rankBySimilarity scores docs against the query and sorts best-first.
// Ties break on document id so results are deterministic.
func rankBySimilarity(query string, docs []Document) []ScoredDocument {
	qset := tokenSet(query)
	scored := make([]ScoredDocument, 0, len(docs))
	for _, d := range docs {
		scored = append(scored, ScoredDocument{
			Document: d,
			Score:    similarity(qset, tokenSet(d.Content)),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	return scored
}
