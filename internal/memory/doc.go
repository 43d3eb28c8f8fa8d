// Package memory is the persistent document store for run context:
// world facts, scene summaries, and anything else worth retrieving later.
//
// Document identity derives from content, so re-inserting the same text
// with the same metadata is a no-op rather than a duplicate.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Document is one stored memory item. Metadata values must be flat
// scalars (string, bool, or numeric).
type Document struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ScoredDocument pairs a document with its search score.
type ScoredDocument struct {
	Document
	Score float64
}

// DocumentID derives a stable id from content and metadata. Whitespace
// runs collapse before hashing so reflowed text keeps its identity, and
// metadata serializes with sorted keys so map order cannot change the id.
func DocumentID(content string, metadata map[string]any) string {
	meta, _ := json.Marshal(metadata)
	h := sha256.New()
	h.Write([]byte(normalizeContent(content)))
	h.Write([]byte{0x1f})
	h.Write(meta)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ValidateMetadata rejects nested or non-scalar metadata values.
func ValidateMetadata(metadata map[string]any) error {
	for k, v := range metadata {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return fmt.Errorf("metadata key %q: unsupported value type %T", k, v)
		}
	}
	return nil
}
