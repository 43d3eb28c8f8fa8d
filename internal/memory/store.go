package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dbFileName      = "memory.db"
	upsertBatchSize = 100
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    content    TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_run ON documents(run_id);
`

// Store is the SQLite-backed document store.
type Store struct {
	db    *sql.DB
	cache *queryCache
}

// Open creates or opens the memory database under dir.
func Open(dir string, cacheSize int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL keeps reads cheap while the pipeline writes summaries.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, cache: newQueryCache(cacheSize)}, nil
}

// Upsert stores one document. An empty ID derives from content and
// metadata; a zero CreatedAt becomes now. Re-inserting identical content
// with identical metadata hits the same row.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	return s.UpsertBatch(ctx, []Document{doc})
}

// UpsertBatch stores documents in transactional batches. Any write
// invalidates the query cache.
func (s *Store) UpsertBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	for start := 0; start < len(docs); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := s.upsertChunk(ctx, docs[start:end]); err != nil {
			return err
		}
	}
	s.cache.InvalidateAll()
	return nil
}

func (s *Store) upsertChunk(ctx context.Context, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		if err := ValidateMetadata(doc.Metadata); err != nil {
			return err
		}
		if doc.ID == "" {
			doc.ID = DocumentID(doc.Content, doc.Metadata)
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = time.Now()
		}
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, run_id, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				run_id = excluded.run_id,
				content = excluded.content,
				metadata = excluded.metadata`,
			doc.ID, doc.RunID, doc.Content, string(meta),
			doc.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Search ranks a run's documents against the query and returns the top k.
// k above the store size clamps down; results come from the query cache
// when no write has intervened.
func (s *Store) Search(ctx context.Context, runID, query string, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}
	if docs, ok := s.cache.Get(runID, query, k); ok {
		return docs, nil
	}

	docs, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	n := k
	if n > len(docs) {
		n = len(docs)
	}
	ranked := rankBySimilarity(query, docs)[:n]
	// Cache under the requested k so repeat queries hit even when the
	// store held fewer documents than asked for.
	s.cache.Put(runID, query, k, ranked)
	return ranked, nil
}

// SearchByMetadata returns up to k documents whose metadata matches every
// filter exactly, newest first, each scored 1.0. Results bypass the query
// cache since the scan is already cheap.
func (s *Store) SearchByMetadata(ctx context.Context, runID string, filters map[string]any, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}
	docs, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	matched := make([]ScoredDocument, 0, k)
	for _, d := range docs {
		if matchesFilters(d.Metadata, filters) {
			matched = append(matched, ScoredDocument{Document: d, Score: 1.0})
			if len(matched) == k {
				break
			}
		}
	}
	return matched, nil
}

// DeleteByMetadata removes every document of a run whose metadata matches
// all filters and returns how many went away.
func (s *Store) DeleteByMetadata(ctx context.Context, runID string, filters map[string]any) (int, error) {
	docs, err := s.loadRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, d := range docs {
		if matchesFilters(d.Metadata, filters) {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("delete document %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.cache.InvalidateAll()
	return len(ids), nil
}

// Count returns the number of documents stored for a run.
func (s *Store) Count(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE run_id = ?", runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// CacheStats reports query cache traffic.
func (s *Store) CacheStats() CacheStats {
	return s.cache.Stats()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// loadRun fetches all documents for a run, newest first.
func (s *Store) loadRun(ctx context.Context, runID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, content, metadata, created_at
		FROM documents WHERE run_id = ?
		ORDER BY created_at DESC, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var meta, createdAt string
		if err := rows.Scan(&d.ID, &d.RunID, &d.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", d.ID, err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// matchesFilters reports whether metadata satisfies every filter entry.
// Numeric values compare as float64 since JSON round-trips ints that way.
func matchesFilters(metadata, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
