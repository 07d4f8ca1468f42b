// Package store persists chunk vectors for one knowledge base in a SQLite
// database under the vectors/ directory. Rows are keyed by the
// content-derived chunk identifier, so upserts are idempotent and identical
// windows are stored once. Nearest-neighbor queries rank by cosine
// similarity computed over the stored float32 blobs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tmswan/kbindex/pkg/types"
)

// DBFileName is the database file inside the vectors directory.
const DBFileName = "chunks.db"

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id   TEXT PRIMARY KEY,
    source     TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    content    TEXT NOT NULL,
    vector     BLOB NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
`

// Store is the per-knowledge-base vector store.
type Store struct {
	db  *sql.DB
	dir string
}

// Result is one query hit: the stored chunk and its cosine similarity to
// the query vector.
type Result struct {
	Chunk      types.Chunk
	Similarity float64
}

// Open creates or opens the store under dir (the knowledge base's vectors
// directory), creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create vectors dir: %v", types.ErrVectorStore, err)
	}

	db, err := sql.Open(DriverName, filepath.Join(dir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", types.ErrVectorStore, err)
	}

	// WAL lets queries proceed while a sync cycle writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", types.ErrVectorStore, err)
	}
	// SQLite benefits from a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", types.ErrVectorStore, err)
	}

	return &Store{db: db, dir: dir}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the persisted directory. Removing it (after Close) is the
// supported full-reset operation: the next scan re-embeds everything.
func (s *Store) Dir() string {
	return s.dir
}

// Upsert inserts the chunk or replaces the existing row with the same
// identifier. Because identifiers are content-derived this is idempotent.
func (s *Store) Upsert(ctx context.Context, chunk *types.Chunk) error {
	const query = `
		INSERT INTO chunks (chunk_id, source, start_line, content, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chunk_id) DO UPDATE SET
			source = excluded.source,
			start_line = excluded.start_line,
			content = excluded.content,
			vector = excluded.vector,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		chunk.ID, chunk.Source, chunk.StartLine, chunk.Content, serializeVector(chunk.Vector))
	if err != nil {
		return fmt.Errorf("%w: upsert chunk %s: %v", types.ErrVectorStore, chunk.ID, err)
	}
	return nil
}

// Query returns up to k chunks ordered by descending cosine similarity to
// vector. When sourceFilter is non-empty, only chunks whose source path
// contains it are considered. Similarity is computed in Go over all
// candidate rows (collections here are per-knowledge-base and modest).
func (s *Store) Query(ctx context.Context, vector []float32, k int, sourceFilter string) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `SELECT chunk_id, source, start_line, content, vector FROM chunks`
	var args []any
	if sourceFilter != "" {
		query += ` WHERE instr(lower(source), lower(?)) > 0`
		args = append(args, sourceFilter)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query chunks: %v", types.ErrVectorStore, err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var (
			chunk types.Chunk
			blob  []byte
		)
		if err := rows.Scan(&chunk.ID, &chunk.Source, &chunk.StartLine, &chunk.Content, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %v", types.ErrVectorStore, err)
		}

		stored := deserializeVector(blob)
		if len(stored) != len(vector) {
			// Dimension mismatch, likely a model change without a reset.
			continue
		}
		results = append(results, Result{
			Chunk:      chunk,
			Similarity: cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read chunks: %v", types.ErrVectorStore, err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DeleteBySource removes all chunks attributed to the given source paths.
// Used when source files disappear from the corpus.
func (s *Store) DeleteBySource(ctx context.Context, sources []string) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(sources)), ",")
	args := make([]any, len(sources))
	for i, src := range sources {
		args[i] = src
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE source IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete by source: %v", types.ErrVectorStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count chunks: %v", types.ErrVectorStore, err)
	}
	return n, nil
}

// CountBySource returns the number of chunks attributed to source.
func (s *Store) CountBySource(ctx context.Context, source string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE source = ?`, source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count chunks for %s: %v", types.ErrVectorStore, source, err)
	}
	return n, nil
}
