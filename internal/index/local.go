package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Local is the bundled index backend: vectors in a local SQLite database,
// cosine similarity computed in-process. Deterministic given a snapshot.
type Local struct {
	db       *sql.DB
	embedder Embedder
}

// OpenLocal opens (or creates) the index database.
func OpenLocal(path string, embedder Embedder) (*Local, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing index path")
	}
	if embedder == nil {
		return nil, errors.New("missing embedder")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Local{db: db, embedder: embedder}, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS index_entries (
  namespace TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  table_id TEXT NOT NULL DEFAULT '',
  vector BLOB NOT NULL,
  metadata TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (namespace, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_index_entries_ns_table ON index_entries(namespace, table_id);
`)
	if err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}
	return nil
}

func (l *Local) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Local) Upsert(ctx context.Context, namespace string, items []Item) error {
	if l == nil || l.db == nil {
		return errors.New("index not open")
	}
	namespace = strings.TrimSpace(strings.ToLower(namespace))
	if namespace == "" {
		return errors.New("missing namespace")
	}
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, 0, len(items))
	for i := range items {
		if strings.TrimSpace(items[i].ID) == "" {
			return fmt.Errorf("items[%d]: missing id", i)
		}
		texts = append(texts, items[i].Text)
	}
	vectors, err := l.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d items: %w", len(items), err)
	}
	if len(vectors) != len(items) {
		return fmt.Errorf("embedder returned %d vectors for %d items", len(vectors), len(items))
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO index_entries (namespace, entry_id, table_id, vector, metadata)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(namespace, entry_id) DO UPDATE SET
  table_id = excluded.table_id,
  vector = excluded.vector,
  metadata = excluded.metadata
`
	for i := range items {
		meta := string(items[i].Metadata)
		tableID := strings.TrimSpace(strings.ToLower(items[i].TableID))
		if _, err := tx.ExecContext(ctx, q, namespace, strings.TrimSpace(items[i].ID), tableID, encodeVector(vectors[i]), meta); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", namespace, items[i].ID, err)
		}
	}
	return tx.Commit()
}

func (l *Local) Search(ctx context.Context, q Query) ([]Match, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("index not open")
	}
	namespace := strings.TrimSpace(strings.ToLower(q.Namespace))
	if namespace == "" {
		return nil, errors.New("missing namespace")
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, errors.New("missing query text")
	}
	topK := q.TopK
	if topK < 1 {
		topK = 15
	}

	vectors, err := l.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	queryVec := vectors[0]

	sqlQ := `SELECT entry_id, table_id, vector, metadata FROM index_entries WHERE namespace = ?`
	args := []any{namespace}
	if len(q.TableFilter) > 0 {
		placeholders := make([]string, 0, len(q.TableFilter))
		for _, t := range q.TableFilter {
			placeholders = append(placeholders, "?")
			args = append(args, strings.TrimSpace(strings.ToLower(t)))
		}
		sqlQ += ` AND table_id IN (` + strings.Join(placeholders, ",") + `)`
	}

	rows, err := l.db.QueryContext(ctx, sqlQ, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id, tableID, meta string
			blob              []byte
		)
		if err := rows.Scan(&id, &tableID, &blob, &meta); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("entry %s/%s: %w", namespace, id, err)
		}
		score := cosine(queryVec, vec)
		if score < q.MinScore {
			continue
		}
		m := Match{ID: id, TableID: tableID, Score: score}
		if meta != "" {
			m.Metadata = []byte(meta)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
