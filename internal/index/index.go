// Package index provides similarity search over dataset schema metadata and
// methodology documentation. Entries live in namespaces; column namespaces
// additionally carry a table id so retrieval can be restricted to a
// previously selected table set.
package index

import (
	"context"
	"encoding/json"
)

// Item is one entry to embed and store.
type Item struct {
	ID       string
	TableID  string
	Text     string
	Metadata json.RawMessage
}

// Match is one scored search hit.
type Match struct {
	ID       string          `json:"id"`
	TableID  string          `json:"table_id,omitempty"`
	Score    float64         `json:"score"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Query is one similarity search.
type Query struct {
	Namespace string
	Text      string

	// TableFilter restricts hits to these table ids. Empty means no
	// restriction (documentation namespaces have no table ids).
	TableFilter []string

	TopK     int
	MinScore float64
}

// Searcher is the retrieval surface the tools depend on.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Match, error)
}

// Writer is the ingest surface used by the index builder.
type Writer interface {
	Upsert(ctx context.Context, namespace string, items []Item) error
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
