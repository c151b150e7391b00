package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/andesdata/esma-agent/internal/index"
	"github.com/andesdata/esma-agent/internal/schema"
)

// tableRetriever ranks catalog table descriptors against free text. It is a
// pure catalog scan; an empty result is a valid outcome.
type tableRetriever struct {
	catalog *schema.Catalog
}

type rankedTable struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	WeightCol   string  `json:"weight_column,omitempty"`
	Score       float64 `json:"score"`
}

func (t *tableRetriever) Name() string { return "table_retriever" }

func (t *tableRetriever) Description() string {
	return "Rank the dataset's tables by relevance to a free-text query. Use this first to decide which tables could answer the question."
}

func (t *tableRetriever) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "Free-text description of the data you are looking for.",
		},
	}, "query")
}

func (t *tableRetriever) Invoke(_ context.Context, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args struct {
		Query string `json:"query"`
	}
	if terr := decodeArgs(raw, &args); terr != nil {
		return nil, terr
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, &ToolError{Code: ErrorCodeBadArgs, Message: "missing query"}
	}

	queryTokens := textTokens(query)
	var ranked []rankedTable
	for i := range t.catalog.Tables {
		tbl := t.catalog.Tables[i]
		haystack := textTokens(tbl.Name + " " + tbl.Description + " " + tbl.Domain)
		score := overlap(queryTokens, haystack)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, rankedTable{
			Name:        tbl.Name,
			Description: tbl.Description,
			Domain:      tbl.Domain,
			WeightCol:   tbl.WeightColumn,
			Score:       score,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score == ranked[j].Score {
			return ranked[i].Name < ranked[j].Name
		}
		return ranked[i].Score > ranked[j].Score
	})

	return marshalResult(map[string]any{"tables": emptyAsList(ranked)})
}

// columnRetriever searches the dataset's column namespace, restricted to the
// caller-selected tables. Results never escape that filter.
type columnRetriever struct {
	searcher  index.Searcher
	namespace string
	topK      int
	minScore  float64
}

func (c *columnRetriever) Name() string { return "column_retriever" }

func (c *columnRetriever) Description() string {
	return "Search documented columns by meaning, restricted to the given tables. Returns column descriptions, types, and code meanings."
}

func (c *columnRetriever) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "What the column should measure or describe.",
		},
		"tables": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Table names to search within (from table_retriever).",
		},
	}, "query", "tables")
}

func (c *columnRetriever) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args struct {
		Query  string   `json:"query"`
		Tables []string `json:"tables"`
	}
	if terr := decodeArgs(raw, &args); terr != nil {
		return nil, terr
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, &ToolError{Code: ErrorCodeBadArgs, Message: "missing query"}
	}
	tables := cleanStrings(args.Tables)
	if len(tables) == 0 {
		return nil, &ToolError{
			Code:           ErrorCodeBadArgs,
			Message:        "missing tables",
			SuggestedFixes: []string{"call table_retriever first and pass its table names"},
		}
	}

	matches, err := c.searcher.Search(ctx, index.Query{
		Namespace:   c.namespace,
		Text:        args.Query,
		TableFilter: tables,
		TopK:        c.topK,
		MinScore:    c.minScore,
	})
	if err != nil {
		return nil, &ToolError{Code: ErrorCodeIndex, Message: err.Error(), Retryable: true}
	}

	fragments := make([]schema.Fragment, 0, len(matches))
	for _, m := range matches {
		frag := schema.Fragment{Provenance: schema.ProvenanceIndex, Score: m.Score, Table: m.TableID}
		if len(m.Metadata) > 0 {
			_ = json.Unmarshal(m.Metadata, &frag)
			frag.Provenance = schema.ProvenanceIndex
			frag.Score = m.Score
			if frag.Table == "" {
				frag.Table = m.TableID
			}
		}
		if frag.Column == "" {
			frag.Column = m.ID
		}
		fragments = append(fragments, frag)
	}

	return marshalResult(map[string]any{
		"fragments":       fragments,
		"retrieval_empty": len(fragments) == 0,
	})
}

// methodologyRetriever searches the dataset's documentation namespace. No
// table filter applies; methodology notes are not table-scoped.
type methodologyRetriever struct {
	searcher  index.Searcher
	namespace string
	topK      int
	minScore  float64
}

func (m *methodologyRetriever) Name() string { return "methodology_retriever" }

func (m *methodologyRetriever) Description() string {
	return "Search the survey's methodology documentation (sampling design, weighting, variable construction)."
}

func (m *methodologyRetriever) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "The methodology question to look up.",
		},
	}, "query")
}

func (m *methodologyRetriever) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args struct {
		Query string `json:"query"`
	}
	if terr := decodeArgs(raw, &args); terr != nil {
		return nil, terr
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, &ToolError{Code: ErrorCodeBadArgs, Message: "missing query"}
	}

	matches, err := m.searcher.Search(ctx, index.Query{
		Namespace: m.namespace,
		Text:      args.Query,
		TopK:      m.topK,
		MinScore:  m.minScore,
	})
	if err != nil {
		return nil, &ToolError{Code: ErrorCodeIndex, Message: err.Error(), Retryable: true}
	}

	type docHit struct {
		ID    string          `json:"id"`
		Score float64         `json:"score"`
		Doc   json.RawMessage `json:"doc,omitempty"`
	}
	hits := make([]docHit, 0, len(matches))
	for _, match := range matches {
		hits = append(hits, docHit{ID: match.ID, Score: match.Score, Doc: match.Metadata})
	}
	return marshalResult(map[string]any{
		"documents":       hits,
		"retrieval_empty": len(hits) == 0,
	})
}

func textTokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(f) < 2 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

func overlap(query, haystack map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if _, ok := haystack[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func emptyAsList[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
