package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/andesdata/esma-agent/internal/schema"
	"github.com/andesdata/esma-agent/internal/warehouse"
)

const sampleRowLimit = 5

// schemaGatherer inspects the live warehouse structure of selected tables
// and cross-checks it against the catalog to surface drift.
type schemaGatherer struct {
	warehouse warehouse.Warehouse
	catalog   *schema.Catalog
}

type gatheredTable struct {
	Table      string                 `json:"table"`
	Columns    []warehouse.ColumnInfo `json:"columns"`
	SampleRows [][]any                `json:"sample_rows,omitempty"`
	SampleCols []string               `json:"sample_columns,omitempty"`

	// Drift lists catalog/warehouse disagreements for this table.
	Drift []string `json:"drift,omitempty"`
}

func (g *schemaGatherer) Name() string { return "schema_gatherer" }

func (g *schemaGatherer) Description() string {
	return "Fetch the live column list and a few sample rows for the given tables, and report any drift between the documentation and the live schema."
}

func (g *schemaGatherer) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"tables": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Table names to inspect.",
		},
	}, "tables")
}

func (g *schemaGatherer) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args struct {
		Tables []string `json:"tables"`
	}
	if terr := decodeArgs(raw, &args); terr != nil {
		return nil, terr
	}
	tables := cleanStrings(args.Tables)
	if len(tables) == 0 {
		return nil, &ToolError{Code: ErrorCodeBadArgs, Message: "missing tables"}
	}

	out := make([]gatheredTable, 0, len(tables))
	for _, table := range tables {
		cols, qerr := g.warehouse.TableColumns(ctx, table)
		if qerr != nil {
			if qerr.Kind == warehouse.KindNotFound {
				out = append(out, gatheredTable{
					Table: table,
					Drift: []string{fmt.Sprintf("table %q does not exist in the warehouse", table)},
				})
				continue
			}
			return nil, warehouseToolError(qerr)
		}

		gathered := gatheredTable{Table: table, Columns: cols}

		sample, qerr := g.warehouse.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), sampleRowLimit))
		if qerr == nil {
			gathered.SampleRows = sample.Rows
			gathered.SampleCols = sample.Columns
		}

		gathered.Drift = append(gathered.Drift, g.drift(table, cols)...)
		out = append(out, gathered)
	}

	return marshalResult(map[string]any{"tables": out})
}

// drift compares live columns with the catalog descriptor for the table.
func (g *schemaGatherer) drift(table string, live []warehouse.ColumnInfo) []string {
	if g.catalog == nil {
		return nil
	}
	doc, ok := g.catalog.Table(table)
	if !ok {
		return []string{fmt.Sprintf("table %q is not documented in the catalog", table)}
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, c := range live {
		liveSet[strings.ToLower(strings.TrimSpace(c.Name))] = struct{}{}
	}
	docSet := make(map[string]struct{}, len(doc.Columns))

	var drift []string
	for _, c := range doc.Columns {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		docSet[name] = struct{}{}
		if _, ok := liveSet[name]; !ok {
			drift = append(drift, fmt.Sprintf("documented column %q missing from live table %q", c.Name, table))
		}
	}
	for _, c := range live {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if _, ok := docSet[name]; !ok {
			drift = append(drift, fmt.Sprintf("live column %q of table %q is undocumented", c.Name, table))
		}
	}
	return drift
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func warehouseToolError(qerr *warehouse.QueryError) *ToolError {
	if qerr == nil {
		return nil
	}
	code := ErrorCodeWarehouse
	retryable := false
	switch qerr.Kind {
	case warehouse.KindTimeout:
		code = ErrorCodeTimeout
		retryable = true
	case warehouse.KindConnection, warehouse.KindQuota:
		retryable = true
	case warehouse.KindNotFound:
		code = ErrorCodeNotFound
	}
	return &ToolError{
		Code:      code,
		Message:   fmt.Sprintf("%s: %s", qerr.Kind, qerr.Message),
		Retryable: retryable,
	}
}
