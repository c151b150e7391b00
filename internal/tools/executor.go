package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/andesdata/esma-agent/internal/schema"
	"github.com/andesdata/esma-agent/internal/warehouse"
)

// schemaValidatorTool exposes statement validation to the model and records
// passing statements in the loop's verdict gate.
type schemaValidatorTool struct {
	known *schema.Known
	gate  *VerdictGate
}

func (v *schemaValidatorTool) Name() string { return "schema_validator" }

func (v *schemaValidatorTool) Description() string {
	return "Validate a SQL statement before execution: read-only SELECT, single statement, and every table and column must exist in the known schema. Execution requires a passing verdict."
}

func (v *schemaValidatorTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sql": map[string]any{
			"type":        "string",
			"description": "The SELECT statement to validate.",
		},
	}, "sql")
}

func (v *schemaValidatorTool) Invoke(_ context.Context, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args struct {
		SQL string `json:"sql"`
	}
	if terr := decodeArgs(raw, &args); terr != nil {
		return nil, terr
	}
	if strings.TrimSpace(args.SQL) == "" {
		return nil, &ToolError{Code: ErrorCodeBadArgs, Message: "missing sql"}
	}

	verdict := ValidateStatement(args.SQL, v.known)
	if verdict.Valid {
		v.gate.Approve(args.SQL)
	}
	return marshalResult(verdict)
}

// sqlExecutor runs a statement that already passed validation in the current
// loop. The gate check is on the normalized statement, so formatting changes
// between validation and execution do not break the link.
type sqlExecutor struct {
	warehouse warehouse.Warehouse
	gate      *VerdictGate
}

func (e *sqlExecutor) Name() string { return "sql_executor" }

func (e *sqlExecutor) Description() string {
	return "Execute a validated read-only SELECT statement and return the rows. The statement must have passed schema_validator in this conversation turn."
}

func (e *sqlExecutor) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"sql": map[string]any{
			"type":        "string",
			"description": "The validated SELECT statement to run.",
		},
	}, "sql")
}

func (e *sqlExecutor) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args struct {
		SQL string `json:"sql"`
	}
	if terr := decodeArgs(raw, &args); terr != nil {
		return nil, terr
	}
	if strings.TrimSpace(args.SQL) == "" {
		return nil, &ToolError{Code: ErrorCodeBadArgs, Message: "missing sql"}
	}

	if !e.gate.Approved(args.SQL) {
		return nil, &ToolError{
			Code:           ErrorCodeNotValidated,
			Message:        "statement has not passed validation in this turn",
			SuggestedFixes: []string{"call schema_validator with this exact statement first"},
		}
	}

	result, qerr := e.warehouse.Query(ctx, args.SQL)
	if qerr != nil {
		return nil, warehouseToolError(qerr)
	}
	return marshalResult(result)
}
