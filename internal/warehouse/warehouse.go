// Package warehouse provides read-only access to a survey dataset database.
package warehouse

import (
	"context"
	"fmt"
	"strings"
)

// ErrorKind classifies a warehouse failure into a stable, machine-readable
// category so the loop never sees raw driver errors.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindPermission  ErrorKind = "permission_error"
	KindQuota       ErrorKind = "quota_exceeded"
	KindConnection  ErrorKind = "connection_error"
	KindSyntax      ErrorKind = "syntax_error"
	KindNotFound    ErrorKind = "resource_not_found"
	KindResultLimit ErrorKind = "result_limit_exceeded"
	KindExecution   ErrorKind = "execution_error"
)

// QueryError is a classified warehouse failure.
type QueryError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *QueryError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the bounded outcome of a read-only query.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`

	// Truncated is set when the row ceiling cut the result short.
	Truncated bool `json:"truncated,omitempty"`
}

// ColumnInfo describes one live column of a warehouse table.
type ColumnInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	NotNull bool   `json:"not_null,omitempty"`
}

// Warehouse is the read-only query surface the tools depend on.
type Warehouse interface {
	// Query executes a single read-only statement and returns bounded rows.
	// Failures come back as *QueryError; the second return is nil on success.
	Query(ctx context.Context, sqlText string) (*Result, *QueryError)

	// TableColumns returns the live column list of a table.
	TableColumns(ctx context.Context, table string) ([]ColumnInfo, *QueryError)

	// ListTables returns the live table names.
	ListTables(ctx context.Context) ([]string, *QueryError)

	Close() error
}

// Classify maps a raw error to an ErrorKind by message inspection. SQLite
// reports most failures as strings, so this is substring matching over a
// lowercased message.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindExecution
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") || strings.Contains(msg, "interrupted"):
		return KindTimeout
	case strings.Contains(msg, "context canceled"):
		return KindTimeout
	case strings.Contains(msg, "readonly") || strings.Contains(msg, "read-only") || strings.Contains(msg, "attempt to write") || strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return KindPermission
	case strings.Contains(msg, "quota") || strings.Contains(msg, "too many") || strings.Contains(msg, "limit exceeded"):
		return KindQuota
	case strings.Contains(msg, "unable to open") || strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection"):
		return KindConnection
	case strings.Contains(msg, "syntax error") || strings.Contains(msg, "incomplete input") || strings.Contains(msg, "unrecognized token"):
		return KindSyntax
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") || strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return KindNotFound
	default:
		return KindExecution
	}
}

func classifyErr(err error) *QueryError {
	if err == nil {
		return nil
	}
	return &QueryError{Kind: Classify(err), Message: err.Error()}
}
