package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the bundled warehouse backend: a local SQLite database opened in
// query-only mode.
type SQLite struct {
	db *sql.DB

	maxRows    int
	maxBytes   int
	perQueryTO time.Duration
}

// SQLiteOptions configures a SQLite warehouse.
type SQLiteOptions struct {
	// Path is the database file path.
	Path string

	// MaxRows / MaxBytes cap every query result.
	MaxRows  int
	MaxBytes int

	// QueryTimeout bounds each statement. Zero means the caller's context
	// is the only bound.
	QueryTimeout time.Duration
}

// OpenSQLite opens the database read-only. Every connection carries the
// query_only pragma, so even a statement that slips past validation cannot
// write.
func OpenSQLite(opts SQLiteOptions) (*SQLite, error) {
	p := strings.TrimSpace(opts.Path)
	if p == "" {
		return nil, errors.New("missing warehouse path")
	}
	if opts.MaxRows < 1 {
		return nil, fmt.Errorf("invalid max rows %d", opts.MaxRows)
	}
	if opts.MaxBytes < 1 {
		return nil, fmt.Errorf("invalid max bytes %d", opts.MaxBytes)
	}

	dsn := "file:" + url.PathEscape(p) + "?_pragma=query_only(1)&_pragma=busy_timeout(3000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	return &SQLite{
		db:         db,
		maxRows:    opts.MaxRows,
		maxBytes:   opts.MaxBytes,
		perQueryTO: opts.QueryTimeout,
	}, nil
}

func (w *SQLite) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *SQLite) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.perQueryTO > 0 {
		return context.WithTimeout(ctx, w.perQueryTO)
	}
	return context.WithCancel(ctx)
}

func (w *SQLite) Query(ctx context.Context, sqlText string) (*Result, *QueryError) {
	if w == nil || w.db == nil {
		return nil, &QueryError{Kind: KindConnection, Message: "warehouse not open"}
	}
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" {
		return nil, &QueryError{Kind: KindSyntax, Message: "empty statement"}
	}

	qctx, cancel := w.queryCtx(ctx)
	defer cancel()

	rows, err := w.db.QueryContext(qctx, sqlText)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifyErr(err)
	}

	out := &Result{Columns: cols}
	bytes := 0
	for rows.Next() {
		if len(out.Rows) >= w.maxRows {
			out.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifyErr(err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
				bytes += len(b)
				continue
			}
			bytes += approxSize(v)
		}
		out.Rows = append(out.Rows, vals)
		if bytes > w.maxBytes {
			return nil, &QueryError{
				Kind:    KindResultLimit,
				Message: fmt.Sprintf("result exceeds %d bytes; add aggregation or a LIMIT clause", w.maxBytes),
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}

func (w *SQLite) TableColumns(ctx context.Context, table string) ([]ColumnInfo, *QueryError) {
	if w == nil || w.db == nil {
		return nil, &QueryError{Kind: KindConnection, Message: "warehouse not open"}
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, &QueryError{Kind: KindNotFound, Message: "empty table name"}
	}

	qctx, cancel := w.queryCtx(ctx)
	defer cancel()

	// PRAGMA table_info takes the name as a quoted literal.
	rows, err := w.db.QueryContext(qctx, `SELECT name, type, "notnull" FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		var notNull int
		if err := rows.Scan(&c.Name, &c.Type, &notNull); err != nil {
			return nil, classifyErr(err)
		}
		c.NotNull = notNull != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}
	if len(cols) == 0 {
		return nil, &QueryError{Kind: KindNotFound, Message: fmt.Sprintf("no such table: %s", table)}
	}
	return cols, nil
}

func (w *SQLite) ListTables(ctx context.Context) ([]string, *QueryError) {
	if w == nil || w.db == nil {
		return nil, &QueryError{Kind: KindConnection, Message: "warehouse not open"}
	}

	qctx, cancel := w.queryCtx(ctx)
	defer cancel()

	rows, err := w.db.QueryContext(qctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, classifyErr(err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}
	return names, nil
}

func approxSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 4
	case string:
		return len(t)
	case int64, float64:
		return 8
	case bool:
		return 1
	default:
		return len(fmt.Sprint(t))
	}
}
