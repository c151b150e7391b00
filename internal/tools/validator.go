package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/andesdata/esma-agent/internal/schema"
)

// ViolationKind classifies one validation failure.
type ViolationKind string

const (
	ViolationEmptyStatement     ViolationKind = "empty_statement"
	ViolationMultipleStatements ViolationKind = "multiple_statements"
	ViolationNonSelect          ViolationKind = "non_select_statement"
	ViolationForbiddenKeyword   ViolationKind = "forbidden_keyword"
	ViolationUnknownTable       ViolationKind = "unknown_table"
	ViolationUnknownColumn      ViolationKind = "unknown_column"
)

// Violation is one reason a statement failed validation.
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	Identifier string        `json:"identifier,omitempty"`
	Detail     string        `json:"detail"`
}

// Verdict is the outcome of validating one statement.
type Verdict struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// forbiddenKeywords are rejected anywhere in a statement, on word
// boundaries, after comment stripping. The list is deliberately wider than
// the write verbs alone.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "truncate", "create",
	"replace", "merge", "grant", "revoke", "attach", "detach", "pragma",
	"vacuum", "reindex", "exec", "execute",
}

// ValidateStatement runs every check against the known schema and returns a
// verdict listing all violations, not just the first.
func ValidateStatement(sqlText string, known *schema.Known) Verdict {
	stripped := stripSQLComments(sqlText)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return Verdict{Violations: []Violation{{
			Kind:   ViolationEmptyStatement,
			Detail: "empty statement",
		}}}
	}

	var violations []Violation

	body := strings.TrimRight(trimmed, "; \t\n\r")
	if containsTopLevelSemicolon(body) {
		violations = append(violations, Violation{
			Kind:   ViolationMultipleStatements,
			Detail: "only a single statement is allowed",
		})
	}

	tokens := tokenizeSQL(body)
	if len(tokens) == 0 {
		return Verdict{Violations: []Violation{{
			Kind:   ViolationEmptyStatement,
			Detail: "empty statement",
		}}}
	}

	first := strings.ToLower(tokens[0].text)
	if tokens[0].kind != tokenIdent || (first != "select" && first != "with") {
		violations = append(violations, Violation{
			Kind:       ViolationNonSelect,
			Identifier: tokens[0].text,
			Detail:     "non-select statement",
		})
	}

	seenForbidden := map[string]struct{}{}
	for _, tok := range tokens {
		if tok.kind != tokenIdent {
			continue
		}
		word := strings.ToLower(tok.text)
		for _, bad := range forbiddenKeywords {
			if word != bad {
				continue
			}
			if _, ok := seenForbidden[bad]; ok {
				continue
			}
			seenForbidden[bad] = struct{}{}
			violations = append(violations, Violation{
				Kind:       ViolationForbiddenKeyword,
				Identifier: bad,
				Detail:     fmt.Sprintf("forbidden keyword %s", strings.ToUpper(bad)),
			})
		}
	}

	violations = append(violations, checkIdentifiers(tokens, known)...)

	return Verdict{Valid: len(violations) == 0, Violations: violations}
}

// NormalizeStatement canonicalizes a statement for verdict-gate matching:
// comments stripped, trailing semicolon removed, whitespace collapsed,
// lowercased.
func NormalizeStatement(sqlText string) string {
	stripped := stripSQLComments(sqlText)
	stripped = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(stripped), ";"))
	return strings.ToLower(strings.Join(strings.Fields(stripped), " "))
}

// StatementHash keys the verdict gate.
func StatementHash(sqlText string) string {
	sum := sha256.Sum256([]byte(NormalizeStatement(sqlText)))
	return hex.EncodeToString(sum[:])
}

// VerdictGate tracks statements that passed validation within one reasoning
// loop. The executor refuses anything the gate has not seen.
type VerdictGate struct {
	passed map[string]struct{}
}

func NewVerdictGate() *VerdictGate {
	return &VerdictGate{passed: make(map[string]struct{})}
}

// Approve records a passing statement.
func (g *VerdictGate) Approve(sqlText string) {
	if g == nil {
		return
	}
	g.passed[StatementHash(sqlText)] = struct{}{}
}

// Approved reports whether the statement passed validation in this loop.
func (g *VerdictGate) Approved(sqlText string) bool {
	if g == nil {
		return false
	}
	_, ok := g.passed[StatementHash(sqlText)]
	return ok
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenQuotedIdent
	tokenString
	tokenNumber
	tokenPunct
)

type sqlToken struct {
	kind tokenKind
	text string
}

func stripSQLComments(sqlText string) string {
	var out strings.Builder
	runes := []rune(sqlText)
	i := 0
	for i < len(runes) {
		r := runes[i]
		// String literals pass through untouched.
		if r == '\'' {
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(runes) {
				out.WriteString(string(runes[i:]))
				break
			}
			out.WriteString(string(runes[i : j+1]))
			i = j + 1
			continue
		}
		if r == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			out.WriteRune(' ')
			continue
		}
		if r == '/' && i+1 < len(runes) && runes[i+1] == '*' {
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			if i+1 < len(runes) {
				i += 2
			} else {
				i = len(runes)
			}
			out.WriteRune(' ')
			continue
		}
		out.WriteRune(r)
		i++
	}
	return out.String()
}

func containsTopLevelSemicolon(body string) bool {
	inString := false
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			if r == '\'' {
				if i+1 < len(runes) && runes[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch r {
		case '\'':
			inString = true
		case ';':
			return true
		}
	}
	return false
}

func tokenizeSQL(body string) []sqlToken {
	var tokens []sqlToken
	runes := []rune(body)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'':
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			end := j
			if end < len(runes) {
				end++
			}
			tokens = append(tokens, sqlToken{kind: tokenString, text: string(runes[i:end])})
			i = end
		case r == '"' || r == '`' || r == '[':
			closer := r
			if r == '[' {
				closer = ']'
			}
			j := i + 1
			for j < len(runes) && runes[j] != closer {
				j++
			}
			text := string(runes[i+1 : min(j, len(runes))])
			tokens = append(tokens, sqlToken{kind: tokenQuotedIdent, text: text})
			if j < len(runes) {
				j++
			}
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, sqlToken{kind: tokenIdent, text: string(runes[i:j])})
			i = j
		case unicode.IsDigit(r):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' || runes[j] == 'e' || runes[j] == 'E') {
				j++
			}
			tokens = append(tokens, sqlToken{kind: tokenNumber, text: string(runes[i:j])})
			i = j
		default:
			tokens = append(tokens, sqlToken{kind: tokenPunct, text: string(r)})
			i++
		}
	}
	return tokens
}

// sqlReserved covers keywords and common SQLite functions that must not be
// treated as column references.
var sqlReserved = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"select", "from", "where", "group", "by", "order", "having", "limit",
		"offset", "as", "on", "and", "or", "not", "in", "is", "null", "like",
		"between", "case", "when", "then", "else", "end", "distinct", "asc",
		"desc", "join", "inner", "left", "right", "outer", "cross", "full",
		"union", "intersect", "except", "all", "with", "exists", "cast",
		"using", "natural", "glob", "escape", "collate", "recursive",
		"current_date", "current_time", "current_timestamp", "true", "false",
		"count", "sum", "avg", "min", "max", "total", "round", "abs",
		"coalesce", "nullif", "ifnull", "iif", "substr", "substring", "upper",
		"lower", "length", "trim", "ltrim", "rtrim", "instr", "printf",
		"group_concat", "strftime", "date", "time", "datetime", "julianday",
		"random", "row_number", "rank", "dense_rank", "over", "partition",
		"integer", "real", "text", "blob", "numeric",
	} {
		sqlReserved[w] = struct{}{}
	}
}

// checkIdentifiers extracts table and column references and reports every
// identifier absent from the known schema.
func checkIdentifiers(tokens []sqlToken, known *schema.Known) []Violation {
	if known == nil {
		return nil
	}

	type ref struct {
		table string // qualifier, empty for bare columns
		name  string
	}

	tables := map[string]struct{}{} // referenced table names
	aliases := map[string]string{}  // alias -> table name
	var columns []ref

	isIdent := func(t sqlToken) bool {
		return t.kind == tokenIdent || t.kind == tokenQuotedIdent
	}
	lower := func(t sqlToken) string { return strings.ToLower(t.text) }

	// Pass 1: table references and aliases after FROM / JOIN.
	for i := 0; i < len(tokens); i++ {
		if tokens[i].kind != tokenIdent {
			continue
		}
		kw := lower(tokens[i])
		if kw != "from" && kw != "join" {
			continue
		}
		j := i + 1
		for j < len(tokens) {
			if j >= len(tokens) || !isIdent(tokens[j]) {
				break
			}
			// Subqueries are handled by their own FROM clauses.
			table := lower(tokens[j])
			if _, reserved := sqlReserved[table]; reserved {
				break
			}
			tables[table] = struct{}{}
			j++
			// Optional alias: [AS] ident.
			if j < len(tokens) && tokens[j].kind == tokenIdent && lower(tokens[j]) == "as" {
				j++
			}
			if j < len(tokens) && isIdent(tokens[j]) {
				alias := lower(tokens[j])
				if _, reserved := sqlReserved[alias]; !reserved {
					aliases[alias] = table
					j++
				}
			}
			// Comma-separated FROM list continues; anything else ends it.
			if kw == "from" && j < len(tokens) && tokens[j].kind == tokenPunct && tokens[j].text == "," {
				j++
				continue
			}
			break
		}
	}

	// CTE names act like tables within the statement.
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i].kind == tokenIdent && lower(tokens[i]) == "with" {
			if isIdent(tokens[i+1]) {
				aliases[lower(tokens[i+1])] = ""
			}
		}
		if tokens[i].kind == tokenPunct && tokens[i].text == "," {
			// "name AS (" after a CTE body introduces another CTE.
			if i+3 < len(tokens) && isIdent(tokens[i+1]) &&
				tokens[i+2].kind == tokenIdent && lower(tokens[i+2]) == "as" &&
				tokens[i+3].kind == tokenPunct && tokens[i+3].text == "(" {
				aliases[lower(tokens[i+1])] = ""
			}
		}
	}

	// Pass 2: column references.
	for i := 0; i < len(tokens); i++ {
		if !isIdent(tokens[i]) {
			continue
		}
		name := lower(tokens[i])
		if _, reserved := sqlReserved[name]; reserved && tokens[i].kind == tokenIdent {
			continue
		}
		// Function call.
		if i+1 < len(tokens) && tokens[i+1].kind == tokenPunct && tokens[i+1].text == "(" {
			continue
		}
		// Qualified reference: ident . ident.
		if i+2 < len(tokens) && tokens[i+1].kind == tokenPunct && tokens[i+1].text == "." && isIdent(tokens[i+2]) {
			qualifier := name
			col := lower(tokens[i+2])
			columns = append(columns, ref{table: qualifier, name: col})
			i += 2
			continue
		}
		// Part of a qualified reference already consumed, or a table name,
		// alias, or alias definition.
		if i > 0 && tokens[i-1].kind == tokenPunct && tokens[i-1].text == "." {
			continue
		}
		if _, ok := tables[name]; ok {
			continue
		}
		if _, ok := aliases[name]; ok {
			continue
		}
		if i > 0 && tokens[i-1].kind == tokenIdent && lower(tokens[i-1]) == "as" {
			continue
		}
		columns = append(columns, ref{name: name})
	}

	var violations []Violation
	reported := map[string]struct{}{}
	report := func(kind ViolationKind, identifier, detail string) {
		key := string(kind) + ":" + identifier
		if _, ok := reported[key]; ok {
			return
		}
		reported[key] = struct{}{}
		violations = append(violations, Violation{Kind: kind, Identifier: identifier, Detail: detail})
	}

	for table := range tables {
		if _, cte := aliases[table]; cte && aliases[table] == "" {
			continue
		}
		if !known.HasTable(table) {
			report(ViolationUnknownTable, table, fmt.Sprintf("table %q is not in the known schema", table))
		}
	}

	for _, c := range columns {
		if c.table != "" {
			resolved := c.table
			if base, ok := aliases[c.table]; ok {
				if base == "" {
					// CTE column; shape unknown to the catalog.
					continue
				}
				resolved = base
			}
			if !known.HasTable(resolved) {
				// Already reported as an unknown table.
				continue
			}
			if c.name == "*" {
				continue
			}
			if !known.TableHasColumn(resolved, c.name) {
				report(ViolationUnknownColumn, c.table+"."+c.name,
					fmt.Sprintf("column %q is not in table %q", c.name, resolved))
			}
			continue
		}
		if !known.HasColumn(c.name) {
			report(ViolationUnknownColumn, c.name,
				fmt.Sprintf("column %q is not in the known schema", c.name))
		}
	}

	return violations
}
