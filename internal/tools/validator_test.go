package tools

import (
	"strings"
	"testing"

	"github.com/andesdata/esma-agent/internal/schema"
)

func testKnown() *schema.Known {
	c := &schema.Catalog{
		Dataset: "enaho",
		Tables: []schema.Table{
			{
				Name:         "hogar",
				WeightColumn: "factor07",
				Columns: []schema.Column{
					{Name: "conglome"}, {Name: "mieperho"}, {Name: "factor07"},
				},
			},
			{
				Name:    "empleo",
				Columns: []schema.Column{{Name: "ocu500"}, {Name: "ingreso"}},
			},
		},
	}
	return c.KnownSchema()
}

func hasViolation(v Verdict, kind ViolationKind, identifier string) bool {
	for _, viol := range v.Violations {
		if viol.Kind == kind && (identifier == "" || viol.Identifier == identifier) {
			return true
		}
	}
	return false
}

func TestValidateStatementAccepts(t *testing.T) {
	t.Parallel()

	known := testKnown()
	cases := []struct {
		name string
		sql  string
	}{
		{"simple select", `SELECT mieperho FROM hogar`},
		{"weighted average", `SELECT SUM(mieperho * factor07) / SUM(factor07) FROM hogar`},
		{"alias and qualified columns", `SELECT h.mieperho, h.factor07 FROM hogar h WHERE h.conglome = '001'`},
		{"join", `SELECT h.mieperho, e.ingreso FROM hogar h JOIN empleo e ON h.conglome = e.ocu500`},
		{"cte", `WITH big AS (SELECT mieperho FROM hogar WHERE mieperho > 4) SELECT COUNT(*) FROM big`},
		{"trailing semicolon", `SELECT mieperho FROM hogar;`},
		{"line comment", "SELECT mieperho -- household members\nFROM hogar"},
		{"group by and limit", `SELECT conglome, AVG(mieperho) FROM hogar GROUP BY conglome ORDER BY conglome LIMIT 10`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := ValidateStatement(tc.sql, known)
			if !v.Valid {
				t.Fatalf("ValidateStatement(%q) rejected: %+v", tc.sql, v.Violations)
			}
		})
	}
}

func TestValidateStatementRejectsForbiddenKeywords(t *testing.T) {
	t.Parallel()

	known := testKnown()
	cases := []string{
		`INSERT INTO hogar VALUES (1)`,
		`UPDATE hogar SET mieperho = 0`,
		`DELETE FROM hogar`,
		`DROP TABLE hogar`,
		`ALTER TABLE hogar ADD COLUMN x`,
		`TRUNCATE TABLE hogar`,
		`CREATE TABLE x (y)`,
		`REPLACE INTO hogar VALUES (1)`,
		`select mieperho from hogar; delete from hogar`,
		`SELECT mieperho FROM hogar WHERE delete = 1`,
		"/* harmless */ dRoP TABLE hogar",
	}
	for _, sql := range cases {
		sql := sql
		name := sql
		if len(name) > 24 {
			name = name[:24]
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			v := ValidateStatement(sql, known)
			if v.Valid {
				t.Fatalf("ValidateStatement(%q) passed a forbidden statement", sql)
			}
			if !hasViolation(v, ViolationForbiddenKeyword, "") && !hasViolation(v, ViolationNonSelect, "") {
				t.Fatalf("ValidateStatement(%q) violations = %+v", sql, v.Violations)
			}
		})
	}
}

func TestValidateStatementKeywordInCommentIsFine(t *testing.T) {
	t.Parallel()

	v := ValidateStatement("SELECT mieperho FROM hogar -- do not DELETE this", testKnown())
	if !v.Valid {
		t.Fatalf("keyword inside comment rejected: %+v", v.Violations)
	}
}

func TestValidateStatementKeywordInStringLiteralIsFine(t *testing.T) {
	t.Parallel()

	v := ValidateStatement(`SELECT mieperho FROM hogar WHERE conglome = 'drop it; now'`, testKnown())
	if !v.Valid {
		t.Fatalf("keyword inside string rejected: %+v", v.Violations)
	}
}

func TestValidateStatementMultipleStatements(t *testing.T) {
	t.Parallel()

	v := ValidateStatement(`SELECT mieperho FROM hogar; SELECT ocu500 FROM empleo`, testKnown())
	if v.Valid || !hasViolation(v, ViolationMultipleStatements, "") {
		t.Fatalf("violations = %+v", v.Violations)
	}
}

func TestValidateStatementListsEveryUnknownIdentifier(t *testing.T) {
	t.Parallel()

	v := ValidateStatement(`SELECT salario, edad FROM personas`, testKnown())
	if v.Valid {
		t.Fatalf("unknown identifiers accepted")
	}
	if !hasViolation(v, ViolationUnknownTable, "personas") {
		t.Fatalf("missing unknown_table personas: %+v", v.Violations)
	}
	if !hasViolation(v, ViolationUnknownColumn, "salario") || !hasViolation(v, ViolationUnknownColumn, "edad") {
		t.Fatalf("missing unknown columns: %+v", v.Violations)
	}
}

func TestValidateStatementQualifiedUnknownColumn(t *testing.T) {
	t.Parallel()

	v := ValidateStatement(`SELECT h.salario FROM hogar h`, testKnown())
	if v.Valid || !hasViolation(v, ViolationUnknownColumn, "h.salario") {
		t.Fatalf("violations = %+v", v.Violations)
	}
}

func TestValidateStatementEmpty(t *testing.T) {
	t.Parallel()

	for _, sql := range []string{"", "   ", "-- only a comment"} {
		v := ValidateStatement(sql, testKnown())
		if v.Valid || !hasViolation(v, ViolationEmptyStatement, "") {
			t.Fatalf("ValidateStatement(%q) = %+v", sql, v)
		}
	}
}

func TestNormalizeStatement(t *testing.T) {
	t.Parallel()

	a := NormalizeStatement("SELECT   mieperho\nFROM hogar;")
	b := NormalizeStatement("select mieperho from hogar")
	if a != b {
		t.Fatalf("normalized forms differ: %q vs %q", a, b)
	}
	if strings.Contains(a, ";") {
		t.Fatalf("normalized form keeps semicolon: %q", a)
	}
}

func TestVerdictGate(t *testing.T) {
	t.Parallel()

	gate := NewVerdictGate()
	sql := `SELECT mieperho FROM hogar`
	if gate.Approved(sql) {
		t.Fatalf("gate approved an unseen statement")
	}
	gate.Approve(sql)
	if !gate.Approved("select   mieperho from hogar ;") {
		t.Fatalf("gate missed a formatting-variant of an approved statement")
	}
	if gate.Approved(`SELECT factor07 FROM hogar`) {
		t.Fatalf("gate approved a different statement")
	}
}
