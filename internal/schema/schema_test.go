package schema

import (
	"os"
	"path/filepath"
	"testing"
)

const catalogYAML = `
dataset: enaho
description: Peruvian national household survey
tables:
  - name: enaho01_hogar
    description: Household roster and dwelling characteristics
    domain: household
    weight_column: factor07
    columns:
      - name: conglome
        type: TEXT
        description: Primary sampling unit
      - name: mieperho
        type: INTEGER
        description: Number of household members
      - name: factor07
        type: REAL
        description: Household expansion factor
  - name: enaho01_empleo
    description: Employment module
    domain: labor
    columns:
      - name: ocu500
        type: INTEGER
        description: Employment status
        valid_values:
          "1": employed
          "2": unemployed
documentation:
  - id: weighting
    title: Expansion factors
    text: Population estimates must weight observations by factor07.
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	c, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog() error: %v", err)
	}
	if c.Dataset != "enaho" {
		t.Fatalf("dataset = %q, want %q", c.Dataset, "enaho")
	}
	if len(c.Tables) != 2 {
		t.Fatalf("len(tables) = %d, want 2", len(c.Tables))
	}

	tbl, ok := c.Table("ENAHO01_HOGAR")
	if !ok {
		t.Fatalf("Table() lookup failed for case-insensitive name")
	}
	if tbl.WeightColumn != "factor07" {
		t.Fatalf("weight_column = %q, want %q", tbl.WeightColumn, "factor07")
	}

	emp, _ := c.Table("enaho01_empleo")
	if got := emp.Columns[0].ValidValues["1"]; got != "employed" {
		t.Fatalf("valid_values[1] = %q, want %q", got, "employed")
	}
	if len(c.Documentation) != 1 || c.Documentation[0].ID != "weighting" {
		t.Fatalf("documentation = %+v", c.Documentation)
	}
}

func TestLoadCatalogRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing dataset", "tables:\n  - name: t\n    columns:\n      - name: c\n"},
		{"no tables", "dataset: x\n"},
		{"table without columns", "dataset: x\ntables:\n  - name: t\n"},
		{"duplicate table", "dataset: x\ntables:\n  - name: t\n    columns: [{name: c}]\n  - name: T\n    columns: [{name: c}]\n"},
		{"duplicate column", "dataset: x\ntables:\n  - name: t\n    columns: [{name: c}, {name: C}]\n"},
		{"weight column not a column", "dataset: x\ntables:\n  - name: t\n    weight_column: w\n    columns: [{name: c}]\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := LoadCatalog(writeCatalog(t, tc.body)); err == nil {
				t.Fatalf("LoadCatalog() accepted invalid catalog")
			}
		})
	}
}

func TestKnownSchema(t *testing.T) {
	t.Parallel()

	c, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog() error: %v", err)
	}
	k := c.KnownSchema()

	if !k.HasTable("enaho01_hogar") || !k.HasTable("ENAHO01_EMPLEO") {
		t.Fatalf("HasTable() missed known tables")
	}
	if k.HasTable("ghost") {
		t.Fatalf("HasTable(ghost) = true")
	}
	if !k.HasColumn("MIEPERHO") {
		t.Fatalf("HasColumn(MIEPERHO) = false")
	}
	if k.HasColumn("salary") {
		t.Fatalf("HasColumn(salary) = true")
	}
	if !k.TableHasColumn("enaho01_hogar", "factor07") {
		t.Fatalf("TableHasColumn(hogar, factor07) = false")
	}
	if k.TableHasColumn("enaho01_hogar", "ocu500") {
		t.Fatalf("TableHasColumn crossed tables")
	}

	want := []string{"enaho01_empleo", "enaho01_hogar"}
	got := k.Tables()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Tables() = %v, want %v", got, want)
	}
}
