// Package schema holds the dataset catalog types: the documented tables,
// columns, and weighting metadata of a survey dataset, loaded from YAML.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the documented schema of one survey dataset.
type Catalog struct {
	Dataset     string  `yaml:"dataset"`
	Description string  `yaml:"description,omitempty"`
	Tables      []Table `yaml:"tables"`

	// Documentation holds methodology notes (sampling design, weighting,
	// variable construction) indexed for documentation retrieval.
	Documentation []DocEntry `yaml:"documentation,omitempty"`
}

// Table is a documented table descriptor.
type Table struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Domain      string   `yaml:"domain,omitempty"`
	Columns     []Column `yaml:"columns"`

	// WeightColumn names the expansion-factor column for weighted
	// aggregates, when the table has one.
	WeightColumn string `yaml:"weight_column,omitempty"`
}

// Column is a documented column descriptor.
type Column struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Description string `yaml:"description,omitempty"`

	// ValidValues maps stored codes to their meanings (survey codebooks
	// encode categories as integers).
	ValidValues map[string]string `yaml:"valid_values,omitempty"`
}

// DocEntry is one methodology-documentation chunk.
type DocEntry struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title,omitempty"`
	Text  string `yaml:"text"`
}

// Provenance records where a schema fragment came from.
type Provenance string

const (
	ProvenanceIndex     Provenance = "index"
	ProvenanceWarehouse Provenance = "warehouse"
)

// Fragment is a single column-level schema fact, as surfaced to the
// reasoning loop by retrieval or live inspection.
type Fragment struct {
	Table       string            `json:"table"`
	Column      string            `json:"column"`
	Type        string            `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
	ValidValues map[string]string `json:"valid_values,omitempty"`
	Provenance  Provenance        `json:"provenance"`
	Score       float64           `json:"score,omitempty"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if c == nil {
		return fmt.Errorf("nil catalog")
	}
	if strings.TrimSpace(c.Dataset) == "" {
		return fmt.Errorf("missing dataset")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("missing tables")
	}
	seen := make(map[string]struct{}, len(c.Tables))
	for i := range c.Tables {
		t := c.Tables[i]
		name := normalizeIdent(t.Name)
		if name == "" {
			return fmt.Errorf("tables[%d]: missing name", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("tables[%d]: duplicate table %q", i, t.Name)
		}
		seen[name] = struct{}{}
		if len(t.Columns) == 0 {
			return fmt.Errorf("tables[%d] (%s): missing columns", i, t.Name)
		}
		colSeen := make(map[string]struct{}, len(t.Columns))
		for j := range t.Columns {
			cn := normalizeIdent(t.Columns[j].Name)
			if cn == "" {
				return fmt.Errorf("tables[%d].columns[%d]: missing name", i, j)
			}
			if _, ok := colSeen[cn]; ok {
				return fmt.Errorf("tables[%d].columns[%d]: duplicate column %q", i, j, t.Columns[j].Name)
			}
			colSeen[cn] = struct{}{}
		}
		if w := normalizeIdent(t.WeightColumn); w != "" {
			if _, ok := colSeen[w]; !ok {
				return fmt.Errorf("tables[%d] (%s): weight_column %q is not a column", i, t.Name, t.WeightColumn)
			}
		}
	}
	return nil
}

// Table returns the table descriptor with the given name (case-insensitive).
func (c *Catalog) Table(name string) (*Table, bool) {
	if c == nil {
		return nil, false
	}
	name = normalizeIdent(name)
	for i := range c.Tables {
		if normalizeIdent(c.Tables[i].Name) == name {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// Known is the identifier set the SQL validator checks statements against.
// Lookups are case-insensitive.
type Known struct {
	tables  map[string]struct{}
	columns map[string]map[string]struct{}
}

// KnownSchema builds the identifier set from the catalog.
func (c *Catalog) KnownSchema() *Known {
	k := &Known{
		tables:  make(map[string]struct{}),
		columns: make(map[string]map[string]struct{}),
	}
	if c == nil {
		return k
	}
	for i := range c.Tables {
		t := c.Tables[i]
		tn := normalizeIdent(t.Name)
		if tn == "" {
			continue
		}
		k.tables[tn] = struct{}{}
		cols := make(map[string]struct{}, len(t.Columns))
		for j := range t.Columns {
			cn := normalizeIdent(t.Columns[j].Name)
			if cn != "" {
				cols[cn] = struct{}{}
			}
		}
		k.columns[tn] = cols
	}
	return k
}

// HasTable reports whether the table exists in the catalog.
func (k *Known) HasTable(name string) bool {
	if k == nil {
		return false
	}
	_, ok := k.tables[normalizeIdent(name)]
	return ok
}

// HasColumn reports whether any catalog table has the given column.
func (k *Known) HasColumn(name string) bool {
	if k == nil {
		return false
	}
	name = normalizeIdent(name)
	for _, cols := range k.columns {
		if _, ok := cols[name]; ok {
			return true
		}
	}
	return false
}

// TableHasColumn reports whether a specific table has the given column.
func (k *Known) TableHasColumn(table, column string) bool {
	if k == nil {
		return false
	}
	cols, ok := k.columns[normalizeIdent(table)]
	if !ok {
		return false
	}
	_, ok = cols[normalizeIdent(column)]
	return ok
}

// Tables returns the known table names, sorted.
func (k *Known) Tables() []string {
	if k == nil {
		return nil
	}
	out := make([]string, 0, len(k.tables))
	for t := range k.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeIdent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
