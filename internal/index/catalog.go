package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/andesdata/esma-agent/internal/schema"
)

// CatalogItems flattens a dataset catalog into index entries: one item per
// documented column and one per methodology document. Column metadata is the
// fragment payload column_retriever hands back to the model.
func CatalogItems(cat *schema.Catalog) (columns []Item, docs []Item, err error) {
	if cat == nil {
		return nil, nil, fmt.Errorf("nil catalog")
	}

	for _, t := range cat.Tables {
		for _, c := range t.Columns {
			frag := schema.Fragment{
				Table:       t.Name,
				Column:      c.Name,
				Type:        c.Type,
				Description: c.Description,
				ValidValues: c.ValidValues,
				Provenance:  schema.ProvenanceIndex,
			}
			meta, merr := json.Marshal(frag)
			if merr != nil {
				return nil, nil, fmt.Errorf("encode fragment %s.%s: %w", t.Name, c.Name, merr)
			}
			columns = append(columns, Item{
				ID:       t.Name + "." + c.Name,
				TableID:  t.Name,
				Text:     columnText(t, c),
				Metadata: meta,
			})
		}
	}

	for _, d := range cat.Documentation {
		meta, merr := json.Marshal(d)
		if merr != nil {
			return nil, nil, fmt.Errorf("encode doc %s: %w", d.ID, merr)
		}
		docs = append(docs, Item{
			ID:       d.ID,
			Text:     strings.TrimSpace(d.Title + "\n" + d.Text),
			Metadata: meta,
		})
	}
	return columns, docs, nil
}

// columnText is the embedded representation of one column: name, table
// context, description, and the value codebook, so natural-language queries
// land on coded categorical variables too.
func columnText(t schema.Table, c schema.Column) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)", c.Name, t.Name)
	if d := strings.TrimSpace(c.Description); d != "" {
		sb.WriteString(": ")
		sb.WriteString(d)
	}
	if td := strings.TrimSpace(t.Description); td != "" {
		sb.WriteString(". Table: ")
		sb.WriteString(td)
	}
	if len(c.ValidValues) > 0 {
		codes := make([]string, 0, len(c.ValidValues))
		for k, v := range c.ValidValues {
			codes = append(codes, k+"="+v)
		}
		sort.Strings(codes)
		sb.WriteString(". Values: ")
		sb.WriteString(strings.Join(codes, ", "))
	}
	return sb.String()
}
