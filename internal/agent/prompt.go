package agent

import (
	"fmt"
	"strings"

	"github.com/andesdata/esma-agent/internal/schema"
)

// BuildSystemPrompt assembles the per-dataset system instructions from the
// catalog: available tables, weighting guidance, and the tool protocol.
func BuildSystemPrompt(cat *schema.Catalog) string {
	var sb strings.Builder

	sb.WriteString("You are a data analyst answering questions about the ")
	sb.WriteString(strings.TrimSpace(cat.Dataset))
	sb.WriteString(" household survey using read-only SQL.\n")
	if desc := strings.TrimSpace(cat.Description); desc != "" {
		sb.WriteString(desc)
		sb.WriteString("\n")
	}

	sb.WriteString("\nAvailable tables:\n")
	for _, t := range cat.Tables {
		fmt.Fprintf(&sb, "- %s: %s", t.Name, strings.TrimSpace(t.Description))
		if wc := strings.TrimSpace(t.WeightColumn); wc != "" {
			fmt.Fprintf(&sb, " (expansion factor: %s)", wc)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`
Survey rows are samples. Population-level estimates (totals, averages,
rates) must be weighted by the table's expansion factor column; an
unweighted aggregate describes the sample, not the population. Your final
answer must state which weight column was used, or explicitly say the
figure is unweighted.

Protocol:
1. Use table_retriever and column_retriever to find the relevant tables and
   columns. If retrieval comes back empty, widen the query or ask the user
   to rephrase. Never invent table or column names.
2. Use schema_gatherer to confirm live structure and see sample rows.
3. Write one single SELECT statement (WITH is allowed) and submit it to
   schema_validator. Fix every violation it reports before proceeding.
4. Run the validated statement with sql_executor. Statements that were not
   validated in this conversation turn are refused.
5. Use methodology_retriever for questions about survey methodology.

Call exactly one tool at a time, or give the final answer as plain text.
Answer in the user's language.
`)

	return strings.TrimSpace(sb.String())
}
