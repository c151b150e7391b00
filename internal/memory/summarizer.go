package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andesdata/esma-agent/internal/oracle"
)

const summarizerSystemPrompt = `You compress conversation history for a survey-data SQL assistant.
Produce a short factual summary that preserves, in this order:
1. Questions the user asked.
2. Tool calls made and their outcomes.
3. Errors encountered.
4. Clarifications still open.
5. The dataset being used.
Do not invent facts. Plain text only.`

// OracleSummarizer summarizes through the reasoning model, with the
// deterministic fallback applied by the Manager when the call fails.
type OracleSummarizer struct {
	oracle oracle.Oracle
}

func NewOracleSummarizer(o oracle.Oracle) (*OracleSummarizer, error) {
	if o == nil {
		return nil, errors.New("nil oracle")
	}
	return &OracleSummarizer{oracle: o}, nil
}

func (s *OracleSummarizer) Summarize(ctx context.Context, existing string, block []oracle.Message, dataset string) (string, error) {
	if s == nil || s.oracle == nil {
		return "", errors.New("nil summarizer")
	}

	var sb strings.Builder
	if prev := strings.TrimSpace(existing); prev != "" {
		sb.WriteString("Existing summary (fold into the new one):\n")
		sb.WriteString(prev)
		sb.WriteString("\n\n")
	}
	if dataset != "" {
		fmt.Fprintf(&sb, "Dataset: %s\n\n", dataset)
	}
	sb.WriteString("Messages to summarize:\n")
	for _, msg := range block {
		switch {
		case msg.ToolName != "" && msg.Role == oracle.RoleAssistant:
			fmt.Fprintf(&sb, "[assistant -> %s] %s\n", msg.ToolName, truncateRunes(string(msg.ToolArgs), 300))
		case msg.Role == oracle.RoleTool:
			fmt.Fprintf(&sb, "[tool result] %s\n", truncateRunes(msg.Content, 500))
		default:
			fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, truncateRunes(msg.Content, 500))
		}
	}

	out, err := s.oracle.Complete(ctx, summarizerSystemPrompt, sb.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}
