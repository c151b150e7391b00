package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/andesdata/esma-agent/internal/oracle"
)

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, string, []oracle.Message, string) (string, error) {
	return "", errors.New("summarizer unavailable")
}

type echoSummarizer struct {
	calls int
}

func (s *echoSummarizer) Summarize(_ context.Context, existing string, block []oracle.Message, dataset string) (string, error) {
	s.calls++
	return FallbackSummary(existing, block, dataset), nil
}

func newManager(t *testing.T, budget, keep int, s Summarizer) *Manager {
	t.Helper()
	m, err := NewManager(Options{TokenBudget: budget, KeepRecent: keep, Summarizer: s})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func longHistory(n int) []oracle.Message {
	msgs := make([]oracle.Message, 0, n)
	for i := 0; i < n; i++ {
		role := oracle.RoleUser
		if i%2 == 1 {
			role = oracle.RoleAssistant
		}
		msgs = append(msgs, oracle.Message{
			Role:    role,
			Content: fmt.Sprintf("message %03d %s", i, strings.Repeat("content ", 40)),
		})
	}
	return msgs
}

func TestCompactNoopUnderBudget(t *testing.T) {
	t.Parallel()

	m := newManager(t, 100000, 6, &echoSummarizer{})
	msgs := longHistory(4)
	res, err := m.Compact(context.Background(), "system", "", "enaho", msgs)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Compacted {
		t.Fatalf("Compacted = true under budget")
	}
	if len(res.Messages) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(res.Messages))
	}
}

func TestCompactKeepsRecentAndOrder(t *testing.T) {
	t.Parallel()

	m := newManager(t, 1200, 6, &echoSummarizer{})
	msgs := longHistory(20)
	res, err := m.Compact(context.Background(), "system prompt", "", "enaho", msgs)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !res.Compacted {
		t.Fatalf("Compacted = false over budget")
	}
	if len(res.Messages) != 6 {
		t.Fatalf("len(messages) = %d, want 6", len(res.Messages))
	}
	for i, msg := range res.Messages {
		want := fmt.Sprintf("message %03d", 14+i)
		if !strings.HasPrefix(msg.Content, want) {
			t.Fatalf("messages[%d] = %q, want prefix %q (order broken)", i, msg.Content, want)
		}
	}
	if res.Estimate >= 1200 {
		t.Fatalf("estimate = %d, want < budget", res.Estimate)
	}
	if !strings.Contains(res.Summary, "Questions asked:") {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestCompactSummaryMentionsEveryToolName(t *testing.T) {
	t.Parallel()

	args := json.RawMessage(`{"query":"household size"}`)
	msgs := []oracle.Message{
		{Role: oracle.RoleUser, Content: "average household size in peru " + strings.Repeat("pad ", 100)},
		{Role: oracle.RoleAssistant, ToolName: "table_retriever", ToolArgs: args, CallID: "c1"},
		{Role: oracle.RoleTool, CallID: "c1", Content: `{"tables":[{"name":"hogar"}]}` + strings.Repeat(" pad", 100)},
		{Role: oracle.RoleAssistant, ToolName: "column_retriever", ToolArgs: args, CallID: "c2"},
		{Role: oracle.RoleTool, CallID: "c2", Content: `{"fragments":[]}` + strings.Repeat(" pad", 100)},
		{Role: oracle.RoleAssistant, ToolName: "sql_executor", ToolArgs: args, CallID: "c3"},
		{Role: oracle.RoleTool, CallID: "c3", Content: `{"code":"TIMEOUT","message":"query timed out"}` + strings.Repeat(" pad", 100)},
		{Role: oracle.RoleUser, Content: "try again " + strings.Repeat("pad ", 100)},
		{Role: oracle.RoleAssistant, Content: "Done."},
	}

	m := newManager(t, 600, 2, failingSummarizer{})
	res, err := m.Compact(context.Background(), "sys", "", "enaho", msgs)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	for _, tool := range []string{"table_retriever", "column_retriever", "sql_executor"} {
		if !strings.Contains(res.Summary, tool) {
			t.Fatalf("summary misses tool %q:\n%s", tool, res.Summary)
		}
	}
	if !strings.Contains(res.Summary, "TIMEOUT") {
		t.Fatalf("summary misses the error:\n%s", res.Summary)
	}
	if !strings.Contains(res.Summary, "enaho") {
		t.Fatalf("summary misses the dataset:\n%s", res.Summary)
	}
}

func TestCompactFoldsExistingSummary(t *testing.T) {
	t.Parallel()

	m := newManager(t, 900, 2, &echoSummarizer{})
	msgs := longHistory(12)
	res, err := m.Compact(context.Background(), "sys", "Dataset: enaho\nQuestions asked:\n- earlier question about income", "enaho", msgs)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !strings.Contains(res.Summary, "earlier question about income") {
		t.Fatalf("previous summary dropped:\n%s", res.Summary)
	}
}

func TestCompactIneffective(t *testing.T) {
	t.Parallel()

	// Recent window alone blows the budget; folding cannot help.
	m := newManager(t, 200, 6, &echoSummarizer{})
	msgs := longHistory(8)
	_, err := m.Compact(context.Background(), "sys", "", "enaho", msgs)
	if !errors.Is(err, ErrCompactionIneffective) {
		t.Fatalf("err = %v, want ErrCompactionIneffective", err)
	}

	// Fewer messages than the keep-recent window.
	_, err = m.Compact(context.Background(), "sys", "", "enaho", longHistory(3))
	if !errors.Is(err, ErrCompactionIneffective) {
		t.Fatalf("err = %v, want ErrCompactionIneffective", err)
	}
}

func TestEstimateMonotonic(t *testing.T) {
	t.Parallel()

	if EstimateText("") != 0 {
		t.Fatalf("EstimateText(empty) != 0")
	}
	small := Estimate("sys", "", longHistory(2))
	big := Estimate("sys", "", longHistory(10))
	if small >= big {
		t.Fatalf("estimate not monotonic: %d >= %d", small, big)
	}
}
