// Package memory keeps a thread's reasoning context inside a token budget by
// folding the oldest messages into a single running summary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andesdata/esma-agent/internal/oracle"
)

// ErrCompactionIneffective is returned when even a full compaction leaves
// the estimate at or above the budget. The caller surfaces it instead of
// silently truncating.
var ErrCompactionIneffective = errors.New("compaction ineffective")

// Summarizer folds a message block and the existing summary into a new
// summary text.
type Summarizer interface {
	Summarize(ctx context.Context, existing string, block []oracle.Message, dataset string) (string, error)
}

// Options configures a Manager.
type Options struct {
	// TokenBudget is the context budget in estimated tokens.
	TokenBudget int

	// KeepRecent is how many of the newest messages are never
	// summarized away.
	KeepRecent int

	Summarizer Summarizer
	Logger     *slog.Logger
}

// Manager applies budget checks and compaction to a thread's history.
type Manager struct {
	budget     int
	keepRecent int
	summarizer Summarizer
	logger     *slog.Logger
}

func NewManager(opts Options) (*Manager, error) {
	if opts.TokenBudget < 1 {
		return nil, fmt.Errorf("invalid token budget %d", opts.TokenBudget)
	}
	if opts.KeepRecent < 1 {
		return nil, fmt.Errorf("invalid keep-recent %d", opts.KeepRecent)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		budget:     opts.TokenBudget,
		keepRecent: opts.KeepRecent,
		summarizer: opts.Summarizer,
		logger:     logger,
	}, nil
}

// EstimateText approximates the token count of a text (~4 chars per token,
// plus per-message overhead).
func EstimateText(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return len(text)/4 + 32
}

// EstimateMessage approximates one message's token cost.
func EstimateMessage(msg oracle.Message) int {
	n := EstimateText(msg.Content)
	if msg.ToolName != "" {
		n += EstimateText(msg.ToolName)
	}
	if len(msg.ToolArgs) > 0 {
		n += len(msg.ToolArgs)/4 + 8
	}
	if n == 0 {
		n = 8
	}
	return n
}

// Estimate approximates the full context cost: system prompt, running
// summary, and history.
func Estimate(system, summary string, msgs []oracle.Message) int {
	total := EstimateText(system) + EstimateText(summary)
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// Result is the outcome of a compaction pass.
type Result struct {
	Summary  string
	Messages []oracle.Message

	// Compacted reports whether anything was folded in.
	Compacted bool

	// Estimate is the post-pass context estimate.
	Estimate int
}

// Compact folds the strictly-oldest contiguous block of msgs into the
// summary when the estimate exceeds the budget. The most recent KeepRecent
// messages survive untouched, in their original order. Calling Compact on an
// already-compacted thread folds the previous summary into the new one.
func (m *Manager) Compact(ctx context.Context, system, summary, dataset string, msgs []oracle.Message) (*Result, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	est := Estimate(system, summary, msgs)
	if est <= m.budget {
		return &Result{Summary: summary, Messages: msgs, Estimate: est}, nil
	}

	if len(msgs) <= m.keepRecent {
		return nil, fmt.Errorf("%w: %d messages within keep-recent window, estimate %d over budget %d",
			ErrCompactionIneffective, len(msgs), est, m.budget)
	}

	cut := len(msgs) - m.keepRecent
	block := msgs[:cut]
	rest := msgs[cut:]

	newSummary := m.summarize(ctx, summary, block, dataset)

	out := make([]oracle.Message, len(rest))
	copy(out, rest)

	newEst := Estimate(system, newSummary, out)
	if newEst >= m.budget {
		return nil, fmt.Errorf("%w: estimate %d still at or over budget %d after folding %d messages",
			ErrCompactionIneffective, newEst, m.budget, len(block))
	}

	m.logger.Info("compacted thread history",
		"folded_messages", len(block),
		"kept_messages", len(out),
		"estimate_before", est,
		"estimate_after", newEst,
	)
	return &Result{Summary: newSummary, Messages: out, Compacted: true, Estimate: newEst}, nil
}

func (m *Manager) summarize(ctx context.Context, existing string, block []oracle.Message, dataset string) string {
	if m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, existing, block, dataset)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		if err != nil {
			m.logger.Warn("summarizer failed, using deterministic fallback", "error", err)
		}
	}
	return FallbackSummary(existing, block, dataset)
}

// FallbackSummary builds a summary without a model call. It preserves the
// same fact categories the model summarizer is prompted for: questions
// asked, tool calls and outcomes, errors, open clarifications, and the
// chosen dataset.
func FallbackSummary(existing string, block []oracle.Message, dataset string) string {
	var (
		questions      []string
		toolCalls      []string
		errLines       []string
		clarifications []string
	)
	pendingOutcome := map[string]string{} // call id -> tool name
	for _, msg := range block {
		switch msg.Role {
		case oracle.RoleUser:
			if q := strings.TrimSpace(msg.Content); q != "" {
				questions = append(questions, truncateRunes(q, 200))
			}
		case oracle.RoleAssistant:
			if msg.ToolName != "" {
				line := msg.ToolName
				if len(msg.ToolArgs) > 0 {
					line += " " + truncateRunes(string(msg.ToolArgs), 120)
				}
				toolCalls = append(toolCalls, line)
				if msg.CallID != "" {
					pendingOutcome[msg.CallID] = msg.ToolName
				}
				continue
			}
			text := strings.TrimSpace(msg.Content)
			if strings.HasSuffix(text, "?") {
				clarifications = append(clarifications, truncateRunes(text, 200))
			}
		case oracle.RoleTool:
			text := strings.TrimSpace(msg.Content)
			name := pendingOutcome[msg.CallID]
			if looksLikeError(text) {
				line := truncateRunes(text, 200)
				if name != "" {
					line = name + ": " + line
				}
				errLines = append(errLines, line)
			} else if name != "" {
				toolCalls = append(toolCalls, name+" -> ok")
			}
		}
	}

	var sb strings.Builder
	if prev := strings.TrimSpace(existing); prev != "" {
		sb.WriteString("Earlier context: ")
		sb.WriteString(prev)
		sb.WriteString("\n")
	}
	if dataset != "" {
		sb.WriteString("Dataset: ")
		sb.WriteString(dataset)
		sb.WriteString("\n")
	}
	writeSection := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		sb.WriteString(title)
		sb.WriteString("\n")
		for _, l := range lines {
			sb.WriteString("- ")
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}
	writeSection("Questions asked:", questions)
	writeSection("Tool calls:", toolCalls)
	writeSection("Errors:", errLines)
	writeSection("Open clarifications:", clarifications)
	return strings.TrimSpace(sb.String())
}

func looksLikeError(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, `"code"`) && strings.Contains(lower, `"message"`) ||
		strings.Contains(lower, "error")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
