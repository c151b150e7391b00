// Package oracle abstracts the reasoning model behind a single-decision
// interface: each call returns exactly one tool call or one final answer.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Role is a conversation message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation entry as presented to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolName/ToolArgs/CallID describe an assistant tool call. For a tool
	// message, CallID links the result in Content back to the call.
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
}

// ToolSpec describes one invokable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one reasoning turn.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec

	MaxOutputTokens int64
	Temperature     *float64
}

// DecisionKind tags the two legal decision shapes.
type DecisionKind string

const (
	DecisionToolCall    DecisionKind = "tool_call"
	DecisionFinalAnswer DecisionKind = "final_answer"
)

// Usage is the provider-reported token usage of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Decision is the parsed outcome of one reasoning turn: exactly one of a
// tool call or a final answer.
type Decision struct {
	Kind DecisionKind

	ToolName string
	ToolArgs json.RawMessage
	CallID   string

	Answer string

	Usage Usage
}

// ErrMalformed marks a provider response that carried neither a tool call
// nor answer text. Callers treat it as data (a self-correction round), not
// as an infrastructure failure.
var ErrMalformed = errors.New("malformed oracle response")

// Oracle is the reasoning surface the loop and router depend on.
type Oracle interface {
	// Invoke runs one reasoning turn with tools.
	Invoke(ctx context.Context, req Request) (*Decision, error)

	// Complete runs a plain text completion (no tools). Used for domain
	// classification and history summarization.
	Complete(ctx context.Context, system string, prompt string) (string, error)
}

// New builds an Oracle for the given provider type, bound to one model.
func New(providerType, baseURL, apiKey, model string) (Oracle, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("missing model")
	}
	switch providerType {
	case "openai", "openai_compatible":
		return newOpenAI(baseURL, apiKey, model), nil
	case "anthropic":
		return newAnthropic(baseURL, apiKey, model), nil
	default:
		return nil, errors.New("unsupported provider type " + providerType)
	}
}
