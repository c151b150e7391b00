// Package tools holds the agent's tool registry and the individual tool
// implementations backing the reasoning loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/andesdata/esma-agent/internal/oracle"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeBadArgs          ErrorCode = "BAD_ARGS"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrorCodeNotValidated     ErrorCode = "NOT_VALIDATED"
	ErrorCodeWarehouse        ErrorCode = "WAREHOUSE_ERROR"
	ErrorCodeIndex            ErrorCode = "INDEX_ERROR"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata. It is serialized into
// the observation the model sees, so messages stay short and actionable.
type ToolError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
}

// Tool is one invokable capability: a name, a JSON input schema, and an
// invoke function. Results are JSON payloads fed back to the model as
// observations; failures come back as *ToolError.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, *ToolError)
}

// Registry is a name-to-tool map resolved when the turn's toolset is built,
// never at dispatch time.
type Registry struct {
	byName map[string]Tool
	order  []string
}

// NewRegistry builds a registry. Duplicate or unnamed tools are rejected.
func NewRegistry(toolset ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Tool, len(toolset))}
	for _, tool := range toolset {
		if tool == nil {
			return nil, fmt.Errorf("nil tool")
		}
		name := strings.TrimSpace(tool.Name())
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, ok := r.byName[name]; ok {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.byName[name] = tool
		r.order = append(r.order, name)
	}
	return r, nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	tool, ok := r.byName[strings.TrimSpace(name)]
	return tool, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs returns the tool specs to advertise to the model.
func (r *Registry) Specs() []oracle.ToolSpec {
	if r == nil {
		return nil
	}
	out := make([]oracle.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.byName[name]
		out = append(out, oracle.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return out
}

func decodeArgs(raw json.RawMessage, out any) *ToolError {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ToolError{
			Code:    ErrorCodeBadArgs,
			Message: fmt.Sprintf("invalid arguments: %v", err),
		}
	}
	return nil
}

func marshalResult(v any) (json.RawMessage, *ToolError) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &ToolError{Code: ErrorCodeUnknown, Message: fmt.Sprintf("encode result: %v", err)}
	}
	return b, nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
