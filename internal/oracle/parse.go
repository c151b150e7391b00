package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseDecision turns raw model text into a Decision. Providers with native
// tool calling rarely hit this path, but weaker models emit their tool call
// as JSON in the answer text; this recovers it instead of failing the turn.
func ParseDecision(raw string) (*Decision, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	candidate := StripCodeFences(text)
	obj := candidate
	if !gjson.Valid(obj) || !strings.HasPrefix(obj, "{") {
		obj = ExtractFirstJSONObject(candidate)
	}
	if obj != "" && gjson.Valid(obj) {
		tool := strings.TrimSpace(gjson.Get(obj, "tool").String())
		if tool == "" {
			tool = strings.TrimSpace(gjson.Get(obj, "tool_name").String())
		}
		if tool != "" {
			args := gjson.Get(obj, "args")
			if !args.Exists() {
				args = gjson.Get(obj, "arguments")
			}
			argsRaw := "{}"
			if args.Exists() && args.IsObject() {
				argsRaw = args.Raw
			}
			return &Decision{
				Kind:     DecisionToolCall,
				ToolName: tool,
				ToolArgs: json.RawMessage(argsRaw),
			}, nil
		}
		if answer := strings.TrimSpace(gjson.Get(obj, "answer").String()); answer != "" {
			return &Decision{Kind: DecisionFinalAnswer, Answer: answer}, nil
		}
	}

	return &Decision{Kind: DecisionFinalAnswer, Answer: text}, nil
}

// StripCodeFences removes a surrounding markdown code fence, if present.
func StripCodeFences(raw string) string {
	candidate := strings.TrimSpace(raw)
	if !strings.HasPrefix(candidate, "```") {
		return candidate
	}
	candidate = strings.TrimPrefix(candidate, "```json")
	candidate = strings.TrimPrefix(candidate, "```JSON")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")
	return strings.TrimSpace(candidate)
}

// ExtractFirstJSONObject scans raw text for the first balanced JSON object,
// ignoring braces inside string literals.
func ExtractFirstJSONObject(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	start := -1
	depth := 0
	quote := rune(0)
	escaped := false

	for i, r := range runes {
		if escaped {
			escaped = false
			continue
		}
		if quote != 0 {
			if r == '\\' {
				escaped = true
				continue
			}
			if r == quote {
				quote = 0
			}
			continue
		}

		if r == '"' || r == '\'' {
			quote = r
			continue
		}
		if r == '{' {
			if depth == 0 {
				start = i
			}
			depth++
			continue
		}
		if r == '}' {
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return string(runes[start : i+1])
			}
		}
	}
	return ""
}

// UnmarshalStrictJSON extracts the first JSON object from model text and
// decodes it into out. Used where the prompt demands a strict JSON reply.
func UnmarshalStrictJSON(raw string, out any) error {
	candidate := StripCodeFences(raw)
	if candidate == "" {
		return errors.New("empty response")
	}
	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}
	embedded := ExtractFirstJSONObject(candidate)
	if embedded == "" {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(embedded), out); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}
