package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicOracle struct {
	client anthropic.Client
	model  string
}

func newAnthropic(baseURL, apiKey, model string) *anthropicOracle {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicOracle{client: anthropic.NewClient(opts...), model: strings.TrimSpace(model)}
}

func (p *anthropicOracle) Invoke(ctx context.Context, req Request) (*Decision, error) {
	if p == nil {
		return nil, errors.New("nil provider")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("missing model")
	}

	maxTokens := int64(defaultMaxOutputTokens)
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	usage := Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = "anthropic_call_1"
			}
			argsRaw := strings.TrimSpace(string(variant.Input))
			if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
				argsRaw = "{}"
			}
			return &Decision{
				Kind:     DecisionToolCall,
				ToolName: strings.TrimSpace(variant.Name),
				ToolArgs: json.RawMessage(argsRaw),
				CallID:   callID,
				Usage:    usage,
			}, nil
		case anthropic.TextBlock:
			if t := strings.TrimSpace(variant.Text); t != "" {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(t)
			}
		}
	}

	out := strings.TrimSpace(text.String())
	if out == "" {
		return nil, fmt.Errorf("%w: no tool use and no text", ErrMalformed)
	}
	decision, err := ParseDecision(out)
	if err != nil {
		return nil, err
	}
	decision.Usage = usage
	return decision, nil
}

func (p *anthropicOracle) Complete(ctx context.Context, system string, prompt string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	decision, err := p.Invoke(ctx, Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return decision.Answer, nil
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			continue
		}
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		required, _ := toStringSlice(schema["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(spec.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schema["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Carried via params.System.
		case RoleTool:
			callID := strings.TrimSpace(msg.CallID)
			if callID == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(callID, msg.Content, false)))
		case RoleAssistant:
			if name := strings.TrimSpace(msg.ToolName); name != "" {
				callID := strings.TrimSpace(msg.CallID)
				if callID == "" {
					continue
				}
				var input any = map[string]any{}
				if len(msg.ToolArgs) > 0 {
					var parsed map[string]any
					if err := json.Unmarshal(msg.ToolArgs, &parsed); err == nil {
						input = parsed
					}
				}
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(callID, input, name)))
				continue
			}
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(txt)))
			}
		default:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(txt)))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func toStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
