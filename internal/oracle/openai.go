package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 4096

type openAIOracle struct {
	client openai.Client
	model  string
}

func newOpenAI(baseURL, apiKey, model string) *openAIOracle {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIOracle{client: openai.NewClient(opts...), model: strings.TrimSpace(model)}
}

func (p *openAIOracle) Invoke(ctx context.Context, req Request) (*Decision, error) {
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

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(model),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	items := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

	if tools := buildOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		argsRaw := strings.TrimSpace(item.Arguments)
		if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
			argsRaw = "{}"
		}
		return &Decision{
			Kind:     DecisionToolCall,
			ToolName: strings.TrimSpace(item.Name),
			ToolArgs: json.RawMessage(argsRaw),
			CallID:   callID,
			Usage:    usage,
		}, nil
	}

	text := strings.TrimSpace(extractOpenAIText(resp))
	if text == "" {
		return nil, fmt.Errorf("%w: no tool call and no text", ErrMalformed)
	}
	decision, err := ParseDecision(text)
	if err != nil {
		return nil, err
	}
	decision.Usage = usage
	return decision, nil
}

func (p *openAIOracle) Complete(ctx context.Context, system string, prompt string) (string, error) {
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

func buildOpenAITools(specs []ToolSpec) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			continue
		}
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, oresponses.ToolParamOfFunction(spec.Name, schema, false))
	}
	return out
}

func buildOpenAIInput(messages []Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	assistantMsgSeq := 0
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Carried via Instructions.
		case RoleTool:
			callID := strings.TrimSpace(msg.CallID)
			if callID == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, msg.Content))
		case RoleAssistant:
			if name := strings.TrimSpace(msg.ToolName); name != "" {
				argsRaw := strings.TrimSpace(string(msg.ToolArgs))
				if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
					argsRaw = "{}"
				}
				callID := strings.TrimSpace(msg.CallID)
				if callID == "" {
					continue
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				continue
			}
			text := strings.TrimSpace(msg.Content)
			if text == "" {
				continue
			}
			assistantMsgSeq++
			// OpenAI Responses requires output message IDs to start with "msg_".
			msgID := fmt.Sprintf("msg_hist%d", assistantMsgSeq)
			content := []oresponses.ResponseOutputMessageContentUnionParam{{
				OfOutputText: &oresponses.ResponseOutputTextParam{
					Text:        text,
					Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
				},
			}}
			items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
				content,
				msgID,
				oresponses.ResponseOutputMessageStatusCompleted,
			))
		default:
			text := strings.TrimSpace(msg.Content)
			if text == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfMessage(text, oresponses.EasyInputMessageRoleUser))
		}
	}
	return items
}

func extractOpenAIText(resp *oresponses.Response) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}
