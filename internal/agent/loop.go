package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/andesdata/esma-agent/internal/memory"
	"github.com/andesdata/esma-agent/internal/oracle"
	"github.com/andesdata/esma-agent/internal/tools"
)

// Events receives loop progress notifications. All fields are optional.
type Events struct {
	ToolCall   func(callID, name string, args json.RawMessage)
	ToolResult func(callID, name string, result json.RawMessage, toolErr *tools.ToolError)
}

func (e Events) emitToolCall(callID, name string, args json.RawMessage) {
	if e.ToolCall != nil {
		e.ToolCall(callID, name, args)
	}
}

func (e Events) emitToolResult(callID, name string, result json.RawMessage, toolErr *tools.ToolError) {
	if e.ToolResult != nil {
		e.ToolResult(callID, name, result, toolErr)
	}
}

// LoopOptions configures one reasoning loop run.
type LoopOptions struct {
	Oracle   oracle.Oracle
	Registry *tools.Registry
	Model    string
	System   string

	// Memory, when set, is consulted before every oracle invocation: once
	// accumulated tool observations push the context estimate over budget,
	// the oldest messages are folded into Summary. Dataset scopes the
	// folded facts.
	Memory  *memory.Manager
	Summary string
	Dataset string

	MaxIterations     int
	MalformedRetryMax int
	ExternalRetryMax  int

	OracleTimeout time.Duration
	ToolTimeout   time.Duration

	Logger *slog.Logger
	Events Events
}

// LoopResult is the outcome of one reasoning loop. Status is StatusDone or
// StatusFailed; Messages is the full updated history including the final
// assistant message, and Summary carries whatever older history was folded
// away along the run.
type LoopResult struct {
	Status     TurnStatus
	Code       FailureCode
	Answer     string
	Messages   []oracle.Message
	Summary    string
	Iterations int
}

const correctionPrompt = "The previous response was not a single tool call or a final answer. " +
	"Respond with exactly one tool call, or answer the question directly."

// RunLoop drives the reason-act cycle until a final answer, the iteration
// cap, or an unrecoverable failure. A non-nil error means an external
// failure survived its retries (or the context was cancelled); the caller
// must leave thread state untouched in that case. Cancellation is observed
// only between iterations: in-flight oracle and tool calls run to completion
// on their own timeouts.
func RunLoop(ctx context.Context, history []oracle.Message, opts LoopOptions) (*LoopResult, error) {
	if opts.Oracle == nil {
		return nil, errors.New("missing oracle")
	}
	if opts.Registry == nil {
		return nil, errors.New("missing tool registry")
	}
	if opts.MaxIterations < 1 {
		return nil, fmt.Errorf("invalid max iterations %d", opts.MaxIterations)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	msgs := make([]oracle.Message, len(history))
	copy(msgs, history)
	specs := opts.Registry.Specs()
	summary := opts.Summary

	var findings []string
	malformed := 0

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Tool observations accumulate; fold the oldest ones away before
		// they crowd out the next oracle call.
		if opts.Memory != nil {
			folded, err := opts.Memory.Compact(ctx, opts.System, summary, opts.Dataset, msgs)
			if err != nil {
				if errors.Is(err, memory.ErrCompactionIneffective) {
					logger.Error("history over budget and not compactable", "iteration", iter, "error", err)
					return &LoopResult{
						Status:     StatusFailed,
						Code:       CodeCompactionIneffective,
						Answer:     "This conversation has grown too large to continue. Please start a new thread or ask a shorter question.",
						Messages:   msgs,
						Summary:    summary,
						Iterations: iter,
					}, nil
				}
				return nil, fmt.Errorf("compact history: %w", err)
			}
			summary = folded.Summary
			msgs = folded.Messages
		}

		decision, err := invokeOracle(ctx, opts, summary, msgs, specs)
		if err != nil {
			if errors.Is(err, oracle.ErrMalformed) {
				malformed++
				logger.Warn("malformed oracle response", "iteration", iter, "round", malformed)
				if malformed > opts.MalformedRetryMax {
					return &LoopResult{
						Status:     StatusFailed,
						Code:       CodeReasoningMalformed,
						Answer:     "I could not produce a well-formed next step for this question. Please try rephrasing it.",
						Messages:   msgs,
						Summary:    summary,
						Iterations: iter,
					}, nil
				}
				msgs = append(msgs, oracle.Message{Role: oracle.RoleUser, Content: correctionPrompt})
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("oracle call failed: %w", err)
		}

		if decision.Kind == oracle.DecisionFinalAnswer {
			answer := strings.TrimSpace(decision.Answer)
			msgs = append(msgs, oracle.Message{Role: oracle.RoleAssistant, Content: answer})
			return &LoopResult{
				Status:     StatusDone,
				Answer:     answer,
				Messages:   msgs,
				Summary:    summary,
				Iterations: iter,
			}, nil
		}

		callID := strings.TrimSpace(decision.CallID)
		if callID == "" {
			callID = fmt.Sprintf("call_%d", iter)
		}
		toolName := strings.TrimSpace(decision.ToolName)
		args := decision.ToolArgs
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}

		msgs = append(msgs, oracle.Message{
			Role:     oracle.RoleAssistant,
			ToolName: toolName,
			ToolArgs: args,
			CallID:   callID,
		})

		tool, ok := opts.Registry.Get(toolName)
		if !ok {
			malformed++
			logger.Warn("unknown tool requested", "tool", toolName, "round", malformed)
			if malformed > opts.MalformedRetryMax {
				return &LoopResult{
					Status:     StatusFailed,
					Code:       CodeReasoningMalformed,
					Answer:     "I could not produce a well-formed next step for this question. Please try rephrasing it.",
					Messages:   msgs,
					Summary:    summary,
					Iterations: iter,
				}, nil
			}
			obsErr := &tools.ToolError{
				Code:           tools.ErrorCodeNotFound,
				Message:        fmt.Sprintf("unknown tool %q", toolName),
				SuggestedFixes: []string{"available tools: " + strings.Join(opts.Registry.Names(), ", ")},
			}
			msgs = append(msgs, oracle.Message{
				Role:    oracle.RoleTool,
				CallID:  callID,
				Content: string(mustMarshal(obsErr)),
			})
			continue
		}

		opts.Events.emitToolCall(callID, toolName, args)
		result, toolErr := runTool(ctx, tool, args, opts)
		opts.Events.emitToolResult(callID, toolName, result, toolErr)

		var observation string
		if toolErr != nil {
			observation = string(mustMarshal(toolErr))
			findings = append(findings, fmt.Sprintf("%s failed (%s: %s)", toolName, toolErr.Code, toolErr.Message))
			logger.Warn("tool failed", "tool", toolName, "code", string(toolErr.Code))
		} else {
			observation = string(result)
			findings = append(findings, toolName+" succeeded")
			logger.Debug("tool succeeded", "tool", toolName, "result_bytes", len(result))
		}
		msgs = append(msgs, oracle.Message{
			Role:    oracle.RoleTool,
			CallID:  callID,
			Content: observation,
		})
	}

	return &LoopResult{
		Status:     StatusFailed,
		Code:       CodeIterationLimitExceeded,
		Answer:     inconclusiveAnswer(findings),
		Messages:   msgs,
		Summary:    summary,
		Iterations: opts.MaxIterations,
	}, nil
}

// invokeOracle runs one reasoning call with bounded exponential-backoff
// retries for transient failures. Malformed output is permanent here; the
// loop handles it as a self-correction round, not as an outage. The folded
// summary rides along in the system prompt so compaction never hides
// earlier turns from the model.
func invokeOracle(ctx context.Context, opts LoopOptions, summary string, msgs []oracle.Message, specs []oracle.ToolSpec) (*oracle.Decision, error) {
	system := opts.System
	if s := strings.TrimSpace(summary); s != "" {
		system += "\n\nSummary of the earlier conversation:\n" + s
	}
	op := func() (*oracle.Decision, error) {
		callCtx := context.WithoutCancel(ctx)
		if opts.OracleTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, opts.OracleTimeout)
			defer cancel()
		}
		d, err := opts.Oracle.Invoke(callCtx, oracle.Request{
			Model:    opts.Model,
			System:   system,
			Messages: msgs,
			Tools:    specs,
		})
		if err != nil {
			if errors.Is(err, oracle.ErrMalformed) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return d, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(opts.ExternalRetryMax+1)),
	)
}

// runTool invokes one tool, retrying retryable tool errors (timeouts,
// transient warehouse failures) with backoff. The returned *ToolError is the
// last failure when all tries are exhausted; it is an observation for the
// model, never a loop abort.
func runTool(ctx context.Context, tool tools.Tool, args json.RawMessage, opts LoopOptions) (json.RawMessage, *tools.ToolError) {
	var lastErr *tools.ToolError
	op := func() (json.RawMessage, error) {
		callCtx := context.WithoutCancel(ctx)
		if opts.ToolTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, opts.ToolTimeout)
			defer cancel()
		}
		out, toolErr := tool.Invoke(callCtx, args)
		if toolErr != nil {
			lastErr = toolErr
			if toolErr.Retryable {
				return nil, toolErr
			}
			return nil, backoff.Permanent(toolErr)
		}
		lastErr = nil
		return out, nil
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(opts.ExternalRetryMax+1)),
	)
	if err != nil {
		if lastErr != nil {
			lastErr.Normalize()
			return nil, lastErr
		}
		return nil, &tools.ToolError{Code: tools.ErrorCodeUnknown, Message: err.Error()}
	}
	return out, nil
}

func inconclusiveAnswer(findings []string) string {
	var sb strings.Builder
	sb.WriteString("I ran out of reasoning steps before reaching a conclusive answer; this result is inconclusive.")
	if len(findings) > 0 {
		sb.WriteString("\n\nPartial findings:\n")
		for _, f := range findings {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"code":"UNKNOWN","message":"encoding failure"}`)
	}
	return b
}
