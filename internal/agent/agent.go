// Package agent runs the reason-act loop that turns a routed question into a
// validated, executed SQL answer, and orchestrates one chat turn end to end:
// load thread, route, compact, loop, save.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/andesdata/esma-agent/internal/config"
	"github.com/andesdata/esma-agent/internal/index"
	"github.com/andesdata/esma-agent/internal/memory"
	"github.com/andesdata/esma-agent/internal/oracle"
	"github.com/andesdata/esma-agent/internal/router"
	"github.com/andesdata/esma-agent/internal/schema"
	"github.com/andesdata/esma-agent/internal/store"
	"github.com/andesdata/esma-agent/internal/tools"
	"github.com/andesdata/esma-agent/internal/warehouse"
)

// DatasetRuntime bundles the long-lived backends for one dataset. Toolsets
// are built per turn on top of these.
type DatasetRuntime struct {
	ID        string
	Catalog   *schema.Catalog
	Known     *schema.Known
	Warehouse warehouse.Warehouse
	Searcher  index.Searcher

	ColumnsNamespace string
	DocsNamespace    string
}

// Options configures an Agent.
type Options struct {
	Store      *store.Store
	Router     *router.Router
	Oracle     oracle.Oracle
	Summarizer memory.Summarizer
	Limits     *config.Limits
	Datasets   map[string]*DatasetRuntime
	Model      string
	Logger     *slog.Logger
}

// Agent handles chat turns.
type Agent struct {
	store    *store.Store
	router   *router.Router
	oracle   oracle.Oracle
	memory   *memory.Manager
	limits   *config.Limits
	datasets map[string]*DatasetRuntime
	model    string
	logger   *slog.Logger
}

func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Router == nil {
		return nil, errors.New("missing router")
	}
	if opts.Oracle == nil {
		return nil, errors.New("missing oracle")
	}
	if len(opts.Datasets) == 0 {
		return nil, errors.New("missing datasets")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mgr, err := memory.NewManager(memory.Options{
		TokenBudget: opts.Limits.EffectiveTokenBudget(),
		KeepRecent:  opts.Limits.EffectiveKeepRecentMessages(),
		Summarizer:  opts.Summarizer,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init memory manager: %w", err)
	}
	return &Agent{
		store:    opts.Store,
		router:   opts.Router,
		oracle:   opts.Oracle,
		memory:   mgr,
		limits:   opts.Limits,
		datasets: opts.Datasets,
		model:    opts.Model,
		logger:   logger,
	}, nil
}

// HandleTurn processes one user message on a thread. The thread is created
// if it does not exist yet. A non-nil error is returned only for
// infrastructure failures where the conversation was left untouched; every
// user-visible outcome (answers, clarifications, refusals, loop failures)
// comes back as a TurnResult. The thread's run status tracks the turn:
// running while the loop is active, then idle or failed.
func (a *Agent) HandleTurn(ctx context.Context, threadID, text string, events Events) (res *TurnResult, err error) {
	if a == nil {
		return nil, errors.New("nil agent")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}

	th, err := a.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if th == nil {
		th, err = a.store.Create(ctx, threadID, "")
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
	}

	if err := a.store.SetRunStatus(ctx, threadID, store.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("mark thread running: %w", err)
	}
	// Every other exit writes a terminal status itself, via Save or an
	// explicit SetRunStatus; this covers turns cut short by an error or a
	// cancelled context.
	defer func() {
		if res == nil && err != nil {
			_ = a.store.SetRunStatus(context.WithoutCancel(ctx), threadID, store.RunStatusFailed, err.Error())
		}
	}()

	var prior *router.DomainContext
	if ds := strings.TrimSpace(th.Dataset); ds != "" {
		prior = &router.DomainContext{Dataset: ds, Confidence: 1.0, Evidence: router.EvidenceThread}
	}

	outcome, err := a.router.Route(ctx, text, prior)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Error("routing failed", "thread", threadID, "error", err)
		_ = a.store.SetRunStatus(ctx, threadID, store.RunStatusFailed, string(CodeExternalServiceFailure))
		return &TurnResult{
			ThreadID: threadID,
			Status:   StatusFailed,
			Code:     CodeExternalServiceFailure,
			Answer:   "Sorry, I could not reach the reasoning service. Please try again in a moment.",
		}, nil
	}

	switch outcome.Kind {
	case router.KindClarify, router.KindRefuse:
		return a.finishWithoutLoop(ctx, th, text, outcome)
	}

	rt, ok := a.datasets[outcome.Domain.Dataset]
	if !ok {
		return nil, fmt.Errorf("no runtime for dataset %q", outcome.Domain.Dataset)
	}
	th.Dataset = rt.ID

	system := BuildSystemPrompt(rt.Catalog)
	msgs := append(toOracleMessages(th.Messages), oracle.Message{Role: oracle.RoleUser, Content: strings.TrimSpace(text)})

	gate := tools.NewVerdictGate()
	registry, err := tools.NewToolset(tools.Deps{
		Catalog:             rt.Catalog,
		Known:               rt.Known,
		Searcher:            rt.Searcher,
		Warehouse:           rt.Warehouse,
		ColumnsNamespace:    rt.ColumnsNamespace,
		DocsNamespace:       rt.DocsNamespace,
		RetrievalTopK:       a.limits.EffectiveRetrievalTopK(),
		SimilarityThreshold: a.limits.EffectiveSimilarityThreshold(),
	}, gate)
	if err != nil {
		return nil, fmt.Errorf("build toolset: %w", err)
	}

	loopRes, err := RunLoop(ctx, msgs, LoopOptions{
		Oracle:            a.oracle,
		Registry:          registry,
		Model:             a.model,
		System:            system,
		Memory:            a.memory,
		Summary:           th.Summary,
		Dataset:           rt.ID,
		MaxIterations:     a.limits.EffectiveMaxIterations(),
		MalformedRetryMax: a.limits.EffectiveMalformedRetryMax(),
		ExternalRetryMax:  a.limits.EffectiveExternalRetryMax(),
		OracleTimeout:     a.limits.EffectiveOracleTimeout(),
		ToolTimeout:       a.limits.EffectiveToolTimeout(),
		Logger:            a.logger,
		Events:            events,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Retries exhausted. The conversation keeps its pre-call state;
		// only the run status records the failure.
		a.logger.Error("reasoning loop failed", "thread", threadID, "error", err)
		_ = a.store.SetRunStatus(ctx, threadID, store.RunStatusFailed, string(CodeExternalServiceFailure))
		return &TurnResult{
			ThreadID: threadID,
			Status:   StatusFailed,
			Code:     CodeExternalServiceFailure,
			Answer:   "Sorry, an external service kept failing and I could not finish this question. Please try again.",
			Dataset:  rt.ID,
		}, nil
	}

	th.Summary = loopRes.Summary
	th.Messages = toStoreMessages(loopRes.Messages)
	th.TokenEstimate = memory.Estimate(system, th.Summary, loopRes.Messages)
	th.RunStatus = store.RunStatusIdle
	th.RunError = ""
	if loopRes.Status == StatusFailed {
		th.RunStatus = store.RunStatusFailed
		th.RunError = string(loopRes.Code)
	}
	if err := a.store.Save(ctx, th); err != nil {
		return nil, fmt.Errorf("save thread: %w", err)
	}

	return &TurnResult{
		ThreadID: threadID,
		Status:   loopRes.Status,
		Code:     loopRes.Code,
		Answer:   loopRes.Answer,
		Dataset:  rt.ID,
	}, nil
}

// finishWithoutLoop records a clarification or refusal turn. The tool loop
// is never entered for these.
func (a *Agent) finishWithoutLoop(ctx context.Context, th *store.Thread, text string, outcome *router.Outcome) (*TurnResult, error) {
	status := StatusClarification
	code := CodeClarificationNeeded
	if outcome.Kind == router.KindRefuse {
		status = StatusRefused
		code = CodeScopeRefused
	}

	th.Messages = append(th.Messages,
		store.Message{MessageID: uuid.NewString(), Role: string(oracle.RoleUser), Content: strings.TrimSpace(text)},
		store.Message{MessageID: uuid.NewString(), Role: string(oracle.RoleAssistant), Content: outcome.Message},
	)
	th.RunStatus = store.RunStatusIdle
	th.RunError = ""
	if err := a.store.Save(ctx, th); err != nil {
		return nil, fmt.Errorf("save thread: %w", err)
	}
	return &TurnResult{
		ThreadID: th.ThreadID,
		Status:   status,
		Code:     code,
		Answer:   outcome.Message,
		Dataset:  th.Dataset,
	}, nil
}

func toOracleMessages(in []store.Message) []oracle.Message {
	out := make([]oracle.Message, 0, len(in))
	for _, m := range in {
		out = append(out, oracle.Message{
			Role:     oracle.Role(m.Role),
			Content:  m.Content,
			ToolName: m.ToolName,
			ToolArgs: json.RawMessage(m.ToolArgs),
			CallID:   m.CallID,
		})
	}
	return out
}

func toStoreMessages(in []oracle.Message) []store.Message {
	out := make([]store.Message, 0, len(in))
	for _, m := range in {
		out = append(out, store.Message{
			MessageID: uuid.NewString(),
			Role:      string(m.Role),
			Content:   m.Content,
			ToolName:  m.ToolName,
			ToolArgs:  json.RawMessage(m.ToolArgs),
			CallID:    m.CallID,
		})
	}
	return out
}
