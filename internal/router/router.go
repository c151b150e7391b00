// Package router decides which survey dataset a question is about before
// the reasoning loop runs. Deterministic keyword cues are checked first; the
// model is only consulted when the cues are absent or ambiguous.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andesdata/esma-agent/internal/config"
	"github.com/andesdata/esma-agent/internal/oracle"
)

// Evidence values for a domain decision.
const (
	EvidenceKeyword = "keyword"
	EvidenceModel   = "model"
	EvidenceThread  = "thread"
)

// DomainContext is an established dataset selection for a thread.
type DomainContext struct {
	Dataset    string  `json:"dataset"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// Kind tags the three routing outcomes.
type Kind string

const (
	KindDataset Kind = "dataset"
	KindClarify Kind = "clarify"
	KindRefuse  Kind = "refuse"
)

// Outcome is the result of routing one question.
type Outcome struct {
	Kind   Kind
	Domain *DomainContext

	// Message is the clarification question or refusal text for the
	// non-dataset outcomes.
	Message string
}

// Router routes questions to datasets.
type Router struct {
	datasets  []config.Dataset
	oracle    oracle.Oracle
	threshold float64
	logger    *slog.Logger
}

// Options configures a Router.
type Options struct {
	Datasets            []config.Dataset
	Oracle              oracle.Oracle
	ConfidenceThreshold float64
	Logger              *slog.Logger
}

func New(opts Options) (*Router, error) {
	if len(opts.Datasets) == 0 {
		return nil, errors.New("missing datasets")
	}
	if opts.ConfidenceThreshold <= 0 || opts.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("invalid confidence threshold %v", opts.ConfidenceThreshold)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		datasets:  opts.Datasets,
		oracle:    opts.Oracle,
		threshold: opts.ConfidenceThreshold,
		logger:    logger,
	}, nil
}

// Route classifies one question. prior is the thread's established domain,
// if any. An error is returned only for infrastructure failures (model
// unreachable); ambiguity and out-of-scope are outcomes, not errors.
func (r *Router) Route(ctx context.Context, question string, prior *DomainContext) (*Outcome, error) {
	if r == nil {
		return nil, errors.New("nil router")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return &Outcome{
			Kind:    KindClarify,
			Message: "Please ask a question about one of the available survey datasets.",
		}, nil
	}

	hits := r.cueHits(question)

	switch {
	case len(hits) == 1:
		hit := hits[0]
		if prior != nil && !strings.EqualFold(prior.Dataset, hit) {
			// New cues contradict the established domain; let the model
			// decide instead of silently switching.
			return r.classify(ctx, question)
		}
		r.logger.Debug("routed by keyword", "dataset", hit)
		return &Outcome{
			Kind:   KindDataset,
			Domain: &DomainContext{Dataset: hit, Confidence: 1.0, Evidence: EvidenceKeyword},
		}, nil

	case len(hits) > 1:
		return r.classify(ctx, question)

	default:
		if prior != nil && strings.TrimSpace(prior.Dataset) != "" {
			return &Outcome{
				Kind:   KindDataset,
				Domain: &DomainContext{Dataset: prior.Dataset, Confidence: prior.Confidence, Evidence: EvidenceThread},
			}, nil
		}
		return r.classify(ctx, question)
	}
}

// cueHits returns the dataset ids whose cues appear in the question.
func (r *Router) cueHits(question string) []string {
	lower := " " + strings.ToLower(question) + " "
	// Token boundaries: anything non-alphanumeric separates words.
	normalized := strings.Map(func(c rune) rune {
		if ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') {
			return c
		}
		return ' '
	}, lower)
	normalized = " " + strings.Join(strings.Fields(normalized), " ") + " "

	var hits []string
	for _, d := range r.datasets {
		for _, cue := range d.Cues {
			cue = strings.ToLower(strings.TrimSpace(cue))
			if cue == "" {
				continue
			}
			if strings.Contains(normalized, " "+cue+" ") {
				hits = append(hits, strings.ToLower(strings.TrimSpace(d.ID)))
				break
			}
		}
	}
	return hits
}

const classifySystemPrompt = `You classify questions to survey datasets.
Reply with a single JSON object: {"dataset": "<id>", "confidence": <0..1>}.
Use "unclear" when the question could belong to more than one dataset or
names no recognizable country or survey. Use "out_of_scope" when the
question is not about survey data at all.`

type classification struct {
	Dataset    string  `json:"dataset"`
	Confidence float64 `json:"confidence"`
}

func (r *Router) classify(ctx context.Context, question string) (*Outcome, error) {
	if r.oracle == nil {
		return r.clarifyOutcome(), nil
	}

	var sb strings.Builder
	sb.WriteString("Datasets:\n")
	for _, d := range r.datasets {
		fmt.Fprintf(&sb, "- id: %s, name: %s, cues: %s\n",
			strings.ToLower(strings.TrimSpace(d.ID)), d.Name, strings.Join(d.Cues, ", "))
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n", question)

	raw, err := r.oracle.Complete(ctx, classifySystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("classify question: %w", err)
	}

	var c classification
	if err := oracle.UnmarshalStrictJSON(raw, &c); err != nil {
		r.logger.Warn("unparseable classification, asking for clarification", "error", err)
		return r.clarifyOutcome(), nil
	}

	dataset := strings.ToLower(strings.TrimSpace(c.Dataset))
	switch dataset {
	case "out_of_scope":
		return &Outcome{
			Kind:    KindRefuse,
			Message: "This assistant only answers questions about the configured survey datasets.",
		}, nil
	case "", "unclear":
		return r.clarifyOutcome(), nil
	}

	if !r.isKnownDataset(dataset) || c.Confidence < r.threshold {
		return r.clarifyOutcome(), nil
	}

	return &Outcome{
		Kind:   KindDataset,
		Domain: &DomainContext{Dataset: dataset, Confidence: c.Confidence, Evidence: EvidenceModel},
	}, nil
}

func (r *Router) isKnownDataset(id string) bool {
	for _, d := range r.datasets {
		if strings.EqualFold(strings.TrimSpace(d.ID), id) {
			return true
		}
	}
	return false
}

func (r *Router) clarifyOutcome() *Outcome {
	names := make([]string, 0, len(r.datasets))
	for _, d := range r.datasets {
		label := strings.TrimSpace(d.Name)
		if label == "" {
			label = strings.TrimSpace(d.ID)
		}
		names = append(names, label)
	}
	return &Outcome{
		Kind: KindClarify,
		Message: fmt.Sprintf("Which dataset is this about? Available: %s.",
			strings.Join(names, "; ")),
	}
}
