package config

import (
	"errors"
	"fmt"
	"time"
)

// Limits configures the loop, memory, retrieval, and execution bounds.
//
// All fields are optional pointers so a partial config keeps the defaults.
// Tests inject deterministic limits through this struct; nothing reads
// ambient globals.
type Limits struct {
	// MaxIterations caps total reason-act passes per turn.
	MaxIterations *int `json:"max_iterations,omitempty"`

	// MalformedRetryMax bounds self-correction rounds after a malformed
	// oracle response or an unknown tool name.
	MalformedRetryMax *int `json:"malformed_retry_max,omitempty"`

	// ExternalRetryMax bounds transparent retries of transient external
	// failures (oracle, index, warehouse) before they are surfaced.
	ExternalRetryMax *int `json:"external_retry_max,omitempty"`

	// TokenBudget is the context budget in estimated tokens; the memory
	// manager compacts a thread whose estimate exceeds it.
	TokenBudget *int `json:"token_budget,omitempty"`

	// KeepRecentMessages is how many of the newest messages are never
	// summarized away.
	KeepRecentMessages *int `json:"keep_recent_messages,omitempty"`

	// RouterConfidence is the minimum classification confidence; below it
	// the router asks for clarification.
	RouterConfidence *float64 `json:"router_confidence,omitempty"`

	// SimilarityThreshold filters vector-index matches.
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`

	// RetrievalTopK caps vector-index matches per search.
	RetrievalTopK *int `json:"retrieval_top_k,omitempty"`

	// MaxResultRows / MaxResultBytes cap query results.
	MaxResultRows  *int `json:"max_result_rows,omitempty"`
	MaxResultBytes *int `json:"max_result_bytes,omitempty"`

	// OracleTimeoutSeconds / ToolTimeoutSeconds bound single external calls.
	OracleTimeoutSeconds *int `json:"oracle_timeout_seconds,omitempty"`
	ToolTimeoutSeconds   *int `json:"tool_timeout_seconds,omitempty"`
}

const (
	defaultMaxIterations       = 15
	defaultMalformedRetryMax   = 2
	defaultExternalRetryMax    = 2
	defaultTokenBudget         = 24000
	defaultKeepRecentMessages  = 6
	defaultRouterConfidence    = 0.7
	defaultSimilarityThreshold = 0.35
	defaultRetrievalTopK       = 15
	defaultMaxResultRows       = 500
	defaultMaxResultBytes      = 256 * 1024
	defaultOracleTimeout       = 120 * time.Second
	defaultToolTimeout         = 30 * time.Second

	maxIterationsHardCap = 100
)

func (l *Limits) Validate() error {
	if l == nil {
		return errors.New("nil limits")
	}
	if l.MaxIterations != nil && (*l.MaxIterations < 1 || *l.MaxIterations > maxIterationsHardCap) {
		return fmt.Errorf("invalid max_iterations %d (must be in [1,%d])", *l.MaxIterations, maxIterationsHardCap)
	}
	if l.MalformedRetryMax != nil && (*l.MalformedRetryMax < 0 || *l.MalformedRetryMax > 8) {
		return fmt.Errorf("invalid malformed_retry_max %d (must be in [0,8])", *l.MalformedRetryMax)
	}
	if l.ExternalRetryMax != nil && (*l.ExternalRetryMax < 0 || *l.ExternalRetryMax > 8) {
		return fmt.Errorf("invalid external_retry_max %d (must be in [0,8])", *l.ExternalRetryMax)
	}
	if l.TokenBudget != nil && *l.TokenBudget < 1000 {
		return fmt.Errorf("invalid token_budget %d (must be >= 1000)", *l.TokenBudget)
	}
	if l.KeepRecentMessages != nil && *l.KeepRecentMessages < 1 {
		return fmt.Errorf("invalid keep_recent_messages %d (must be >= 1)", *l.KeepRecentMessages)
	}
	if l.RouterConfidence != nil && (*l.RouterConfidence < 0 || *l.RouterConfidence > 1) {
		return fmt.Errorf("invalid router_confidence %v (must be in [0,1])", *l.RouterConfidence)
	}
	if l.SimilarityThreshold != nil && (*l.SimilarityThreshold < 0 || *l.SimilarityThreshold > 1) {
		return fmt.Errorf("invalid similarity_threshold %v (must be in [0,1])", *l.SimilarityThreshold)
	}
	if l.RetrievalTopK != nil && *l.RetrievalTopK < 1 {
		return fmt.Errorf("invalid retrieval_top_k %d (must be >= 1)", *l.RetrievalTopK)
	}
	if l.MaxResultRows != nil && *l.MaxResultRows < 1 {
		return fmt.Errorf("invalid max_result_rows %d (must be >= 1)", *l.MaxResultRows)
	}
	if l.MaxResultBytes != nil && *l.MaxResultBytes < 1024 {
		return fmt.Errorf("invalid max_result_bytes %d (must be >= 1024)", *l.MaxResultBytes)
	}
	if l.OracleTimeoutSeconds != nil && *l.OracleTimeoutSeconds < 1 {
		return fmt.Errorf("invalid oracle_timeout_seconds %d", *l.OracleTimeoutSeconds)
	}
	if l.ToolTimeoutSeconds != nil && *l.ToolTimeoutSeconds < 1 {
		return fmt.Errorf("invalid tool_timeout_seconds %d", *l.ToolTimeoutSeconds)
	}
	return nil
}

func (l *Limits) EffectiveMaxIterations() int {
	if l == nil || l.MaxIterations == nil {
		return defaultMaxIterations
	}
	v := *l.MaxIterations
	if v < 1 {
		return defaultMaxIterations
	}
	if v > maxIterationsHardCap {
		return maxIterationsHardCap
	}
	return v
}

func (l *Limits) EffectiveMalformedRetryMax() int {
	if l == nil || l.MalformedRetryMax == nil {
		return defaultMalformedRetryMax
	}
	if *l.MalformedRetryMax < 0 {
		return defaultMalformedRetryMax
	}
	return *l.MalformedRetryMax
}

func (l *Limits) EffectiveExternalRetryMax() int {
	if l == nil || l.ExternalRetryMax == nil {
		return defaultExternalRetryMax
	}
	if *l.ExternalRetryMax < 0 {
		return defaultExternalRetryMax
	}
	return *l.ExternalRetryMax
}

func (l *Limits) EffectiveTokenBudget() int {
	if l == nil || l.TokenBudget == nil || *l.TokenBudget < 1000 {
		return defaultTokenBudget
	}
	return *l.TokenBudget
}

func (l *Limits) EffectiveKeepRecentMessages() int {
	if l == nil || l.KeepRecentMessages == nil || *l.KeepRecentMessages < 1 {
		return defaultKeepRecentMessages
	}
	return *l.KeepRecentMessages
}

func (l *Limits) EffectiveRouterConfidence() float64 {
	if l == nil || l.RouterConfidence == nil {
		return defaultRouterConfidence
	}
	v := *l.RouterConfidence
	if v < 0 || v > 1 {
		return defaultRouterConfidence
	}
	return v
}

func (l *Limits) EffectiveSimilarityThreshold() float64 {
	if l == nil || l.SimilarityThreshold == nil {
		return defaultSimilarityThreshold
	}
	v := *l.SimilarityThreshold
	if v < 0 || v > 1 {
		return defaultSimilarityThreshold
	}
	return v
}

func (l *Limits) EffectiveRetrievalTopK() int {
	if l == nil || l.RetrievalTopK == nil || *l.RetrievalTopK < 1 {
		return defaultRetrievalTopK
	}
	return *l.RetrievalTopK
}

func (l *Limits) EffectiveMaxResultRows() int {
	if l == nil || l.MaxResultRows == nil || *l.MaxResultRows < 1 {
		return defaultMaxResultRows
	}
	return *l.MaxResultRows
}

func (l *Limits) EffectiveMaxResultBytes() int {
	if l == nil || l.MaxResultBytes == nil || *l.MaxResultBytes < 1024 {
		return defaultMaxResultBytes
	}
	return *l.MaxResultBytes
}

func (l *Limits) EffectiveOracleTimeout() time.Duration {
	if l == nil || l.OracleTimeoutSeconds == nil || *l.OracleTimeoutSeconds < 1 {
		return defaultOracleTimeout
	}
	return time.Duration(*l.OracleTimeoutSeconds) * time.Second
}

func (l *Limits) EffectiveToolTimeout() time.Duration {
	if l == nil || l.ToolTimeoutSeconds == nil || *l.ToolTimeoutSeconds < 1 {
		return defaultToolTimeout
	}
	return time.Duration(*l.ToolTimeoutSeconds) * time.Second
}
