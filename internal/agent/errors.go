package agent

// FailureCode is a stable machine-readable code for a turn that did not end
// in a final answer.
type FailureCode string

const (
	CodeClarificationNeeded    FailureCode = "CLARIFICATION_NEEDED"
	CodeScopeRefused           FailureCode = "SCOPE_REFUSED"
	CodeReasoningMalformed     FailureCode = "REASONING_MALFORMED"
	CodeExternalServiceFailure FailureCode = "EXTERNAL_SERVICE_FAILURE"
	CodeIterationLimitExceeded FailureCode = "ITERATION_LIMIT_EXCEEDED"
	CodeCompactionIneffective  FailureCode = "COMPACTION_INEFFECTIVE"
)

// TurnStatus is the outcome class of one chat turn.
type TurnStatus string

const (
	StatusDone          TurnStatus = "done"
	StatusClarification TurnStatus = "clarification_needed"
	StatusRefused       TurnStatus = "scope_refused"
	StatusFailed        TurnStatus = "failed"
)

// TurnResult is what one chat turn produced.
type TurnResult struct {
	ThreadID string      `json:"thread_id"`
	Status   TurnStatus  `json:"status"`
	Code     FailureCode `json:"code,omitempty"`
	Answer   string      `json:"answer"`
	Dataset  string      `json:"dataset,omitempty"`
}
