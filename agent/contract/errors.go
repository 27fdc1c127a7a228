package contract

import (
	"errors"

	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")
)

// Routing and agent loop.
var (
	ErrClassificationFailure = errors.New("classification failed")
	ErrUnknownAgent          = errors.New("agent is not registered")
	ErrLoopBudgetExceeded    = errors.New("loop budget exceeded")
)

// Tool dispatch. These never reach the caller of a turn; they are recorded on
// the failed tool call and handed back to the agent.
var (
	ErrCapabilityDenied   = errors.New("capability denied")
	ErrToolNotFound       = errors.New("tool not found")
	ErrToolValidation     = errors.New("tool arguments invalid")
	ErrToolTimeout        = errors.New("tool timed out")
	ErrToolResultTooLarge = errors.New("tool result too large")
	ErrToolExecution      = errors.New("tool execution failed")
	ErrDuplicateToolCall  = errors.New("tool call already satisfied in this turn")
)

// Storage. Only these (and caller cancellation) surface from a turn.
var (
	ErrSessionBusy        = statex.ErrSessionBusy
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrSessionClosed      = statex.ErrSessionClosed
)

// FailureCode is the stable, serialisable name of a tool failure.
type FailureCode string

const (
	FailureCapabilityDenied FailureCode = "capability_denied"
	FailureNotFound         FailureCode = "not_found"
	FailureValidation       FailureCode = "validation_error"
	FailureTimeout          FailureCode = "timeout"
	FailureResultTooLarge   FailureCode = "result_too_large"
	FailureDuplicateCall    FailureCode = "duplicate_call"
	FailureExecution        FailureCode = "execution_error"
)

// FailureCodeOf maps a dispatcher error to its failure code.
func FailureCodeOf(err error) FailureCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapabilityDenied):
		return FailureCapabilityDenied
	case errors.Is(err, ErrToolNotFound):
		return FailureNotFound
	case errors.Is(err, ErrToolValidation):
		return FailureValidation
	case errors.Is(err, ErrToolTimeout):
		return FailureTimeout
	case errors.Is(err, ErrToolResultTooLarge):
		return FailureResultTooLarge
	case errors.Is(err, ErrDuplicateToolCall):
		return FailureDuplicateCall
	default:
		return FailureExecution
	}
}
