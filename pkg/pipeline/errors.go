// Package pipeline orchestrates one transactional step: selection, effects,
// quest/event/ending evaluation, narration and the audit write, plus the
// two-phase idempotency guard around it.
package pipeline

import (
	"fmt"
	"log/slog"
	"net/http"
)

// Stable error codes surfaced under detail.code.
const (
	CodeStoryRequired     = "STORY_REQUIRED"
	CodeStoryNotFound     = "STORY_NOT_FOUND"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidStartNode  = "INVALID_STORY_START_NODE"
	CodePackV10Required   = "RUNTIME_PACK_V10_REQUIRED"
	CodeInputConflict     = "INPUT_CONFLICT"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeRequestInProgress = "REQUEST_IN_PROGRESS"
	CodeIdempotencyReused = "IDEMPOTENCY_KEY_REUSED"
	CodeLLMUnavailable    = "LLM_UNAVAILABLE"
	CodeDebugDisabled     = "DEBUG_DISABLED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// StepError is the result-typed failure of a step: an HTTP status, a stable
// code and a human message. It is the only error shape that crosses the
// pipeline boundary.
type StepError struct {
	Status  int
	Code    string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// NewStepError builds a StepError with a formatted message.
func NewStepError(status int, code, format string, args ...any) *StepError {
	return &StepError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error as a 500 without echoing its detail.
func Internal(err error) *StepError {
	slog.Error("Step pipeline internal error", "error", err)
	return &StepError{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalError,
		Message: "internal error",
	}
}
