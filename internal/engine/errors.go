package engine

import (
	"errors"
	"fmt"
)

// Error codes surfaced to clients. The values are part of the wire contract.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUserBusy           = "USER_BUSY"
	CodeToolNotFound       = "TOOL_NOT_FOUND"
	CodeToolExecutionError = "TOOL_EXECUTION_ERROR"
	CodeLLMUnavailable     = "LLM_UNAVAILABLE"
	CodeCancelled          = "CANCELLED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Error is a coded engine failure. The gateway maps codes to HTTP statuses
// and the loop serializes them into `error` events.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any failure into a coded error, wrapping unknown ones as
// INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

// eventData renders the error into the `error` event payload.
func (e *Error) eventData() map[string]any {
	data := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Detail) > 0 {
		data["detail"] = e.Detail
	}
	return data
}
