package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "invalid-argument"
	CodeNotFound           ErrorCode = "not-found"
	CodePermissionDenied   ErrorCode = "permission-denied"
	CodeFailedPrecondition ErrorCode = "failed-precondition"
	CodeUnavailable        ErrorCode = "unavailable"
	CodeInternal           ErrorCode = "internal"
)

// Error is a classified failure from a collaborator service. The code
// decides whether the retry policy gives the call another chance.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether retrying the call can possibly succeed.
// Validation and state errors never heal on their own.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeInvalidArgument, CodeNotFound, CodePermissionDenied, CodeFailedPrecondition:
		return false
	}
	return true
}

// IsRetryable classifies any error: gateway errors by their code, everything
// else (timeouts, connection resets) as retryable.
func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	return true
}

func errorFromStatus(status int, operation string) *Error {
	code := CodeInternal
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = CodeInvalidArgument
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		code = CodePermissionDenied
	case status == http.StatusConflict || status == http.StatusPaymentRequired:
		code = CodeFailedPrecondition
	case status >= http.StatusInternalServerError:
		code = CodeUnavailable
	}

	return &Error{
		Code:    code,
		Message: fmt.Sprintf("unexpected status code for %s: %d", operation, status),
	}
}
