package protocol

import "fmt"

// ErrorCode is a stable machine-readable rejection code carried in
// ErrorPayload and in rejected-ack details.
type ErrorCode string

const (
	CodeValidationFailed  ErrorCode = "validation_failed"
	CodeAuthFailed        ErrorCode = "auth_failed"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeHandlerNotFound   ErrorCode = "handler_not_found"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeDeliveryFailed    ErrorCode = "delivery_failed"
	CodeCircuitOpen       ErrorCode = "circuit_open"
	CodeInternal          ErrorCode = "internal"
)

// Coder is implemented by error types across the module that map to a
// stable wire code. ErrorCodeFor falls back to CodeInternal for anything else.
type Coder interface {
	WireCode() ErrorCode
}

// ErrorCodeFor maps an error to its stable wire code.
func ErrorCodeFor(err error) ErrorCode {
	if c, ok := err.(Coder); ok {
		return c.WireCode()
	}
	return CodeInternal
}

// NewErrorPayload builds the wire form for err.
func NewErrorPayload(err error) *ErrorPayload {
	return &ErrorPayload{Code: ErrorCodeFor(err), Message: err.Error()}
}

// ValidationError rejects a malformed envelope before dispatch. It is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) WireCode() ErrorCode { return CodeValidationFailed }
