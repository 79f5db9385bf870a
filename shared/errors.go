package shared

import (
	"errors"
	"fmt"
)

const (
	CodeValidation          = "VALIDATION"
	CodeInvalidHost         = "INVALID_HOST"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeProcessFailure      = "PROCESS_FAILURE"
	CodeMalformedTranscript = "MALFORMED_TRANSCRIPT"
	CodeFragmentNotFound    = "FRAGMENT_NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeVerification        = "VERIFICATION"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError constructs a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// ErrorCode extracts the stable code from an error chain, or "" if none.
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
