package cdpcontrol

import (
	"errors"
	"fmt"
)

const (
	CodeValidation            = "VALIDATION"
	CodeAttachFailed          = "ATTACH_FAILED"
	CodeOverrideCommandFailed = "OVERRIDE_COMMAND_FAILED"
	CodeDetachFailed          = "DETACH_FAILED"
	CodeTabGone               = "TAB_GONE"
	CodeCDPUnavailable        = "CDP_UNAVAILABLE"
	CodePreferenceNotFound    = "PREFERENCE_NOT_FOUND"
	CodeInternal              = "INTERNAL"
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

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func newError(code, msg string, cause error) error {
	return NewError(code, msg, cause)
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// CodeOf returns the outermost code of err, or "" for uncoded errors.
func CodeOf(err error) string {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return ""
	}
	return coded.Code
}
