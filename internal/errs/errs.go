// Package errs classifies pipeline errors so background loops can decide
// whether a failure is worth another attempt.
package errs

import (
	"errors"
	"fmt"
)

// Error codes, one per failure class.
const (
	CodeUnknown        = "UNKNOWN"
	CodeTransient      = "TRANSIENT"
	CodePolicy         = "POLICY"
	CodeData           = "DATA"
	CodeInfrastructure = "INFRASTRUCTURE"
)

var (
	// ErrMissingAPIKey is returned by capabilities that need a credential which was not configured.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrTooLarge marks a resource that exceeds the configured byte limit.
	ErrTooLarge = errors.New("resource exceeds size limit")
	// ErrUnsupported marks a resource kind or extension no capability handles.
	ErrUnsupported = errors.New("unsupported resource")
	// ErrNoResource is returned by payload normalization when no known key matched.
	ErrNoResource = errors.New("no resource found")
)

// ApplicationError is implemented by every classified error.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// Error is the classified error value.
type Error struct {
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

func (e *Error) Code() string {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the code of the first classified error in err's chain,
// or CodeUnknown if there is none. Policy sentinels are recognised directly.
func Code(err error) string {
	if err == nil {
		return CodeUnknown
	}

	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}

	switch {
	case errors.Is(err, ErrMissingAPIKey), errors.Is(err, ErrTooLarge), errors.Is(err, ErrUnsupported):
		return CodePolicy
	case errors.Is(err, ErrNoResource):
		return CodeData
	}

	return CodeUnknown
}

// IsTerminal reports whether err must not be retried automatically.
func IsTerminal(err error) bool {
	code := Code(err)
	return code == CodePolicy || code == CodeData
}

// NewTransientError wraps a network or API failure that may succeed on retry.
func NewTransientError(message string, cause error) error {
	return &Error{code: CodeTransient, message: message, err: cause}
}

// NewPolicyError wraps a failure that is final by configuration (size limit, missing credential).
func NewPolicyError(message string, cause error) error {
	return &Error{code: CodePolicy, message: message, err: cause}
}

// NewDataError wraps malformed input.
func NewDataError(message string, cause error) error {
	return &Error{code: CodeData, message: message, err: cause}
}

// NewInfrastructureError wraps schema or transaction failures.
func NewInfrastructureError(message string, cause error) error {
	return &Error{code: CodeInfrastructure, message: message, err: cause}
}
