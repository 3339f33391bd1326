package provider

import "errors"

// ErrorCode classifies adapter failures.
type ErrorCode string

const (
	ErrConfiguration ErrorCode = "configuration_error"
	ErrAuth          ErrorCode = "auth_error"
	ErrTokenExpired  ErrorCode = "token_expired"
	ErrRateLimit     ErrorCode = "rate_limit"
	ErrNotFound      ErrorCode = "not_found"
	ErrServer        ErrorCode = "server_error"
)

// Error is a typed provider failure. "Not found" on message reads is not
// reported through this type; adapters return (nil, nil) for that.
type Error struct {
	Provider  string
	Code      ErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed provider error.
func NewError(provider string, code ErrorCode, message string, err error, retryable bool) *Error {
	return &Error{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsCode reports whether err is a provider Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == code
}
