package escrow

import (
	"errors"
	"fmt"
)

// Code identifies an engine failure in API responses and logs.
type Code string

const (
	CodeInvalidParameters     Code = "INVALID_PARAMETERS"
	CodeUnknownOrInactiveNode Code = "UNKNOWN_OR_INACTIVE_NODE"
	CodeDepositMismatch       Code = "DEPOSIT_MISMATCH"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeNotAuthorizedToClaim  Code = "NOT_AUTHORIZED_TO_CLAIM"
	CodeNotAuthorized         Code = "NOT_AUTHORIZED"
	CodeAlreadySettled        Code = "ALREADY_SETTLED"
	CodeUnknownSession        Code = "UNKNOWN_SESSION"
	CodeArithmeticFault       Code = "ARITHMETIC_FAULT"
)

// Kind groups codes by how a caller is expected to react.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindAuthorization Kind = "AUTHORIZATION"
	KindConflict      Kind = "STATE_CONFLICT"
	KindFault         Kind = "FAULT"
)

// Error is the typed failure returned by every engine operation. A failed
// operation never changes ledger state.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Kind returns the taxonomy bucket of the error code.
func (e *Error) Kind() Kind {
	return KindOf(e.Code)
}

var (
	ErrInvalidParameters     = &Error{Code: CodeInvalidParameters}
	ErrUnknownOrInactiveNode = &Error{Code: CodeUnknownOrInactiveNode}
	ErrDepositMismatch       = &Error{Code: CodeDepositMismatch}
	ErrInsufficientFunds     = &Error{Code: CodeInsufficientFunds}
	ErrNotAuthorizedToClaim  = &Error{Code: CodeNotAuthorizedToClaim}
	ErrNotAuthorized         = &Error{Code: CodeNotAuthorized}
	ErrAlreadySettled        = &Error{Code: CodeAlreadySettled}
	ErrUnknownSession        = &Error{Code: CodeUnknownSession}
	ErrArithmeticFault       = &Error{Code: CodeArithmeticFault}
)

// NewError builds a coded error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies a code.
func KindOf(code Code) Kind {
	switch code {
	case CodeInvalidParameters, CodeUnknownOrInactiveNode, CodeDepositMismatch, CodeInsufficientFunds:
		return KindValidation
	case CodeNotAuthorizedToClaim, CodeNotAuthorized:
		return KindAuthorization
	case CodeAlreadySettled, CodeUnknownSession:
		return KindConflict
	default:
		return KindFault
	}
}

// CodeOf extracts the engine code from err, reporting false for foreign errors.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
