package errs

import (
	"errors"
	"fmt"
)

// Code is the stable, machine-readable identifier returned to callers.
type Code string

const (
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeUnsupportedAsset       Code = "UNSUPPORTED_ASSET"
	CodeNotFound               Code = "NOT_FOUND"
	CodeExpired                Code = "EXPIRED"
	CodeAlreadyConsumed        Code = "ALREADY_CONSUMED"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodePriceOracleUnavailable Code = "PRICE_ORACLE_UNAVAILABLE"
	CodeInternalConsistency    Code = "INTERNAL_CONSISTENCY_ERROR"
	CodeInternal               Code = "INTERNAL"
)

// Error carries a code, a message safe to show to callers, and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

var (
	ErrInvalidQuantity        = &Error{Code: CodeInvalidQuantity, Message: "quantity must be positive and within asset precision"}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrUnsupportedAsset       = &Error{Code: CodeUnsupportedAsset, Message: "asset not supported"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "quote not found"}
	ErrExpired                = &Error{Code: CodeExpired, Message: "quote expired"}
	ErrAlreadyConsumed        = &Error{Code: CodeAlreadyConsumed, Message: "quote already consumed"}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrPriceOracleUnavailable = &Error{Code: CodePriceOracleUnavailable, Message: "price oracle unavailable"}
	ErrInternalConsistency    = &Error{Code: CodeInternalConsistency, Message: "internal consistency error"}
	ErrInternal               = &Error{Code: CodeInternal, Message: "internal error"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so wrapped variants still satisfy
// errors.Is(err, errs.ErrExpired).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error with a custom public message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error. The cause is never exposed publicly.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Internal hides a storage or transport failure behind the INTERNAL code.
func Internal(err error) *Error {
	return Wrap(CodeInternal, err, ErrInternal.Message)
}

// CodeOf extracts the code from err, defaulting to INTERNAL for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Public returns what may be shown to a caller: the code and its public message.
func Public(err error) (Code, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return CodeInternal, ErrInternal.Message
}
