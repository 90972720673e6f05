// Package common holds error types shared by the checkout and renewal flows.
package common

import "errors"

// Error codes carried by AppError.
const (
	CodeInvalidCoupon      = "INVALID_COUPON"
	CodeMissingBillingTerm = "MISSING_BILLING_TERM"
	CodeUnavailableGateway = "UNAVAILABLE_GATEWAY"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInternal           = "INTERNAL"
)

// AppError represents an error with an attached code and a message meant for the customer.
type AppError struct {
	Code    string
	Message string
	Err     error
	Details any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// Message returns the customer-facing message of err, falling back to fallback when err is not
// an AppError.
func Message(err error, fallback string) string {
	var target *AppError
	if errors.As(err, &target) && target.Message != "" {
		return target.Message
	}
	return fallback
}
