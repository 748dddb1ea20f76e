package gateway

import (
	"context"
	"errors"
	"fmt"

	"invoicing/pkg/clients"
)

// ErrorCode classifies a failed processor call.
type ErrorCode string

const (
	CodeCardDeclined           ErrorCode = "card_declined"
	CodeAuthenticationRequired ErrorCode = "authentication_required"
	CodeNetworkError           ErrorCode = "network_error"
	CodeAccountNotReady        ErrorCode = "account_not_ready"
	CodeInvalidRequest         ErrorCode = "invalid_request"
)

// Error is the only error type returned by the gateway.
type Error struct {
	Code ErrorCode
	// Message is safe to show to the payer, e.g. the processor's decline text.
	Message string
	// DeclineCode is the processor's decline reason when Code is CodeCardDeclined.
	DeclineCode string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessage(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code so errors.Is(err, gateway.ErrCardDeclined) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether repeating the call could succeed. Only transport failures are.
func (e *Error) Retryable() bool {
	return e.Code == CodeNetworkError
}

// UserMessage is the text shown next to the failed payment.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultMessage(e.Code)
}

func defaultMessage(code ErrorCode) string {
	switch code {
	case CodeCardDeclined:
		return "The card was declined. Try another card."
	case CodeAuthenticationRequired:
		return "The card issuer requires additional authentication."
	case CodeNetworkError:
		return "The payment processor could not be reached. Check the invoice before trying again."
	case CodeAccountNotReady:
		return "Payee account not ready for card payments."
	case CodeInvalidRequest:
		return "The payment request was invalid."
	default:
		return string(code)
	}
}

// Sentinels for errors.Is.
var (
	ErrCardDeclined           = &Error{Code: CodeCardDeclined}
	ErrAuthenticationRequired = &Error{Code: CodeAuthenticationRequired}
	ErrNetwork                = &Error{Code: CodeNetworkError}
	ErrAccountNotReady        = &Error{Code: CodeAccountNotReady}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest}
)

// Classify converts any error from a processor call into an *Error.
// Anything unrecognized, including timeouts and an open circuit, is a network error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	switch {
	case errors.Is(err, clients.ErrCircuitOpen):
		return &Error{Code: CodeNetworkError, Message: "The payment processor is temporarily unavailable.", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeNetworkError, Message: "The payment processor did not respond in time.", Err: err}
	default:
		return &Error{Code: CodeNetworkError, Err: err}
	}
}

// Retryable is the retry and circuit-breaker predicate for processor calls.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
