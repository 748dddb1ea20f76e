package reconcile

import (
	"fmt"

	"invoicing/pkg/money"
)

// ErrorCode classifies a rejected reconciliation.
type ErrorCode string

const (
	CodeOverpayment       ErrorCode = "overpayment"
	CodeInvoiceNotFound   ErrorCode = "invoice_not_found"
	CodeInvoiceNotPayable ErrorCode = "invoice_not_payable"
	CodeInvalidAmount     ErrorCode = "invalid_amount"
	CodeInvalidRequest    ErrorCode = "invalid_request"
	CodeStoreFailure      ErrorCode = "store_failure"
)

// Error is returned for every failed Reconcile. Nothing was written when it is returned.
type Error struct {
	Code       ErrorCode
	InvoiceID  string
	Amount     money.Amount
	BalanceDue money.Amount
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("reconcile %s: %s", e.InvoiceID, e.UserMessage())
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code so errors.Is(err, reconcile.ErrOverpayment) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the same request could succeed later unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeStoreFailure
}

// UserMessage names the reason the payment was not recorded.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Code {
	case CodeOverpayment:
		return fmt.Sprintf("amount %s exceeds the balance due of %s", e.Amount, e.BalanceDue)
	case CodeInvoiceNotFound:
		return "invoice not found"
	case CodeInvoiceNotPayable:
		return "invoice cannot accept payments"
	case CodeInvalidAmount:
		return fmt.Sprintf("amount %s must be greater than zero", e.Amount)
	case CodeStoreFailure:
		return "the payment could not be saved; try again"
	default:
		return string(e.Code)
	}
}

// Sentinels for errors.Is.
var (
	ErrOverpayment       = &Error{Code: CodeOverpayment}
	ErrInvoiceNotFound   = &Error{Code: CodeInvoiceNotFound}
	ErrInvoiceNotPayable = &Error{Code: CodeInvoiceNotPayable}
	ErrInvalidAmount     = &Error{Code: CodeInvalidAmount}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest}
	ErrStoreFailure      = &Error{Code: CodeStoreFailure}
)
