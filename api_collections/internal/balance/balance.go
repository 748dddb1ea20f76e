// Package balance computes an invoice's outstanding balance and bounds proposed payments against it.
package balance

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// AmountErrorCode enumerates the user-correctable amount failures.
type AmountErrorCode string

const (
	CodeTooLow         AmountErrorCode = "too_low"
	CodeExceedsBalance AmountErrorCode = "exceeds_balance"
)

// AmountError is returned by ValidateProposedAmount. It is shown inline next to the amount field.
type AmountError struct {
	Code       AmountErrorCode
	Proposed   money.Amount
	BalanceDue money.Amount
}

func (e *AmountError) Error() string {
	switch e.Code {
	case CodeTooLow:
		return fmt.Sprintf("amount %s must be greater than zero", e.Proposed)
	case CodeExceedsBalance:
		return fmt.Sprintf("amount %s exceeds the balance due of %s", e.Proposed, e.BalanceDue)
	default:
		return string(e.Code)
	}
}

// Is matches another *AmountError by code, so errors.Is(err, balance.ErrExceedsBalance) works.
func (e *AmountError) Is(target error) bool {
	t, ok := target.(*AmountError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrTooLow         = &AmountError{Code: CodeTooLow}
	ErrExceedsBalance = &AmountError{Code: CodeExceedsBalance}
)

// Due returns TotalAmount - AmountPaid clamped at zero, and whether the stored figures were consistent.
func Due(inv *models.Invoice) (money.Amount, bool) {
	due := inv.TotalAmount - inv.AmountPaid
	if due < 0 {
		return 0, false
	}
	return due, true
}

// Payable reports whether an invoice can still receive payments.
func Payable(inv *models.Invoice) bool {
	if inv.Status == models.InvoiceVoid || inv.Status == models.InvoiceDraft {
		return false
	}
	due, _ := Due(inv)
	return due > 0
}

// StatusAfter returns the status an invoice moves to once amountPaid has been committed.
func StatusAfter(inv *models.Invoice, amountPaid money.Amount) models.InvoiceStatus {
	if amountPaid >= inv.TotalAmount {
		return models.InvoicePaid
	}
	return models.InvoicePartiallyPaid
}

// Tracker wraps the pure helpers with reporting for inconsistent stored balances.
type Tracker struct {
	logger          logging.Logger
	inconsistencies prometheus.Counter
}

// NewTracker creates a tracker. counter may be nil.
func NewTracker(logger logging.Logger, counter prometheus.Counter) *Tracker {
	return &Tracker{logger: logger, inconsistencies: counter}
}

// ComputeBalance returns the balance due, never negative. An overpaid invoice is a data error:
// it is logged and counted here and the caller sees a zero balance.
func (t *Tracker) ComputeBalance(inv *models.Invoice) money.Amount {
	due, ok := Due(inv)
	if !ok {
		if t.logger != nil {
			t.logger.WithFields(logging.Fields{
				"invoice_id":   inv.ID,
				"total_amount": inv.TotalAmount.String(),
				"amount_paid":  inv.AmountPaid.String(),
				"status":       inv.Status,
			}).Error("Invoice amount paid exceeds total; clamping balance to zero")
		}
		if t.inconsistencies != nil {
			t.inconsistencies.Inc()
		}
	}
	return due
}

// ValidateProposedAmount checks amount against the current balance. It has no side effects.
func (t *Tracker) ValidateProposedAmount(inv *models.Invoice, amount money.Amount) (money.Amount, error) {
	return validate(amount, t.ComputeBalance(inv))
}

// ValidateProposedAmount is the tracker-less form used where no reporting is wired.
func ValidateProposedAmount(inv *models.Invoice, amount money.Amount) (money.Amount, error) {
	due, _ := Due(inv)
	return validate(amount, due)
}

func validate(amount, due money.Amount) (money.Amount, error) {
	if amount <= 0 {
		return 0, &AmountError{Code: CodeTooLow, Proposed: amount, BalanceDue: due}
	}
	if amount > due {
		return 0, &AmountError{Code: CodeExceedsBalance, Proposed: amount, BalanceDue: due}
	}
	return amount, nil
}
