// Package reconcile is the single write path that applies payments to invoices.
//
// Every payment, whichever caller reports it, goes through Reconcile. Writes for one
// invoice are serialized by the store's invoice lock, and card payments are idempotent
// on (invoice id, processor reference).
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"invoicing/api_collections/internal/balance"
	"invoicing/api_collections/internal/store"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// Request describes a payment to apply.
type Request struct {
	InvoiceID string
	Amount    money.Amount
	Method    models.PaymentMethod
	// ReferenceID is the processor transaction id for card payments and a free-form
	// reference (check number, wire id) otherwise.
	ReferenceID string
	Notes       string
	Source      models.PaymentSource
}

// Result is a committed or previously committed payment.
type Result struct {
	Payment *models.Payment
	// Invoice is the invoice as of the commit. For duplicates it is the current state.
	Invoice *models.Invoice
	// Duplicate is true when the card payment had already been recorded; nothing was written.
	Duplicate bool
}

// Event is emitted once per newly committed payment.
type Event struct {
	Type          string         `json:"type"`
	Payment       models.Payment `json:"payment"`
	InvoiceNumber string         `json:"invoice_number"`
	OwnerUserID   string         `json:"owner_user_id"`
	Currency      string         `json:"currency"`
	AmountPaid    money.Amount   `json:"amount_paid"`
	BalanceDue    money.Amount   `json:"balance_due"`
	InvoiceStatus string         `json:"invoice_status"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// EventPaymentReconciled is the Event.Type of committed payments.
const EventPaymentReconciled = "payment.reconciled"

// Notifier receives committed payments. Errors are logged and never fail the reconciliation.
type Notifier interface {
	PaymentReconciled(ctx context.Context, event Event) error
}

// Metrics counts reconciliations.
type Metrics struct {
	Reconciliations *prometheus.CounterVec
}

// NewMetrics creates and registers the reconciler collectors. reg may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bursar_reconciliations_total",
				Help: "Reconcile calls by payment method and outcome",
			},
			[]string{"method", "outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Reconciliations)
	}
	return m
}

// Reconciler is the PaymentReconciler.
type Reconciler struct {
	ledger    store.Ledger
	tracker   *balance.Tracker
	notifiers []Notifier
	metrics   *Metrics
	logger    logging.Logger
	now       func() time.Time
}

// New creates a reconciler. tracker and metrics may be nil.
func New(ledger store.Ledger, tracker *balance.Tracker, metrics *Metrics, logger logging.Logger, notifiers ...Notifier) *Reconciler {
	if tracker == nil {
		tracker = balance.NewTracker(logger, nil)
	}
	return &Reconciler{
		ledger:    ledger,
		tracker:   tracker,
		notifiers: notifiers,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Reconcile applies req atomically: the payment row and the invoice update commit together or
// not at all. A card payment whose (invoice, reference) was already recorded is returned with
// Duplicate set and nothing written. Overpayments are rejected, never clamped.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Result, error) {
	result, err := r.reconcile(ctx, req)
	r.record(req, result, err)

	fields := logging.PaymentFields(req.InvoiceID, string(req.Method), req.ReferenceID)
	fields["amount"] = req.Amount.String()
	fields["source"] = req.Source
	if err != nil {
		var recErr *Error
		if errors.As(err, &recErr) && recErr.Code == CodeStoreFailure {
			r.logger.WithFields(fields).WithError(err).Error("Failed to reconcile payment")
		} else {
			r.logger.WithFields(fields).WithError(err).Warn("Payment rejected")
		}
		return nil, err
	}
	if result.Duplicate {
		fields["payment_id"] = result.Payment.ID
		r.logger.WithFields(fields).Info("Payment already reconciled")
		return result, nil
	}

	fields["payment_id"] = result.Payment.ID
	fields["invoice_status"] = result.Invoice.Status
	r.logger.WithFields(fields).Info("Payment reconciled")

	r.notify(ctx, result)
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, req Request) (*Result, error) {
	if req.InvoiceID == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invoice id is required"}
	}
	if !req.Method.Valid() {
		return nil, &Error{Code: CodeInvalidRequest, InvoiceID: req.InvoiceID, Message: "unknown payment method " + string(req.Method)}
	}
	if req.Method.IsCard() && req.ReferenceID == "" {
		return nil, &Error{Code: CodeInvalidRequest, InvoiceID: req.InvoiceID, Message: "card payments require the processor reference"}
	}
	if req.Source == "" {
		req.Source = models.SourceAPI
	}

	var result *Result
	err := r.ledger.WithInvoiceLock(ctx, req.InvoiceID, func(tx store.PaymentTx) error {
		inv := tx.Invoice()

		if req.Method.IsCard() {
			existing, err := tx.FindCardPayment(ctx, req.ReferenceID)
			if err == nil {
				result = &Result{Payment: existing, Invoice: copyInvoice(inv), Duplicate: true}
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		if inv.Status == models.InvoiceVoid || inv.Status == models.InvoiceDraft {
			return &Error{Code: CodeInvoiceNotPayable, InvoiceID: inv.ID, Amount: req.Amount,
				Message: "invoice is " + string(inv.Status) + " and cannot accept payments"}
		}

		due := r.tracker.ComputeBalance(inv)
		if !req.Amount.IsPositive() {
			return &Error{Code: CodeInvalidAmount, InvoiceID: inv.ID, Amount: req.Amount, BalanceDue: due}
		}
		if req.Amount > due {
			return &Error{Code: CodeOverpayment, InvoiceID: inv.ID, Amount: req.Amount, BalanceDue: due}
		}

		payment := &models.Payment{
			InvoiceID:   inv.ID,
			Amount:      req.Amount,
			Method:      req.Method,
			ReferenceID: req.ReferenceID,
			Notes:       req.Notes,
			Source:      req.Source,
			RecordedAt:  r.now().UTC(),
		}
		inserted, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost a race on the card reference despite the lock; the winner stands.
			existing, err := tx.FindCardPayment(ctx, req.ReferenceID)
			if err != nil {
				return err
			}
			result = &Result{Payment: existing, Invoice: copyInvoice(inv), Duplicate: true}
			return nil
		}

		amountPaid := inv.AmountPaid + req.Amount
		if err := tx.ApplyPayment(ctx, amountPaid, balance.StatusAfter(inv, amountPaid)); err != nil {
			return err
		}

		result = &Result{Payment: payment, Invoice: copyInvoice(tx.Invoice())}
		return nil
	})
	if err != nil {
		return nil, classify(req, err)
	}
	return result, nil
}

func classify(req Request, err error) error {
	var recErr *Error
	switch {
	case errors.As(err, &recErr):
		return recErr
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeInvoiceNotFound, InvoiceID: req.InvoiceID, Amount: req.Amount}
	default:
		return &Error{Code: CodeStoreFailure, InvoiceID: req.InvoiceID, Amount: req.Amount, Err: err}
	}
}

func (r *Reconciler) record(req Request, result *Result, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "applied"
	switch {
	case err != nil:
		var recErr *Error
		if errors.As(err, &recErr) {
			outcome = string(recErr.Code)
		} else {
			outcome = string(CodeStoreFailure)
		}
	case result.Duplicate:
		outcome = "duplicate"
	}
	r.metrics.Reconciliations.WithLabelValues(string(req.Method), outcome).Inc()
}

// notify runs after the transaction has committed.
func (r *Reconciler) notify(ctx context.Context, result *Result) {
	if len(r.notifiers) == 0 {
		return
	}
	inv := result.Invoice
	due, _ := balance.Due(inv)
	event := Event{
		Type:          EventPaymentReconciled,
		Payment:       *result.Payment,
		InvoiceNumber: inv.Number,
		OwnerUserID:   inv.OwnerUserID,
		Currency:      inv.Currency,
		AmountPaid:    inv.AmountPaid,
		BalanceDue:    due,
		InvoiceStatus: string(inv.Status),
		OccurredAt:    result.Payment.RecordedAt,
	}
	for _, n := range r.notifiers {
		if err := n.PaymentReconciled(ctx, event); err != nil {
			r.logger.WithFields(logging.Fields{
				"invoice_id": inv.ID,
				"payment_id": result.Payment.ID,
			}).WithError(err).Warn("Failed to deliver payment notification")
		}
	}
}

// ListPayments returns the payments recorded against an invoice.
func (r *Reconciler) ListPayments(ctx context.Context, invoiceID string) ([]*models.Payment, error) {
	if _, err := r.ledger.GetInvoice(ctx, invoiceID); err != nil {
		return nil, classify(Request{InvoiceID: invoiceID}, err)
	}
	payments, err := r.ledger.ListPayments(ctx, invoiceID)
	if err != nil {
		return nil, classify(Request{InvoiceID: invoiceID}, err)
	}
	return payments, nil
}

func copyInvoice(inv *models.Invoice) *models.Invoice {
	cp := *inv
	return &cp
}
