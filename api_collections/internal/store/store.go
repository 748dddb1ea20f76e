// Package store declares the persistence contracts the collections service depends on.
// Two implementations exist: store/postgres for production and store/memory for local runs and tests.
package store

import (
	"context"
	"errors"

	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Invoices is the read side of the invoice store.
type Invoices interface {
	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)
	// ListUnpaidInvoices returns invoices with a positive balance that are neither void nor draft,
	// oldest due date first. An empty ownerUserID lists every owner.
	ListUnpaidInvoices(ctx context.Context, ownerUserID string) ([]*models.Invoice, error)
}

// PaymentTx is the view of the store held while an invoice is locked.
// Nothing written through it is visible to other callers until the enclosing
// WithInvoiceLock returns nil.
type PaymentTx interface {
	// Invoice returns the locked invoice row.
	Invoice() *models.Invoice
	// FindCardPayment returns the card payment recorded for (invoiceID, referenceID) or ErrNotFound.
	FindCardPayment(ctx context.Context, referenceID string) (*models.Payment, error)
	// InsertPayment stores p. inserted is false when a card payment with the same
	// reference already exists; p is left untouched in that case.
	InsertPayment(ctx context.Context, p *models.Payment) (inserted bool, err error)
	// ApplyPayment sets the invoice's running total and status.
	ApplyPayment(ctx context.Context, amountPaid money.Amount, status models.InvoiceStatus) error
}

// Ledger serializes writes per invoice.
type Ledger interface {
	Invoices
	// WithInvoiceLock loads and locks the invoice, runs fn and commits when fn returns nil.
	// A missing invoice yields ErrNotFound without calling fn.
	WithInvoiceLock(ctx context.Context, invoiceID string, fn func(tx PaymentTx) error) error
	// ListPayments returns the payments recorded against an invoice, oldest first.
	ListPayments(ctx context.Context, invoiceID string) ([]*models.Payment, error)
}

// Accounts persists payee connected accounts.
type Accounts interface {
	// GetConnectedAccount returns the account for ownerUserID or ErrNotFound.
	GetConnectedAccount(ctx context.Context, ownerUserID string) (*models.ConnectedAccount, error)
	// GetConnectedAccountByProcessorID resolves an account from the processor's id or ErrNotFound.
	GetConnectedAccountByProcessorID(ctx context.Context, processorAccountID string) (*models.ConnectedAccount, error)
	// UpsertConnectedAccount inserts or updates by OwnerUserID and fills ID and timestamps.
	UpsertConnectedAccount(ctx context.Context, account *models.ConnectedAccount) error
}

// AccountPoller lists accounts whose onboarding is still in progress.
type AccountPoller interface {
	// ListConnectedAccountsByStatus returns accounts with a processor id in any of statuses,
	// least recently updated first, at most limit of them.
	ListConnectedAccountsByStatus(ctx context.Context, limit int, statuses ...models.OnboardingStatus) ([]*models.ConnectedAccount, error)
}

// WebhookEvents records processed inbound notifications by (provider, event id).
type WebhookEvents interface {
	IsWebhookProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string) error
}

// Store is everything the service needs.
type Store interface {
	Ledger
	Accounts
	AccountPoller
	WebhookEvents
}
