package models

import (
	"time"

	"invoicing/pkg/money"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceVoid          InvoiceStatus = "void"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue, InvoiceVoid:
		return true
	}
	return false
}

// Invoice represents a client invoice. Only the reconciler mutates AmountPaid and Status.
type Invoice struct {
	ID          string        `json:"id" db:"id"`
	Number      string        `json:"number" db:"number"`
	OwnerUserID string        `json:"owner_user_id" db:"owner_user_id"`
	ClientEmail string        `json:"client_email" db:"client_email"`
	Currency    string        `json:"currency" db:"currency"`
	TotalAmount money.Amount  `json:"total_amount" db:"total_cents"`
	AmountPaid  money.Amount  `json:"amount_paid" db:"amount_paid_cents"`
	Status      InvoiceStatus `json:"status" db:"status"`
	DueDate     *time.Time    `json:"due_date,omitempty" db:"due_date"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// PaymentMethod identifies how a payment was collected.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCheck        PaymentMethod = "check"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
	MethodOther        PaymentMethod = "other"
)

// PaymentMethods lists every method in display order.
var PaymentMethods = []PaymentMethod{MethodCard, MethodCash, MethodCheck, MethodBankTransfer, MethodOther}

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodBankTransfer, MethodCard, MethodOther:
		return true
	}
	return false
}

// IsCard reports whether m goes through the card processor.
func (m PaymentMethod) IsCard() bool {
	return m == MethodCard
}

// PaymentSource records which caller committed a payment.
type PaymentSource string

const (
	SourceWorkflow PaymentSource = "workflow"
	SourceWebhook  PaymentSource = "webhook"
	SourceAPI      PaymentSource = "api"
)

// Payment is an immutable record of money applied to an invoice.
// For card payments ReferenceID is the processor transaction id and, together
// with InvoiceID, the idempotency key.
type Payment struct {
	ID          string        `json:"id" db:"id"`
	InvoiceID   string        `json:"invoice_id" db:"invoice_id"`
	Amount      money.Amount  `json:"amount" db:"amount_cents"`
	Method      PaymentMethod `json:"method" db:"method"`
	ReferenceID string        `json:"reference_id" db:"reference_id"`
	Notes       string        `json:"notes" db:"notes"`
	Source      PaymentSource `json:"source" db:"source"`
	RecordedAt  time.Time     `json:"recorded_at" db:"recorded_at"`
}

// OnboardingStatus is a payee's state with the card processor.
type OnboardingStatus string

const (
	OnboardingNotCreated OnboardingStatus = "not_created"
	OnboardingPending    OnboardingStatus = "pending"
	OnboardingIncomplete OnboardingStatus = "incomplete"
	OnboardingActive     OnboardingStatus = "active"
)

// ConnectedAccount is a payee's sub-account with the card processor.
type ConnectedAccount struct {
	ID                 string           `json:"id" db:"id"`
	OwnerUserID        string           `json:"owner_user_id" db:"owner_user_id"`
	ProcessorAccountID *string          `json:"processor_account_id,omitempty" db:"processor_account_id"`
	OnboardingStatus   OnboardingStatus `json:"onboarding_status" db:"onboarding_status"`
	FeeRateBps         *int             `json:"fee_rate_bps,omitempty" db:"fee_rate_bps"` // nil: global platform rate
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// ProcessorID returns the processor account id or "" when not yet created.
func (a *ConnectedAccount) ProcessorID() string {
	if a == nil || a.ProcessorAccountID == nil {
		return ""
	}
	return *a.ProcessorAccountID
}

// IntentStatus is the local view of a processor payment intent.
type IntentStatus string

const (
	IntentRequiresConfirmation IntentStatus = "requires_confirmation"
	IntentSucceeded            IntentStatus = "succeeded"
	IntentFailed               IntentStatus = "failed"
)

// PaymentIntent bridges a processor-side card payment and the reconciler. Never persisted.
type PaymentIntent struct {
	ID           string       `json:"id"`
	InvoiceID    string       `json:"invoice_id"`
	Currency     string       `json:"currency"`
	GrossAmount  money.Amount `json:"gross_amount"`
	PayeeNet     money.Amount `json:"payee_net"`
	PlatformFee  money.Amount `json:"platform_fee"`
	ClientSecret string       `json:"-"`
	Status       IntentStatus `json:"status"`
}

// CardDetails carries a tokenized card. Raw card numbers never reach this service.
type CardDetails struct {
	PaymentMethodID string `json:"payment_method_id"`
	ReturnURL       string `json:"return_url,omitempty"`
}
