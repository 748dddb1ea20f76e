// Package workflow is the collection state machine a user walks through: pick an invoice,
// pick a method, capture details, submit, done.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"invoicing/api_collections/internal/balance"
	"invoicing/api_collections/internal/connect"
	"invoicing/api_collections/internal/feesplit"
	"invoicing/api_collections/internal/gateway"
	"invoicing/api_collections/internal/reconcile"
	"invoicing/api_collections/internal/store"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// State is a workflow step.
type State string

const (
	StateSelectInvoice             State = "select_invoice"
	StateSelectMethod              State = "select_method"
	StateCaptureTraditionalDetails State = "capture_traditional_details"
	StateCaptureCardDetails        State = "capture_card_details"
	StateSubmitting                State = "submitting"
	StateDone                      State = "done"
	StateCancelled                 State = "cancelled"
	StateFailed                    State = "failed"
)

// Terminal reports whether no further step can be taken without Reset.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

var transitions = map[State][]State{
	StateSelectInvoice:             {StateSelectMethod, StateCancelled},
	StateSelectMethod:              {StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails, StateCancelled},
	StateCaptureTraditionalDetails: {StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails, StateSubmitting, StateCancelled},
	StateCaptureCardDetails:        {StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails, StateSubmitting, StateCancelled},
	StateSubmitting:                {StateDone, StateFailed, StateCancelled},
	StateDone:                      {StateSelectInvoice},
	StateCancelled:                 {StateSelectInvoice},
	StateFailed:                    {StateSelectInvoice},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when an operation is not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// ErrCancelNotAllowed is returned by Cancel once the payment has been dispatched.
var ErrCancelNotAllowed = errors.New("payment already dispatched; it must run to completion")

// ErrInvoiceNotPayable is returned when the selected invoice has no balance or cannot take payments.
var ErrInvoiceNotPayable = errors.New("invoice has no balance due")

// Accounts resolves the payee's connected account.
type Accounts interface {
	Account(ctx context.Context, ownerUserID string) (*models.ConnectedAccount, error)
}

// CardGateway is the card half of the PaymentIntentGateway.
type CardGateway interface {
	CreateIntent(ctx context.Context, p gateway.CreateIntentParams) (*models.PaymentIntent, error)
	Confirm(ctx context.Context, intent *models.PaymentIntent, card models.CardDetails) (*models.PaymentIntent, error)
}

// Reconciler commits payments.
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.Request) (*reconcile.Result, error)
}

// Deps are the collaborators of a workflow. Fees, Tracker and Logger may be nil.
type Deps struct {
	Invoices   store.Invoices
	Accounts   Accounts
	Gateway    CardGateway
	Reconciler Reconciler
	Fees       *feesplit.Calculator
	Tracker    *balance.Tracker
	Logger     logging.Logger
}

// MethodOption is one entry of the method picker. Disabled options carry the reason.
type MethodOption struct {
	Method         models.PaymentMethod `json:"method"`
	Enabled        bool                 `json:"enabled"`
	DisabledReason string               `json:"disabled_reason,omitempty"`
}

// CardDisabledReason is shown next to the card option while onboarding is incomplete.
const CardDisabledReason = "payee account not ready for card payments"

// Workflow is one user's collection session. It is safe for concurrent use; network calls run
// without holding the lock so Cancel stays responsive while a submit is in flight.
type Workflow struct {
	mu   sync.Mutex
	deps Deps

	id          string
	ownerUserID string
	state       State

	invoice     *models.Invoice
	amount      money.Amount
	method      models.PaymentMethod
	reference   string
	notes       string
	card        models.CardDetails
	clientEmail string
	account     *models.ConnectedAccount

	attemptID    string
	dispatched   bool
	cancelSubmit context.CancelFunc
	intent       *models.PaymentIntent
	result       *reconcile.Result
	err          error
}

// New starts a workflow for the payee ownerUserID in StateSelectInvoice.
func New(ownerUserID string, deps Deps) *Workflow {
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	if deps.Tracker == nil {
		deps.Tracker = balance.NewTracker(deps.Logger, nil)
	}
	if deps.Fees == nil {
		deps.Fees = feesplit.NewCalculator(nil)
	}
	return &Workflow{
		deps:        deps,
		id:          uuid.New().String(),
		ownerUserID: ownerUserID,
		state:       StateSelectInvoice,
	}
}

// ID identifies the session.
func (w *Workflow) ID() string {
	return w.id
}

// OwnerUserID is the payee the session collects for.
func (w *Workflow) OwnerUserID() string {
	return w.ownerUserID
}

// State returns the current step.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transition must be called with w.mu held.
func (w *Workflow) transition(to State) error {
	if !CanTransition(w.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.state, to)
	}
	w.deps.Logger.WithFields(logging.Fields{
		"workflow_id": w.id,
		"from":        w.state,
		"to":          to,
	}).Debug("Workflow transition")
	w.state = to
	return nil
}

func (w *Workflow) requireState(allowed ...State) error {
	for _, s := range allowed {
		if w.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: operation not allowed in %s", ErrInvalidTransition, w.state)
}

// ListInvoices lists the payee's invoices with a balance due, earliest due first.
func (w *Workflow) ListInvoices(ctx context.Context) ([]*models.Invoice, error) {
	if err := w.check(StateSelectInvoice, StateSelectMethod); err != nil {
		return nil, err
	}
	invoices, err := w.deps.Invoices.ListUnpaidInvoices(ctx, w.ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	out := invoices[:0]
	for _, inv := range invoices {
		if w.deps.Tracker.ComputeBalance(inv) > 0 {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (w *Workflow) check(allowed ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requireState(allowed...)
}

// SelectInvoice picks the invoice and seeds the amount to its full balance.
func (w *Workflow) SelectInvoice(ctx context.Context, invoiceID string) error {
	if err := w.check(StateSelectInvoice, StateSelectMethod); err != nil {
		return err
	}
	inv, err := w.deps.Invoices.GetInvoice(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return reconcile.ErrInvoiceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load invoice: %w", err)
	}
	if w.ownerUserID != "" && inv.OwnerUserID != w.ownerUserID {
		return reconcile.ErrInvoiceNotFound
	}
	if !balance.Payable(inv) {
		return ErrInvoiceNotPayable
	}
	due := w.deps.Tracker.ComputeBalance(inv)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSelectInvoice {
		if err := w.transition(StateSelectMethod); err != nil {
			return err
		}
	} else if err := w.requireState(StateSelectMethod); err != nil {
		return err
	}
	w.invoice = inv
	w.amount = due
	return nil
}

// SetAmount changes the proposed amount. It may be reduced below the balance, never raised above it.
func (w *Workflow) SetAmount(amount money.Amount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireState(StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails); err != nil {
		return err
	}
	validated, err := w.deps.Tracker.ValidateProposedAmount(w.invoice, amount)
	if err != nil {
		return err
	}
	w.amount = validated
	return nil
}

// MethodOptions lists every payment method. Card is disabled with a reason unless the
// payee's connected account is active.
func (w *Workflow) MethodOptions(ctx context.Context) ([]MethodOption, error) {
	if err := w.check(StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails); err != nil {
		return nil, err
	}
	account, err := w.loadAccount(ctx)
	if err != nil {
		return nil, err
	}

	cardReady := connect.CanAcceptCardPayments(account)
	options := make([]MethodOption, 0, len(models.PaymentMethods))
	for _, m := range models.PaymentMethods {
		opt := MethodOption{Method: m, Enabled: true}
		if m.IsCard() && !cardReady {
			opt.Enabled = false
			opt.DisabledReason = CardDisabledReason
		}
		options = append(options, opt)
	}
	return options, nil
}

// FeePreview shows how the current amount would split for a card payment.
func (w *Workflow) FeePreview(ctx context.Context) (feesplit.Split, error) {
	w.mu.Lock()
	if err := w.requireState(StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails); err != nil {
		w.mu.Unlock()
		return feesplit.Split{}, err
	}
	amount := w.amount
	w.mu.Unlock()

	account, err := w.loadAccount(ctx)
	if err != nil {
		return feesplit.Split{}, err
	}
	return w.deps.Fees.Split(amount, account)
}

func (w *Workflow) loadAccount(ctx context.Context) (*models.ConnectedAccount, error) {
	w.mu.Lock()
	account := w.account
	w.mu.Unlock()
	if account != nil {
		return account, nil
	}

	account, err := w.deps.Accounts.Account(ctx, w.ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connected account: %w", err)
	}
	w.mu.Lock()
	w.account = account
	w.mu.Unlock()
	return account, nil
}

// SelectMethod branches to card or traditional capture. Card fails with AccountNotReady
// unless the payee can accept card payments.
func (w *Workflow) SelectMethod(ctx context.Context, method models.PaymentMethod) error {
	if !method.Valid() {
		return &gateway.Error{Code: gateway.CodeInvalidRequest, Message: "unknown payment method " + string(method)}
	}
	next := StateCaptureTraditionalDetails
	if method.IsCard() {
		if err := w.check(StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails); err != nil {
			return err
		}
		account, err := w.loadAccount(ctx)
		if err != nil {
			return err
		}
		if !connect.CanAcceptCardPayments(account) {
			return gateway.ErrAccountNotReady
		}
		next = StateCaptureCardDetails
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transition(next); err != nil {
		return err
	}
	w.method = method
	w.reference, w.notes = "", ""
	w.card, w.clientEmail = models.CardDetails{}, ""
	return nil
}

// CaptureTraditional records the user's reference (check number, wire id) and notes.
func (w *Workflow) CaptureTraditional(reference, notes string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireState(StateCaptureTraditionalDetails); err != nil {
		return err
	}
	w.reference = reference
	w.notes = notes
	return nil
}

// CaptureCard records the tokenized card and the receipt email.
func (w *Workflow) CaptureCard(card models.CardDetails, clientEmail string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireState(StateCaptureCardDetails); err != nil {
		return err
	}
	if card.PaymentMethodID == "" {
		return &gateway.Error{Code: gateway.CodeInvalidRequest, Message: "a tokenized payment method is required"}
	}
	w.card = card
	w.clientEmail = clientEmail
	return nil
}

// Submit runs the payment. Card: create intent, confirm, reconcile with the intent id.
// Traditional: reconcile with the captured reference. Any gateway or reconcile error moves
// the workflow to Failed with the error returned unchanged.
func (w *Workflow) Submit(ctx context.Context) (*reconcile.Result, error) {
	w.mu.Lock()
	if w.state == StateCaptureCardDetails && w.card.PaymentMethodID == "" {
		w.mu.Unlock()
		return nil, &gateway.Error{Code: gateway.CodeInvalidRequest, Message: "card details have not been captured"}
	}
	if err := w.transition(StateSubmitting); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancelSubmit = cancel
	if w.attemptID == "" {
		w.attemptID = uuid.New().String()
	}
	inv, amount, method := w.invoice, w.amount, w.method
	reference, notes := w.reference, w.notes
	if !method.IsCard() {
		w.dispatched = true
	}
	w.mu.Unlock()

	var (
		result *reconcile.Result
		err    error
	)
	if method.IsCard() {
		result, err = w.submitCard(ctx, inv, amount)
	} else {
		result, err = w.deps.Reconciler.Reconcile(ctx, reconcile.Request{
			InvoiceID:   inv.ID,
			Amount:      amount,
			Method:      method,
			ReferenceID: reference,
			Notes:       notes,
			Source:      models.SourceWorkflow,
		})
	}
	return w.finish(result, err)
}

func (w *Workflow) submitCard(ctx context.Context, inv *models.Invoice, amount money.Amount) (*reconcile.Result, error) {
	// Another payment may have landed since the amount was chosen. Nothing above the current
	// balance may reach the processor.
	current, err := w.deps.Invoices.GetInvoice(ctx, inv.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reconcile.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, &reconcile.Error{Code: reconcile.CodeStoreFailure, InvoiceID: inv.ID, Err: err}
	}
	if amount, err = w.deps.Tracker.ValidateProposedAmount(current, amount); err != nil {
		return nil, err
	}
	inv = current

	w.mu.Lock()
	w.invoice = current
	account, card, email, attempt := w.account, w.card, w.clientEmail, w.attemptID
	w.mu.Unlock()

	intent, err := w.deps.Gateway.CreateIntent(ctx, gateway.CreateIntentParams{
		Invoice:     inv,
		Account:     account,
		Amount:      amount,
		ClientEmail: email,
		AttemptID:   attempt,
	})
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.state == StateCancelled {
		w.mu.Unlock()
		return nil, context.Canceled
	}
	w.intent = intent
	w.dispatched = true
	w.mu.Unlock()

	// The processor may hold funds from here on; detach from caller cancellation.
	confirmed, err := w.deps.Gateway.Confirm(context.WithoutCancel(ctx), intent, card)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.intent = confirmed
	w.mu.Unlock()

	return w.deps.Reconciler.Reconcile(context.WithoutCancel(ctx), reconcile.Request{
		InvoiceID:   inv.ID,
		Amount:      amount,
		Method:      models.MethodCard,
		ReferenceID: confirmed.ID,
		Source:      models.SourceWorkflow,
	})
}

func (w *Workflow) finish(result *reconcile.Result, err error) (*reconcile.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelSubmit = nil

	if w.state == StateCancelled {
		if err == nil {
			err = context.Canceled
		}
		return nil, err
	}

	fields := logging.Fields{
		"workflow_id": w.id,
		"invoice_id":  w.invoice.ID,
		"method":      w.method,
		"amount":      w.amount.String(),
	}
	if err != nil {
		w.err = err
		_ = w.transition(StateFailed)
		w.deps.Logger.WithFields(fields).WithError(err).Warn("Collection failed")
		return nil, err
	}

	w.result = result
	_ = w.transition(StateDone)
	fields["payment_id"] = result.Payment.ID
	fields["duplicate"] = result.Duplicate
	w.deps.Logger.WithFields(fields).Info("Collection completed")
	return result, nil
}

// Cancel abandons the workflow. It is refused once a card confirmation or a reconcile
// call has been sent.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSubmitting && w.dispatched {
		return ErrCancelNotAllowed
	}
	if err := w.transition(StateCancelled); err != nil {
		return err
	}
	if w.cancelSubmit != nil {
		w.cancelSubmit()
	}
	return nil
}

// Reset starts over from a terminal state, keeping the session id.
func (w *Workflow) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transition(StateSelectInvoice); err != nil {
		return err
	}
	w.invoice, w.amount, w.method = nil, 0, ""
	w.reference, w.notes = "", ""
	w.card, w.clientEmail = models.CardDetails{}, ""
	w.account = nil
	w.attemptID, w.dispatched = "", false
	w.intent, w.result, w.err = nil, nil, nil
	return nil
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	ID         string                `json:"id"`
	State      State                 `json:"state"`
	Invoice    *models.Invoice       `json:"invoice,omitempty"`
	Amount     money.Amount          `json:"amount"`
	BalanceDue money.Amount          `json:"balance_due"`
	Method     models.PaymentMethod  `json:"method,omitempty"`
	Intent     *models.PaymentIntent `json:"intent,omitempty"`
	Payment    *models.Payment       `json:"payment,omitempty"`
	Duplicate  bool                  `json:"duplicate,omitempty"`
	Err        error                 `json:"-"`
}

// Snapshot returns the current session view.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		ID:     w.id,
		State:  w.state,
		Amount: w.amount,
		Method: w.method,
		Intent: w.intent,
		Err:    w.err,
	}
	if w.invoice != nil {
		inv := *w.invoice
		s.Invoice = &inv
		s.BalanceDue, _ = balance.Due(w.invoice)
	}
	if w.result != nil {
		s.Payment = w.result.Payment
		s.Invoice = w.result.Invoice
		s.Duplicate = w.result.Duplicate
		s.BalanceDue, _ = balance.Due(w.result.Invoice)
	}
	return s
}
