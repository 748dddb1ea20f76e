package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"invoicing/api_collections/internal/balance"
	"invoicing/api_collections/internal/feesplit"
	"invoicing/api_collections/internal/gateway"
	"invoicing/api_collections/internal/reconcile"
	"invoicing/api_collections/internal/store/memory"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

type fakeAccounts struct {
	account *models.ConnectedAccount
	calls   atomic.Int32
}

func (f *fakeAccounts) Account(_ context.Context, ownerUserID string) (*models.ConnectedAccount, error) {
	f.calls.Add(1)
	if f.account == nil {
		return &models.ConnectedAccount{OwnerUserID: ownerUserID, OnboardingStatus: models.OnboardingNotCreated}, nil
	}
	return f.account, nil
}

type fakeProcessor struct {
	mu           sync.Mutex
	createCalls  int
	confirmCalls int
	lastRequest  gateway.IntentRequest
	confirmErr   error
	// onConfirm runs before the confirm reply is returned.
	onConfirm func(intentID string)
}

func (f *fakeProcessor) CreatePaymentIntent(_ context.Context, req gateway.IntentRequest) (gateway.ProcessorIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastRequest = req
	return gateway.ProcessorIntent{ID: "pi_123", ClientSecret: "pi_123_secret", Status: models.IntentRequiresConfirmation}, nil
}

func (f *fakeProcessor) ConfirmPaymentIntent(_ context.Context, intentID string, _ models.CardDetails, _ string) (gateway.ProcessorIntent, error) {
	f.mu.Lock()
	f.confirmCalls++
	hook, err := f.onConfirm, f.confirmErr
	f.mu.Unlock()
	if hook != nil {
		hook(intentID)
	}
	if err != nil {
		return gateway.ProcessorIntent{}, err
	}
	return gateway.ProcessorIntent{ID: intentID, Status: models.IntentSucceeded}, nil
}

func (f *fakeProcessor) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.confirmCalls
}

type harness struct {
	store      *memory.Store
	processor  *fakeProcessor
	accounts   *fakeAccounts
	reconciler *reconcile.Reconciler
	workflow   *Workflow
}

func activeAccount() *models.ConnectedAccount {
	id := "acct_payee"
	return &models.ConnectedAccount{OwnerUserID: "owner-1", ProcessorAccountID: &id, OnboardingStatus: models.OnboardingActive}
}

func newHarness(t *testing.T, total money.Amount, account *models.ConnectedAccount) *harness {
	t.Helper()
	logger := logging.NewLogger()
	st := memory.New()
	st.PutInvoice(&models.Invoice{
		ID: "inv-1", Number: "INV-0001", OwnerUserID: "owner-1", Currency: "USD",
		TotalAmount: total, Status: models.InvoiceSent,
	})

	h := &harness{
		store:     st,
		processor: &fakeProcessor{},
		accounts:  &fakeAccounts{account: account},
	}
	h.reconciler = reconcile.New(st, nil, nil, logger)
	gw := gateway.New(gateway.Config{Timeout: time.Second}, h.processor,
		feesplit.NewCalculator(feesplit.GlobalRate{Bps: 200}), nil, nil, logger)
	h.workflow = New("owner-1", Deps{
		Invoices:   st,
		Accounts:   h.accounts,
		Gateway:    gw,
		Reconciler: h.reconciler,
		Fees:       feesplit.NewCalculator(feesplit.GlobalRate{Bps: 200}),
		Logger:     logger,
	})
	return h
}

func (h *harness) invoice(t *testing.T) *models.Invoice {
	t.Helper()
	inv, err := h.store.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	return inv
}

func TestCardPaymentEndToEnd(t *testing.T) {
	h := newHarness(t, money.FromMajor(300), activeAccount())
	ctx := context.Background()
	w := h.workflow

	invoices, err := w.ListInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.Equal(t, StateSelectMethod, w.State())
	require.Equal(t, money.FromMajor(300), w.Snapshot().Amount)

	split, err := w.FeePreview(ctx)
	require.NoError(t, err)
	require.Equal(t, money.FromMajor(6), split.PlatformFee)
	require.Equal(t, money.FromMajor(294), split.PayeeNet)

	options, err := w.MethodOptions(ctx)
	require.NoError(t, err)
	require.Equal(t, models.MethodCard, options[0].Method)
	require.True(t, options[0].Enabled)

	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	require.Equal(t, StateCaptureCardDetails, w.State())
	require.NoError(t, w.CaptureCard(models.CardDetails{PaymentMethodID: "pm_card_visa"}, "client@example.com"))

	result, err := w.Submit(ctx)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Equal(t, StateDone, w.State())
	require.Equal(t, "pi_123", result.Payment.ReferenceID)
	require.Equal(t, models.SourceWorkflow, result.Payment.Source)

	req := h.processor.lastRequest
	require.Equal(t, money.FromMajor(300), req.Amount)
	require.Equal(t, money.FromMajor(6), req.ApplicationFee)
	require.Equal(t, "acct_payee", req.DestinationAccountID)
	require.Equal(t, "client@example.com", req.ReceiptEmail)

	snap := w.Snapshot()
	require.Equal(t, money.FromMajor(294), snap.Intent.PayeeNet)
	require.Equal(t, models.IntentSucceeded, snap.Intent.Status)
	require.Equal(t, money.Amount(0), snap.BalanceDue)

	inv := h.invoice(t)
	require.Equal(t, money.FromMajor(300), inv.AmountPaid)
	require.Equal(t, models.InvoicePaid, inv.Status)
}

func TestAmountAboveBalanceNeverReachesGateway(t *testing.T) {
	h := newHarness(t, money.FromMajor(100), activeAccount())
	ctx := context.Background()
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))

	err := w.SetAmount(money.FromMajor(150))
	require.ErrorIs(t, err, balance.ErrExceedsBalance)
	require.EqualError(t, err, "amount 150.00 exceeds the balance due of 100.00")
	require.ErrorIs(t, w.SetAmount(0), balance.ErrTooLow)

	require.Equal(t, StateCaptureCardDetails, w.State())
	require.Equal(t, money.FromMajor(100), w.Snapshot().Amount)
	creates, confirms := h.processor.calls()
	require.Zero(t, creates)
	require.Zero(t, confirms)
}

func TestCardSubmitRechecksBalanceBeforeCharging(t *testing.T) {
	h := newHarness(t, money.FromMajor(100), activeAccount())
	ctx := context.Background()
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	require.NoError(t, w.CaptureCard(models.CardDetails{PaymentMethodID: "pm_card_visa"}, ""))

	// A cash payment recorded elsewhere while the session sits on the card form.
	_, err := h.reconciler.Reconcile(ctx, reconcile.Request{
		InvoiceID: "inv-1", Amount: money.FromMajor(60), Method: models.MethodCash, Source: models.SourceAPI,
	})
	require.NoError(t, err)

	_, err = w.Submit(ctx)
	require.ErrorIs(t, err, balance.ErrExceedsBalance)
	require.EqualError(t, err, "amount 100.00 exceeds the balance due of 40.00")
	require.Equal(t, StateFailed, w.State())
	require.ErrorIs(t, w.Snapshot().Err, balance.ErrExceedsBalance)

	creates, confirms := h.processor.calls()
	require.Zero(t, creates)
	require.Zero(t, confirms)
	require.Equal(t, money.FromMajor(60), h.invoice(t).AmountPaid)
}

func TestCardDisabledUntilAccountActive(t *testing.T) {
	pendingID := "acct_pending"
	pending := &models.ConnectedAccount{OwnerUserID: "owner-1", ProcessorAccountID: &pendingID, OnboardingStatus: models.OnboardingPending}
	h := newHarness(t, money.FromMajor(100), pending)
	ctx := context.Background()
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	options, err := w.MethodOptions(ctx)
	require.NoError(t, err)
	require.Len(t, options, len(models.PaymentMethods))
	for _, opt := range options {
		if opt.Method.IsCard() {
			require.False(t, opt.Enabled)
			require.Equal(t, CardDisabledReason, opt.DisabledReason)
		} else {
			require.True(t, opt.Enabled)
			require.Empty(t, opt.DisabledReason)
		}
	}

	err = w.SelectMethod(ctx, models.MethodCard)
	require.ErrorIs(t, err, gateway.ErrAccountNotReady)
	require.Equal(t, StateSelectMethod, w.State())
	require.Equal(t, int32(1), h.accounts.calls.Load(), "account lookup is cached for the session")
}

func TestTraditionalPartialPayment(t *testing.T) {
	h := newHarness(t, money.FromMajor(100), nil)
	ctx := context.Background()
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCheck))
	require.Equal(t, StateCaptureTraditionalDetails, w.State())
	require.NoError(t, w.SetAmount(money.FromMajor(40)))
	require.NoError(t, w.CaptureTraditional("1042", "mailed"))

	result, err := w.Submit(ctx)
	require.NoError(t, err)
	require.Equal(t, StateDone, w.State())
	require.Equal(t, models.MethodCheck, result.Payment.Method)
	require.Equal(t, "1042", result.Payment.ReferenceID)
	require.Equal(t, "mailed", result.Payment.Notes)
	require.Equal(t, models.InvoicePartiallyPaid, result.Invoice.Status)
	require.Equal(t, money.FromMajor(60), w.Snapshot().BalanceDue)

	creates, _ := h.processor.calls()
	require.Zero(t, creates)
}

func TestDeclinedCardFailsWithoutPayment(t *testing.T) {
	h := newHarness(t, money.FromMajor(300), activeAccount())
	h.processor.confirmErr = &gateway.Error{Code: gateway.CodeCardDeclined, Message: "Your card was declined.", DeclineCode: "generic_decline"}
	ctx := context.Background()
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	require.NoError(t, w.CaptureCard(models.CardDetails{PaymentMethodID: "pm_card_chargeDeclined"}, ""))

	_, err := w.Submit(ctx)
	require.ErrorIs(t, err, gateway.ErrCardDeclined)
	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, "Your card was declined.", gwErr.UserMessage())
	require.Equal(t, StateFailed, w.State())
	require.ErrorIs(t, w.Snapshot().Err, gateway.ErrCardDeclined)

	payments, err := h.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	require.Empty(t, payments)
	require.Equal(t, money.Amount(0), h.invoice(t).AmountPaid)

	require.NoError(t, w.Reset())
	require.Equal(t, StateSelectInvoice, w.State())
	require.Nil(t, w.Snapshot().Err)
}

func TestWebhookBeforeSynchronousConfirm(t *testing.T) {
	h := newHarness(t, money.FromMajor(300), activeAccount())
	ctx := context.Background()
	h.processor.onConfirm = func(intentID string) {
		_, err := h.reconciler.Reconcile(ctx, reconcile.Request{
			InvoiceID: "inv-1", Amount: money.FromMajor(300), Method: models.MethodCard,
			ReferenceID: intentID, Source: models.SourceWebhook,
		})
		require.NoError(t, err)
	}
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	require.NoError(t, w.CaptureCard(models.CardDetails{PaymentMethodID: "pm_card_visa"}, ""))

	result, err := w.Submit(ctx)
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, models.SourceWebhook, result.Payment.Source)
	require.Equal(t, StateDone, w.State())

	inv := h.invoice(t)
	require.Equal(t, money.FromMajor(300), inv.AmountPaid)
	require.Equal(t, models.InvoicePaid, inv.Status)
	payments, err := h.store.ListPayments(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
}

func TestCancelRefusedOnceConfirmDispatched(t *testing.T) {
	h := newHarness(t, money.FromMajor(300), activeAccount())
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.processor.onConfirm = func(string) {
		close(entered)
		<-release
	}
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	require.NoError(t, w.CaptureCard(models.CardDetails{PaymentMethodID: "pm_card_visa"}, ""))

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(ctx)
		done <- err
	}()

	<-entered
	require.Equal(t, StateSubmitting, w.State())
	require.ErrorIs(t, w.Cancel(), ErrCancelNotAllowed)
	close(release)

	require.NoError(t, <-done)
	require.Equal(t, StateDone, w.State())
}

func TestCancelBeforeSubmitHasNoSideEffects(t *testing.T) {
	h := newHarness(t, money.FromMajor(300), activeAccount())
	ctx := context.Background()
	w := h.workflow

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	require.NoError(t, w.Cancel())
	require.Equal(t, StateCancelled, w.State())

	_, err := w.Submit(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, w.Cancel(), ErrInvalidTransition)

	creates, _ := h.processor.calls()
	require.Zero(t, creates)
	require.Equal(t, models.InvoiceSent, h.invoice(t).Status)
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, money.FromMajor(100), activeAccount())
	ctx := context.Background()
	w := h.workflow

	_, err := w.Submit(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, w.SetAmount(money.FromMajor(1)), ErrInvalidTransition)
	require.ErrorIs(t, w.SelectMethod(ctx, models.MethodCash), ErrInvalidTransition)
	require.ErrorIs(t, w.Reset(), ErrInvalidTransition)

	require.NoError(t, w.SelectInvoice(ctx, "inv-1"))
	require.NoError(t, w.SelectMethod(ctx, models.MethodCash))
	require.ErrorIs(t, w.CaptureCard(models.CardDetails{PaymentMethodID: "pm"}, ""), ErrInvalidTransition)

	require.NoError(t, w.SelectMethod(ctx, models.MethodCard))
	_, err = w.Submit(ctx)
	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr), "submitting without card details is rejected")
	require.Equal(t, gateway.CodeInvalidRequest, gwErr.Code)
	require.Equal(t, StateCaptureCardDetails, w.State())
}

func TestSelectInvoiceRejections(t *testing.T) {
	h := newHarness(t, money.FromMajor(100), nil)
	ctx := context.Background()
	h.store.PutInvoice(&models.Invoice{ID: "inv-other", OwnerUserID: "owner-2", Currency: "USD", TotalAmount: 500, Status: models.InvoiceSent})
	h.store.PutInvoice(&models.Invoice{ID: "inv-paid", OwnerUserID: "owner-1", Currency: "USD", TotalAmount: 500, AmountPaid: 500, Status: models.InvoicePaid})
	w := h.workflow

	require.ErrorIs(t, w.SelectInvoice(ctx, "missing"), reconcile.ErrInvoiceNotFound)
	require.ErrorIs(t, w.SelectInvoice(ctx, "inv-other"), reconcile.ErrInvoiceNotFound)
	require.ErrorIs(t, w.SelectInvoice(ctx, "inv-paid"), ErrInvoiceNotPayable)
	require.Equal(t, StateSelectInvoice, w.State())

	invoices, err := w.ListInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, "inv-1", invoices[0].ID)
}

func TestTransitionTable(t *testing.T) {
	for _, s := range []State{StateSelectInvoice, StateSelectMethod, StateCaptureTraditionalDetails, StateCaptureCardDetails, StateSubmitting} {
		require.True(t, CanTransition(s, StateCancelled), "%s must be cancellable", s)
		require.False(t, s.Terminal())
	}
	for _, s := range []State{StateDone, StateCancelled, StateFailed} {
		require.True(t, s.Terminal())
		require.False(t, CanTransition(s, StateCancelled))
	}
	require.True(t, CanTransition(StateSubmitting, StateFailed))
	require.False(t, CanTransition(StateSelectMethod, StateFailed))
	require.False(t, CanTransition(StateSelectInvoice, StateSubmitting))
}
