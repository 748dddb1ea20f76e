package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"invoicing/api_collections/internal/store"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

var invoiceCols = []string{"id", "number", "owner_user_id", "client_email", "currency", "total_cents",
	"amount_paid_cents", "status", "due_date", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return New(mockDB, logging.NewLogger()), mock
}

func invoiceRow(id string, total, paid int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(invoiceCols).
		AddRow(id, "INV-0001", "owner-1", "client@example.com", "USD", total, paid, status, nil, now, now)
}

func TestWithInvoiceLock_InsertsAndApplies(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM collections.invoices WHERE id = \$1 FOR UPDATE`).
		WithArgs("inv-1").
		WillReturnRows(invoiceRow("inv-1", 30000, 0, "sent"))
	mock.ExpectExec("INSERT INTO collections.payments").
		WithArgs(sqlmock.AnyArg(), "inv-1", int64(30000), models.MethodCard, "pi_123", "", models.SourceWorkflow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE collections.invoices").
		WithArgs(int64(30000), models.InvoicePaid, "inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment := &models.Payment{
		Amount:      money.FromMajor(300),
		Method:      models.MethodCard,
		ReferenceID: "pi_123",
		Source:      models.SourceWorkflow,
	}
	err := s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
		if tx.Invoice().TotalAmount != money.FromMajor(300) {
			t.Fatalf("expected locked invoice total 300.00, got %s", tx.Invoice().TotalAmount)
		}
		inserted, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		if !inserted {
			t.Fatal("expected payment to be inserted")
		}
		return tx.ApplyPayment(ctx, money.FromMajor(300), models.InvoicePaid)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.ID == "" || payment.InvoiceID != "inv-1" || payment.RecordedAt.IsZero() {
		t.Fatalf("expected inserted payment to be populated, got %+v", payment)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithInvoiceLock_ConflictReportsNotInserted(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("inv-1").
		WillReturnRows(invoiceRow("inv-1", 30000, 30000, "paid"))
	mock.ExpectExec("INSERT INTO collections.payments.*ON CONFLICT").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
		inserted, err := tx.InsertPayment(ctx, &models.Payment{
			Amount: 100, Method: models.MethodCard, ReferenceID: "pi_123",
		})
		if err != nil {
			return err
		}
		if inserted {
			t.Fatal("expected conflicting insert to be skipped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithInvoiceLock_MissingInvoiceRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(invoiceCols))
	mock.ExpectRollback()

	called := false
	err := s.WithInvoiceLock(context.Background(), "missing", func(store.PaymentTx) error {
		called = true
		return nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if called {
		t.Fatal("callback must not run for a missing invoice")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithInvoiceLock_CallbackErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("inv-1").
		WillReturnRows(invoiceRow("inv-1", 100, 0, "sent"))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.WithInvoiceLock(context.Background(), "inv-1", func(store.PaymentTx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindCardPayment(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	recorded := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("inv-1").
		WillReturnRows(invoiceRow("inv-1", 30000, 30000, "paid"))
	mock.ExpectQuery(`FROM collections.payments WHERE invoice_id = \$1 AND reference_id = \$2 AND method = 'card'`).
		WithArgs("inv-1", "pi_123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "invoice_id", "amount_cents", "method", "reference_id", "notes", "source", "recorded_at"}).
			AddRow("pay-1", "inv-1", int64(30000), "card", "pi_123", "", "webhook", recorded))
	mock.ExpectQuery(`FROM collections.payments WHERE invoice_id`).
		WithArgs("inv-1", "pi_other").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
		p, err := tx.FindCardPayment(ctx, "pi_123")
		if err != nil {
			return err
		}
		if p.ID != "pay-1" || p.Amount != money.FromMajor(300) || p.Source != models.SourceWebhook {
			t.Fatalf("unexpected payment %+v", p)
		}
		if _, err := tx.FindCardPayment(ctx, "pi_other"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListUnpaidInvoices(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows(invoiceCols).
		AddRow("inv-1", "INV-1", "owner-1", "a@example.com", "USD", int64(10000), int64(0), "sent", now, now, now).
		AddRow("inv-2", "INV-2", "owner-1", "b@example.com", "USD", int64(5000), int64(2500), "partially_paid", nil, now, now)
	mock.ExpectQuery(`status NOT IN \('paid', 'void', 'draft'\)`).
		WithArgs("owner-1").
		WillReturnRows(rows)

	invoices, err := s.ListUnpaidInvoices(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoices) != 2 {
		t.Fatalf("expected 2 invoices, got %d", len(invoices))
	}
	if invoices[0].DueDate == nil || invoices[1].DueDate != nil {
		t.Fatalf("expected due date only on first invoice")
	}
	if invoices[1].AmountPaid != money.FromMinor(2500) {
		t.Fatalf("expected amount paid 25.00, got %s", invoices[1].AmountPaid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertConnectedAccount(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO collections.connected_accounts.*ON CONFLICT \(owner_user_id\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), "owner-1", "acct_1", models.OnboardingPending, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("acc-1", now, now))

	processorID := "acct_1"
	account := &models.ConnectedAccount{
		OwnerUserID:        "owner-1",
		ProcessorAccountID: &processorID,
		OnboardingStatus:   models.OnboardingPending,
	}
	if err := s.UpsertConnectedAccount(context.Background(), account); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.ID != "acc-1" {
		t.Fatalf("expected id from RETURNING, got %q", account.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetConnectedAccount(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`FROM collections.connected_accounts WHERE owner_user_id = \$1`).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_user_id", "processor_account_id", "onboarding_status", "fee_rate_bps", "created_at", "updated_at"}).
			AddRow("acc-1", "owner-1", "acct_1", "active", int64(150), now, now))
	mock.ExpectQuery(`FROM collections.connected_accounts WHERE owner_user_id = \$1`).
		WithArgs("owner-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	account, err := s.GetConnectedAccount(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.ProcessorID() != "acct_1" || account.FeeRateBps == nil || *account.FeeRateBps != 150 {
		t.Fatalf("unexpected account %+v", account)
	}
	if _, err := s.GetConnectedAccount(context.Background(), "owner-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookEvents(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("stripe", "evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO collections.webhook_events`).
		WithArgs("stripe", "evt_1", "payment_intent.succeeded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	processed, err := s.IsWebhookProcessed(ctx, "stripe", "evt_1")
	if err != nil || processed {
		t.Fatalf("expected unprocessed event, got %v %v", processed, err)
	}
	if err := s.MarkWebhookProcessed(ctx, "stripe", "evt_1", "payment_intent.succeeded"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListConnectedAccountsByStatus(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`WHERE processor_account_id IS NOT NULL AND onboarding_status = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_user_id", "processor_account_id", "onboarding_status", "fee_rate_bps", "created_at", "updated_at"}).
			AddRow("acc-1", "owner-1", "acct_1", "pending", nil, now, now).
			AddRow("acc-2", "owner-2", "acct_2", "incomplete", nil, now, now))

	accounts, err := s.ListConnectedAccountsByStatus(context.Background(), 50, models.OnboardingPending, models.OnboardingIncomplete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 2 || accounts[1].ProcessorID() != "acct_2" || accounts[1].OnboardingStatus != models.OnboardingIncomplete {
		t.Fatalf("unexpected accounts %+v", accounts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	none, err := s.ListConnectedAccountsByStatus(context.Background(), 50)
	if err != nil || none != nil {
		t.Fatalf("expected no query without statuses, got %v %v", none, err)
	}
}
