package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"invoicing/api_collections/internal/store"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

func seeded() *Store {
	s := New()
	s.PutInvoice(&models.Invoice{ID: "inv-1", OwnerUserID: "owner-1", TotalAmount: money.FromMajor(100), Status: models.InvoiceSent})
	return s
}

func TestWithInvoiceLockSerializesWrites(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
				inv := tx.Invoice()
				if _, err := tx.InsertPayment(ctx, &models.Payment{Amount: 1, Method: models.MethodCash}); err != nil {
					return err
				}
				return tx.ApplyPayment(ctx, inv.AmountPaid+1, models.InvoicePartiallyPaid)
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	inv, _ := s.GetInvoice(ctx, "inv-1")
	if inv.AmountPaid != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", inv.AmountPaid)
	}
	payments, _ := s.ListPayments(ctx, "inv-1")
	if len(payments) != 50 {
		t.Fatalf("expected 50 payments, got %d", len(payments))
	}
}

func TestWithInvoiceLockDiscardsOnError(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
		if _, err := tx.InsertPayment(ctx, &models.Payment{Amount: 100, Method: models.MethodCard, ReferenceID: "pi_1"}); err != nil {
			return err
		}
		if err := tx.ApplyPayment(ctx, 100, models.InvoicePartiallyPaid); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	inv, _ := s.GetInvoice(ctx, "inv-1")
	if inv.AmountPaid != 0 || inv.Status != models.InvoiceSent {
		t.Fatalf("expected untouched invoice, got %+v", inv)
	}
	payments, _ := s.ListPayments(ctx, "inv-1")
	if len(payments) != 0 {
		t.Fatalf("expected no payments, got %d", len(payments))
	}
}

func TestInsertPaymentRejectsDuplicateCardReference(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	insert := func(method models.PaymentMethod, ref string) bool {
		var inserted bool
		err := s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
			var err error
			inserted, err = tx.InsertPayment(ctx, &models.Payment{Amount: 100, Method: method, ReferenceID: ref})
			return err
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return inserted
	}

	if !insert(models.MethodCard, "pi_1") {
		t.Fatal("first card payment should insert")
	}
	if insert(models.MethodCard, "pi_1") {
		t.Fatal("second card payment with the same reference should be skipped")
	}
	if !insert(models.MethodCheck, "1001") || !insert(models.MethodCheck, "1001") {
		t.Fatal("non-card payments are not deduplicated by reference")
	}

	_ = s.WithInvoiceLock(ctx, "inv-1", func(tx store.PaymentTx) error {
		p, err := tx.FindCardPayment(ctx, "pi_1")
		if err != nil || p.Amount != 100 {
			t.Fatalf("expected recorded card payment, got %v %v", p, err)
		}
		return nil
	})
}

func TestWithInvoiceLockMissingInvoice(t *testing.T) {
	err := New().WithInvoiceLock(context.Background(), "nope", func(store.PaymentTx) error {
		t.Fatal("callback must not run")
		return nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListUnpaidInvoicesFiltersAndOrders(t *testing.T) {
	s := New()
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.AddDate(0, 1, 0)
	s.PutInvoice(&models.Invoice{ID: "late", OwnerUserID: "o", TotalAmount: 100, Status: models.InvoiceSent, DueDate: &late})
	s.PutInvoice(&models.Invoice{ID: "early", OwnerUserID: "o", TotalAmount: 100, AmountPaid: 50, Status: models.InvoicePartiallyPaid, DueDate: &early})
	s.PutInvoice(&models.Invoice{ID: "nodue", OwnerUserID: "o", TotalAmount: 100, Status: models.InvoiceOverdue})
	s.PutInvoice(&models.Invoice{ID: "paid", OwnerUserID: "o", TotalAmount: 100, AmountPaid: 100, Status: models.InvoicePaid})
	s.PutInvoice(&models.Invoice{ID: "void", OwnerUserID: "o", TotalAmount: 100, Status: models.InvoiceVoid})
	s.PutInvoice(&models.Invoice{ID: "draft", OwnerUserID: "o", TotalAmount: 100, Status: models.InvoiceDraft})
	s.PutInvoice(&models.Invoice{ID: "other", OwnerUserID: "x", TotalAmount: 100, Status: models.InvoiceSent})

	got, err := s.ListUnpaidInvoices(context.Background(), "o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"early", "late", "nodue"}
	if len(got) != len(want) {
		t.Fatalf("expected %d invoices, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	all, _ := s.ListUnpaidInvoices(context.Background(), "")
	if len(all) != 4 {
		t.Fatalf("expected 4 invoices across owners, got %d", len(all))
	}
}

func TestConnectedAccounts(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetConnectedAccount(ctx, "owner-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	processorID := "acct_1"
	account := &models.ConnectedAccount{OwnerUserID: "owner-1", ProcessorAccountID: &processorID, OnboardingStatus: models.OnboardingPending}
	if err := s.UpsertConnectedAccount(ctx, account); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstID := account.ID

	account.OnboardingStatus = models.OnboardingActive
	account.ID = ""
	if err := s.UpsertConnectedAccount(ctx, account); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.ID != firstID {
		t.Fatalf("upsert must keep the id, got %s want %s", account.ID, firstID)
	}

	got, err := s.GetConnectedAccountByProcessorID(ctx, "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OnboardingStatus != models.OnboardingActive {
		t.Fatalf("expected active, got %s", got.OnboardingStatus)
	}
}

func TestWebhookEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	if ok, _ := s.IsWebhookProcessed(ctx, "stripe", "evt_1"); ok {
		t.Fatal("expected unprocessed")
	}
	_ = s.MarkWebhookProcessed(ctx, "stripe", "evt_1", "payment_intent.succeeded")
	if ok, _ := s.IsWebhookProcessed(ctx, "stripe", "evt_1"); !ok {
		t.Fatal("expected processed")
	}
}

func TestListConnectedAccountsByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, status := range []models.OnboardingStatus{models.OnboardingPending, models.OnboardingActive, models.OnboardingIncomplete, models.OnboardingPending} {
		id := "acct_" + string(rune('a'+i))
		account := &models.ConnectedAccount{OwnerUserID: "owner-" + string(rune('a'+i)), ProcessorAccountID: &id, OnboardingStatus: status}
		if err := s.UpsertConnectedAccount(ctx, account); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.UpsertConnectedAccount(ctx, &models.ConnectedAccount{OwnerUserID: "owner-z", OnboardingStatus: models.OnboardingPending}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.ListConnectedAccountsByStatus(ctx, 0, models.OnboardingPending, models.OnboardingIncomplete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 accounts awaiting onboarding, got %d", len(got))
	}
	for _, a := range got {
		if a.ProcessorAccountID == nil || a.OnboardingStatus == models.OnboardingActive {
			t.Fatalf("unexpected account %+v", a)
		}
	}

	limited, err := s.ListConnectedAccountsByStatus(ctx, 2, models.OnboardingPending, models.OnboardingIncomplete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}
