// Package memory is an in-process store used for local runs and tests.
// Writes are serialized per invoice; different invoices proceed in parallel.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"invoicing/api_collections/internal/store"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

type cardKey struct {
	invoiceID   string
	referenceID string
}

type webhookKey struct {
	provider string
	eventID  string
}

// Store keeps everything in maps. Returned values are copies.
type Store struct {
	mu       sync.RWMutex
	invoices map[string]*models.Invoice
	payments map[string][]*models.Payment
	cards    map[cardKey]*models.Payment
	accounts map[string]*models.ConnectedAccount
	webhooks map[webhookKey]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		invoices: make(map[string]*models.Invoice),
		payments: make(map[string][]*models.Payment),
		cards:    make(map[cardKey]*models.Payment),
		accounts: make(map[string]*models.ConnectedAccount),
		webhooks: make(map[webhookKey]string),
		locks:    make(map[string]*sync.Mutex),
	}
}

// PutInvoice seeds or replaces an invoice.
func (s *Store) PutInvoice(inv *models.Invoice) {
	cp := *inv
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.mu.Lock()
	s.invoices[cp.ID] = &cp
	s.mu.Unlock()
}

func (s *Store) invoiceLock(invoiceID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[invoiceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[invoiceID] = l
	}
	return l
}

// GetInvoice returns a copy of the invoice.
func (s *Store) GetInvoice(_ context.Context, invoiceID string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

// ListUnpaidInvoices mirrors the Postgres filter and ordering.
func (s *Store) ListUnpaidInvoices(_ context.Context, ownerUserID string) ([]*models.Invoice, error) {
	s.mu.RLock()
	var out []*models.Invoice
	for _, inv := range s.invoices {
		if ownerUserID != "" && inv.OwnerUserID != ownerUserID {
			continue
		}
		switch inv.Status {
		case models.InvoicePaid, models.InvoiceVoid, models.InvoiceDraft:
			continue
		}
		if inv.AmountPaid >= inv.TotalAmount {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// ListPayments returns copies of an invoice's payments in insertion order.
func (s *Store) ListPayments(_ context.Context, invoiceID string) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Payment, 0, len(s.payments[invoiceID]))
	for _, p := range s.payments[invoiceID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// WithInvoiceLock takes the invoice's mutex, runs fn against a private copy and
// publishes the buffered writes only when fn succeeds.
func (s *Store) WithInvoiceLock(ctx context.Context, invoiceID string, fn func(tx store.PaymentTx) error) error {
	l := s.invoiceLock(invoiceID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	inv, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	tx := &paymentTx{store: s, invoice: inv}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type paymentTx struct {
	store   *Store
	invoice *models.Invoice
	pending []*models.Payment
	applied bool
	paid    money.Amount
	status  models.InvoiceStatus
}

func (t *paymentTx) Invoice() *models.Invoice {
	return t.invoice
}

func (t *paymentTx) FindCardPayment(_ context.Context, referenceID string) (*models.Payment, error) {
	key := cardKey{invoiceID: t.invoice.ID, referenceID: referenceID}
	for _, p := range t.pending {
		if p.Method.IsCard() && p.ReferenceID == referenceID {
			cp := *p
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.cards[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *paymentTx) InsertPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	if payment.Method.IsCard() {
		if _, err := t.FindCardPayment(ctx, payment.ReferenceID); err == nil {
			return false, nil
		}
	}
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.RecordedAt.IsZero() {
		payment.RecordedAt = time.Now().UTC()
	}
	payment.InvoiceID = t.invoice.ID
	cp := *payment
	t.pending = append(t.pending, &cp)
	return true, nil
}

func (t *paymentTx) ApplyPayment(_ context.Context, amountPaid money.Amount, status models.InvoiceStatus) error {
	t.applied = true
	t.paid = amountPaid
	t.status = status
	t.invoice.AmountPaid = amountPaid
	t.invoice.Status = status
	return nil
}

func (t *paymentTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range t.pending {
		s.payments[p.InvoiceID] = append(s.payments[p.InvoiceID], p)
		if p.Method.IsCard() {
			s.cards[cardKey{invoiceID: p.InvoiceID, referenceID: p.ReferenceID}] = p
		}
	}
	if t.applied {
		if inv, ok := s.invoices[t.invoice.ID]; ok {
			inv.AmountPaid = t.paid
			inv.Status = t.status
			inv.UpdatedAt = time.Now().UTC()
		}
	}
}

// GetConnectedAccount returns a copy of the owner's account.
func (s *Store) GetConnectedAccount(_ context.Context, ownerUserID string) (*models.ConnectedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[ownerUserID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAccount(a), nil
}

// GetConnectedAccountByProcessorID scans accounts for the processor id.
func (s *Store) GetConnectedAccountByProcessorID(_ context.Context, processorAccountID string) (*models.ConnectedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ProcessorID() == processorAccountID {
			return copyAccount(a), nil
		}
	}
	return nil, store.ErrNotFound
}

// UpsertConnectedAccount stores the account keyed by owner.
func (s *Store) UpsertConnectedAccount(_ context.Context, account *models.ConnectedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.accounts[account.OwnerUserID]; ok {
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	} else {
		if account.ID == "" {
			account.ID = uuid.New().String()
		}
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.accounts[account.OwnerUserID] = copyAccount(account)
	return nil
}

// ListConnectedAccountsByStatus returns matching accounts, least recently updated first.
func (s *Store) ListConnectedAccountsByStatus(_ context.Context, limit int, statuses ...models.OnboardingStatus) ([]*models.ConnectedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConnectedAccount
	for _, a := range s.accounts {
		if a.ProcessorAccountID == nil {
			continue
		}
		for _, st := range statuses {
			if a.OnboardingStatus == st {
				out = append(out, copyAccount(a))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].OwnerUserID < out[j].OwnerUserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyAccount(a *models.ConnectedAccount) *models.ConnectedAccount {
	cp := *a
	if a.ProcessorAccountID != nil {
		id := *a.ProcessorAccountID
		cp.ProcessorAccountID = &id
	}
	if a.FeeRateBps != nil {
		bps := *a.FeeRateBps
		cp.FeeRateBps = &bps
	}
	return &cp
}

// IsWebhookProcessed reports whether the event was marked.
func (s *Store) IsWebhookProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.webhooks[webhookKey{provider: provider, eventID: eventID}]
	return ok, nil
}

// MarkWebhookProcessed records the event.
func (s *Store) MarkWebhookProcessed(_ context.Context, provider, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := webhookKey{provider: provider, eventID: eventID}
	if _, ok := s.webhooks[key]; !ok {
		s.webhooks[key] = eventType
	}
	return nil
}
