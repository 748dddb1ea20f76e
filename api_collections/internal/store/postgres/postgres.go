// Package postgres implements the collections store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"invoicing/api_collections/internal/store"
	"invoicing/pkg/database"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

const invoiceColumns = `id, number, owner_user_id, client_email, currency, total_cents, amount_paid_cents,
	status, due_date, created_at, updated_at`

const paymentColumns = `id, invoice_id, amount_cents, method, reference_id, notes, source, recorded_at`

const accountColumns = `id, owner_user_id, processor_account_id, onboarding_status, fee_rate_bps, created_at, updated_at`

// Store is the Postgres-backed store.Store.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an open connection.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var inv models.Invoice
	var total, paid int64
	var due sql.NullTime
	if err := row.Scan(&inv.ID, &inv.Number, &inv.OwnerUserID, &inv.ClientEmail, &inv.Currency,
		&total, &paid, &inv.Status, &due, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.TotalAmount = money.FromMinor(total)
	inv.AmountPaid = money.FromMinor(paid)
	if due.Valid {
		t := due.Time
		inv.DueDate = &t
	}
	return &inv, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var amount int64
	if err := row.Scan(&p.ID, &p.InvoiceID, &amount, &p.Method, &p.ReferenceID, &p.Notes, &p.Source, &p.RecordedAt); err != nil {
		return nil, err
	}
	p.Amount = money.FromMinor(amount)
	return &p, nil
}

func scanAccount(row rowScanner) (*models.ConnectedAccount, error) {
	var a models.ConnectedAccount
	var processorID sql.NullString
	var feeRate sql.NullInt64
	if err := row.Scan(&a.ID, &a.OwnerUserID, &processorID, &a.OnboardingStatus, &feeRate, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if processorID.Valid {
		id := processorID.String
		a.ProcessorAccountID = &id
	}
	if feeRate.Valid {
		bps := int(feeRate.Int64)
		a.FeeRateBps = &bps
	}
	return &a, nil
}

// GetInvoice reads an invoice without locking it.
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM collections.invoices WHERE id = $1`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	return inv, nil
}

// ListUnpaidInvoices lists payable invoices, earliest due first.
func (s *Store) ListUnpaidInvoices(ctx context.Context, ownerUserID string) ([]*models.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM collections.invoices
		WHERE status NOT IN ('paid', 'void', 'draft')
		  AND amount_paid_cents < total_cents
		  AND ($1 = '' OR owner_user_id = $1)
		ORDER BY due_date ASC NULLS LAST, created_at ASC
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid invoices: %w", err)
	}
	defer rows.Close()

	var out []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invoices: %w", err)
	}
	return out, nil
}

// ListPayments returns the payments recorded against an invoice.
func (s *Store) ListPayments(ctx context.Context, invoiceID string) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM collections.payments
		WHERE invoice_id = $1
		ORDER BY recorded_at ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return out, nil
}

// WithInvoiceLock holds SELECT ... FOR UPDATE on the invoice row for the duration of fn.
func (s *Store) WithInvoiceLock(ctx context.Context, invoiceID string, fn func(tx store.PaymentTx) error) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		inv, err := scanInvoice(tx.QueryRowContext(ctx,
			`SELECT `+invoiceColumns+` FROM collections.invoices WHERE id = $1 FOR UPDATE`, invoiceID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock invoice: %w", err)
		}
		return fn(&paymentTx{tx: tx, invoice: inv})
	})
}

type paymentTx struct {
	tx      *sql.Tx
	invoice *models.Invoice
}

func (p *paymentTx) Invoice() *models.Invoice {
	return p.invoice
}

func (p *paymentTx) FindCardPayment(ctx context.Context, referenceID string) (*models.Payment, error) {
	payment, err := scanPayment(p.tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM collections.payments
		WHERE invoice_id = $1 AND reference_id = $2 AND method = 'card'
	`, p.invoice.ID, referenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up card payment: %w", err)
	}
	return payment, nil
}

func (p *paymentTx) InsertPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	id := payment.ID
	if id == "" {
		id = uuid.New().String()
	}
	recordedAt := payment.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	res, err := p.tx.ExecContext(ctx, `
		INSERT INTO collections.payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (invoice_id, reference_id) WHERE method = 'card' DO NOTHING
	`, id, p.invoice.ID, payment.Amount.MinorUnits(), payment.Method, payment.ReferenceID,
		payment.Notes, payment.Source, recordedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	payment.ID = id
	payment.InvoiceID = p.invoice.ID
	payment.RecordedAt = recordedAt
	return true, nil
}

func (p *paymentTx) ApplyPayment(ctx context.Context, amountPaid money.Amount, status models.InvoiceStatus) error {
	_, err := p.tx.ExecContext(ctx, `
		UPDATE collections.invoices
		SET amount_paid_cents = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`, amountPaid.MinorUnits(), status, p.invoice.ID)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	p.invoice.AmountPaid = amountPaid
	p.invoice.Status = status
	return nil
}

// GetConnectedAccount returns the account owned by ownerUserID.
func (s *Store) GetConnectedAccount(ctx context.Context, ownerUserID string) (*models.ConnectedAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM collections.connected_accounts WHERE owner_user_id = $1`, ownerUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connected account: %w", err)
	}
	return a, nil
}

// GetConnectedAccountByProcessorID resolves an account from the processor's id.
func (s *Store) GetConnectedAccountByProcessorID(ctx context.Context, processorAccountID string) (*models.ConnectedAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM collections.connected_accounts WHERE processor_account_id = $1`, processorAccountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connected account: %w", err)
	}
	return a, nil
}

// ListConnectedAccountsByStatus returns accounts awaiting onboarding, least recently updated first.
func (s *Store) ListConnectedAccountsByStatus(ctx context.Context, limit int, statuses ...models.OnboardingStatus) ([]*models.ConnectedAccount, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM collections.connected_accounts
		WHERE processor_account_id IS NOT NULL AND onboarding_status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.ConnectedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connected account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpsertConnectedAccount writes the account keyed by owner.
func (s *Store) UpsertConnectedAccount(ctx context.Context, account *models.ConnectedAccount) error {
	id := account.ID
	if id == "" {
		id = uuid.New().String()
	}
	var processorID sql.NullString
	if account.ProcessorAccountID != nil {
		processorID = sql.NullString{String: *account.ProcessorAccountID, Valid: true}
	}
	var feeRate sql.NullInt64
	if account.FeeRateBps != nil {
		feeRate = sql.NullInt64{Int64: int64(*account.FeeRateBps), Valid: true}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO collections.connected_accounts (id, owner_user_id, processor_account_id, onboarding_status, fee_rate_bps)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_user_id) DO UPDATE SET
			processor_account_id = EXCLUDED.processor_account_id,
			onboarding_status = EXCLUDED.onboarding_status,
			fee_rate_bps = EXCLUDED.fee_rate_bps,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, id, account.OwnerUserID, processorID, account.OnboardingStatus, feeRate).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connected account: %w", err)
	}
	return nil
}

// IsWebhookProcessed reports whether the event was already handled.
func (s *Store) IsWebhookProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM collections.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// MarkWebhookProcessed records the event. Marking twice is a no-op.
func (s *Store) MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}
