// Package gateway creates and confirms card payments with the split-payment processor.
//
// The gateway holds no state: it performs the processor calls and reports typed
// errors. Committing a successful payment is the reconciler's job.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"invoicing/api_collections/internal/connect"
	"invoicing/api_collections/internal/feesplit"
	"invoicing/pkg/clients"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// Metadata keys attached to every processor intent. The webhook path reads them back.
const (
	MetadataInvoiceID   = "invoice_id"
	MetadataOwnerUserID = "owner_user_id"
	MetadataAttemptID   = "attempt_id"
)

// DefaultTimeout bounds a single processor call.
const DefaultTimeout = 15 * time.Second

// idempotencyNamespace scopes the uuid v5 keys sent to the processor.
var idempotencyNamespace = uuid.MustParse("6f1c1f0e-8a4b-5d3c-9e7f-2b1a0c9d8e7f")

// IntentRequest is what the processor needs to create a destination charge.
type IntentRequest struct {
	InvoiceID            string
	Amount               money.Amount
	Currency             string
	ApplicationFee       money.Amount
	DestinationAccountID string
	ReceiptEmail         string
	Metadata             map[string]string
	IdempotencyKey       string
}

// ProcessorIntent is the processor's reply for create and confirm calls.
type ProcessorIntent struct {
	ID           string
	ClientSecret string
	Status       models.IntentStatus
	// FailureMessage is set when Status is failed.
	FailureMessage string
}

// Processor performs the raw processor calls. Implementations return *Error for
// classified failures; anything else is treated as a network error.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (ProcessorIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID string, card models.CardDetails, idempotencyKey string) (ProcessorIntent, error)
}

// Config tunes the gateway.
type Config struct {
	Timeout  time.Duration
	Currency string
}

// Gateway is the PaymentIntentGateway.
type Gateway struct {
	processor Processor
	fees      *feesplit.Calculator
	exec      *clients.Executor
	timeout   time.Duration
	currency  string
	metrics   *Metrics
	logger    logging.Logger
}

// New creates a gateway. exec and metrics may be nil.
func New(cfg Config, processor Processor, fees *feesplit.Calculator, exec *clients.Executor, metrics *Metrics, logger logging.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if exec == nil {
		exec = clients.NewExecutor(clients.RetryConfig{MaxRetries: 0}, nil)
	}
	if fees == nil {
		fees = feesplit.NewCalculator(nil)
	}
	return &Gateway{
		processor: processor,
		fees:      fees,
		exec:      exec,
		timeout:   cfg.Timeout,
		currency:  cfg.Currency,
		metrics:   metrics,
		logger:    logger,
	}
}

// NewExecutor builds the retry policy and circuit breaker used around processor calls.
// Only network errors are retried or count against the breaker.
func NewExecutor(logger logging.Logger, breakerMetrics *clients.BreakerMetrics) *clients.Executor {
	retry := clients.DefaultRetryConfig()
	retry.ShouldRetry = Retryable

	breakerCfg := clients.DefaultCircuitBreakerConfig()
	breakerCfg.Name = "payment-processor"
	breakerCfg.ShouldTrip = Retryable
	breakerCfg.Logger = logger
	if breakerMetrics != nil {
		breakerCfg.OnStateChange = breakerMetrics.Record
	}
	return clients.NewExecutor(retry, clients.NewCircuitBreaker(breakerCfg))
}

// CreateIntentParams identifies one card payment attempt.
type CreateIntentParams struct {
	Invoice     *models.Invoice
	Account     *models.ConnectedAccount
	Amount      money.Amount
	ClientEmail string
	// AttemptID distinguishes separate attempts for the same invoice and amount and is part of
	// the idempotency key, so transport retries inside one CreateIntent call reuse it.
	// Empty means a fresh attempt.
	AttemptID string
}

// CreateIntent asks the processor for a destination charge to the payee's connected account
// with the platform fee as the application fee.
func (g *Gateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*models.PaymentIntent, error) {
	if !connect.CanAcceptCardPayments(p.Account) {
		return nil, &Error{Code: CodeAccountNotReady}
	}
	if p.Invoice == nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invoice is required"}
	}
	if !p.Amount.IsPositive() {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("amount %s must be greater than zero", p.Amount)}
	}

	split, err := g.fees.Split(p.Amount, p.Account)
	if err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Err: err}
	}

	attemptID := p.AttemptID
	if attemptID == "" {
		attemptID = uuid.New().String()
	}
	currency := p.Invoice.Currency
	if currency == "" {
		currency = g.currency
	}

	req := IntentRequest{
		InvoiceID:            p.Invoice.ID,
		Amount:               p.Amount,
		Currency:             currency,
		ApplicationFee:       split.PlatformFee,
		DestinationAccountID: p.Account.ProcessorID(),
		ReceiptEmail:         p.ClientEmail,
		Metadata: map[string]string{
			MetadataInvoiceID:   p.Invoice.ID,
			MetadataOwnerUserID: p.Invoice.OwnerUserID,
			MetadataAttemptID:   attemptID,
		},
		IdempotencyKey: IdempotencyKey("create", p.Invoice.ID, strconv.FormatInt(p.Amount.MinorUnits(), 10), attemptID),
	}

	var out ProcessorIntent
	start := time.Now()
	err = g.exec.Run(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		out, err = g.processor.CreatePaymentIntent(callCtx, req)
		return err
	})
	g.metrics.observe("create_intent", start, err)
	if err != nil {
		gwErr := Classify(err)
		fields := logging.PaymentFields(p.Invoice.ID, string(models.MethodCard), "")
		fields["amount"] = p.Amount.String()
		fields["code"] = gwErr.Code
		g.logger.WithFields(fields).WithError(err).Warn("Failed to create payment intent")
		return nil, gwErr
	}

	g.logger.WithFields(logging.Fields{
		"invoice_id":   p.Invoice.ID,
		"intent_id":    out.ID,
		"amount":       p.Amount.String(),
		"platform_fee": split.PlatformFee.String(),
	}).Info("Created payment intent")

	return &models.PaymentIntent{
		ID:           out.ID,
		InvoiceID:    p.Invoice.ID,
		Currency:     currency,
		GrossAmount:  split.Gross,
		PayeeNet:     split.PayeeNet,
		PlatformFee:  split.PlatformFee,
		ClientSecret: out.ClientSecret,
		Status:       models.IntentRequiresConfirmation,
	}, nil
}

// Confirm charges the tokenized card against the intent. It is called once and never retried:
// if the outcome is unknown the webhook path decides.
func (g *Gateway) Confirm(ctx context.Context, intent *models.PaymentIntent, card models.CardDetails) (*models.PaymentIntent, error) {
	if intent == nil || intent.ID == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "payment intent is required"}
	}
	if card.PaymentMethodID == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "card details are required"}
	}

	var out ProcessorIntent
	start := time.Now()
	err := g.exec.Once(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		out, err = g.processor.ConfirmPaymentIntent(callCtx, intent.ID, card, IdempotencyKey("confirm", intent.ID, card.PaymentMethodID))
		return err
	})
	if err == nil {
		err = statusError(out)
	}
	g.metrics.observe("confirm_intent", start, err)

	fields := logging.Fields{
		"invoice_id": intent.InvoiceID,
		"intent_id":  intent.ID,
	}
	if err != nil {
		gwErr := Classify(err)
		fields["code"] = gwErr.Code
		g.logger.WithFields(fields).WithError(err).Warn("Payment confirmation failed")
		return nil, gwErr
	}

	confirmed := *intent
	confirmed.Status = models.IntentSucceeded
	g.logger.WithFields(fields).Info("Payment confirmed")
	return &confirmed, nil
}

// statusError turns a non-succeeded confirm reply into an error.
func statusError(out ProcessorIntent) error {
	switch out.Status {
	case models.IntentSucceeded:
		return nil
	case models.IntentRequiresConfirmation:
		return &Error{Code: CodeAuthenticationRequired, Message: out.FailureMessage}
	default:
		return &Error{Code: CodeCardDeclined, Message: out.FailureMessage}
	}
}

// IdempotencyKey derives a stable key from its parts.
func IdempotencyKey(parts ...string) string {
	var b []byte
	for i, p := range parts {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, p...)
	}
	return uuid.NewSHA1(idempotencyNamespace, b).String()
}
