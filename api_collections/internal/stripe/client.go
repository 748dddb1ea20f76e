package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/accountlink"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"invoicing/api_collections/internal/connect"
	"invoicing/api_collections/internal/gateway"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// Client wraps the Stripe API calls used for Connect destination charges.
type Client struct {
	webhookSecret string
	logger        logging.Logger
}

var (
	_ gateway.Processor = (*Client)(nil)
	_ connect.Processor = (*Client)(nil)
)

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	// HTTPClient replaces the library's default client. Library-level retries are
	// disabled because the gateway's executor owns retrying.
	HTTPClient *http.Client
	// BackendURL points the API backend elsewhere, e.g. a stripe-mock instance. Empty keeps the default.
	BackendURL string
	Logger     logging.Logger
}

// NewClient configures the global stripe-go key and backend.
func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.HTTPClient != nil || cfg.BackendURL != "" {
		backendCfg := &stripe.BackendConfig{
			HTTPClient:        cfg.HTTPClient,
			MaxNetworkRetries: stripe.Int64(0),
		}
		if cfg.BackendURL != "" {
			backendCfg.URL = stripe.String(cfg.BackendURL)
		}
		stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg))
	}
	return &Client{
		webhookSecret: cfg.WebhookSecret,
		logger:        cfg.Logger,
	}
}

// CreatePaymentIntent creates a card PaymentIntent routed to the connected account.
func (c *Client) CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (gateway.ProcessorIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.Amount.MinorUnits()),
		Currency:             stripe.String(money.ProcessorCurrency(req.Currency)),
		PaymentMethodTypes:   stripe.StringSlice([]string{"card"}),
		ApplicationFeeAmount: stripe.Int64(req.ApplicationFee.MinorUnits()),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccountID),
		},
		Metadata: req.Metadata,
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return gateway.ProcessorIntent{}, ClassifyError(err)
	}

	c.logger.WithFields(logging.Fields{
		"payment_intent_id": pi.ID,
		"invoice_id":        req.InvoiceID,
		"destination":       req.DestinationAccountID,
	}).Debug("Created Stripe payment intent")

	return toProcessorIntent(pi), nil
}

// ConfirmPaymentIntent confirms the intent with a tokenized payment method.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, intentID string, card models.CardDetails, idempotencyKey string) (gateway.ProcessorIntent, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(card.PaymentMethodID),
	}
	if card.ReturnURL != "" {
		params.ReturnURL = stripe.String(card.ReturnURL)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.Confirm(intentID, params)
	if err != nil {
		return gateway.ProcessorIntent{}, ClassifyError(err)
	}
	return toProcessorIntent(pi), nil
}

// CreateAccount creates an Express connected account for the payee. The idempotency key is
// derived from the owner so a repeated setup returns the same account.
func (c *Client) CreateAccount(ctx context.Context, ownerUserID, email string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		Metadata: map[string]string{
			gateway.MetadataOwnerUserID: ownerUserID,
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(gateway.IdempotencyKey("connect-account", ownerUserID))

	acct, err := account.New(params)
	if err != nil {
		return "", ClassifyError(err)
	}

	c.logger.WithFields(logging.Fields{
		"owner_user_id": ownerUserID,
		"account_id":    acct.ID,
	}).Info("Created Stripe connected account")
	return acct.ID, nil
}

// GetAccountStatus reads the onboarding flags of a connected account.
func (c *Client) GetAccountStatus(ctx context.Context, processorAccountID string) (connect.AccountStatus, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := account.GetByID(processorAccountID, params)
	if err != nil {
		return connect.AccountStatus{}, ClassifyError(err)
	}
	return AccountStatus(acct), nil
}

// CreateAccountLink creates a hosted onboarding link.
func (c *Client) CreateAccountLink(ctx context.Context, processorAccountID, returnURL, refreshURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(processorAccountID),
		ReturnURL:  stripe.String(returnURL),
		RefreshURL: stripe.String(refreshURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := accountlink.New(params)
	if err != nil {
		return "", ClassifyError(err)
	}
	return link.URL, nil
}

// VerifyWebhook verifies the Stripe-Signature header and parses the event.
func (c *Client) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	if c.webhookSecret == "" {
		return stripe.Event{}, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return event, nil
}

// ErrWebhookNotConfigured is returned when no signing secret is set.
var ErrWebhookNotConfigured = errors.New("stripe webhook secret not configured")

// AccountStatus extracts the onboarding flags.
func AccountStatus(acct *stripe.Account) connect.AccountStatus {
	return connect.AccountStatus{
		DetailsSubmitted: acct.DetailsSubmitted,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}
}

func toProcessorIntent(pi *stripe.PaymentIntent) gateway.ProcessorIntent {
	out := gateway.ProcessorIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       MapIntentStatus(pi.Status),
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}

// MapIntentStatus reduces Stripe's intent lifecycle to the three states the gateway reports.
// requires_action means the issuer wants 3DS and is reported as requires_confirmation.
func MapIntentStatus(status stripe.PaymentIntentStatus) models.IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.IntentSucceeded
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusProcessing:
		return models.IntentRequiresConfirmation
	default:
		return models.IntentFailed
	}
}

// Stripe error codes the gateway distinguishes.
const (
	codeCardDeclined           = "card_declined"
	codeAuthenticationRequired = "authentication_required"
	codeExpiredCard            = "expired_card"
	codeIncorrectCVC           = "incorrect_cvc"
)

// ClassifyError maps a stripe-go error onto the gateway taxonomy.
func ClassifyError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &gateway.Error{Code: gateway.CodeNetworkError, Err: err}
	}

	switch {
	case string(stripeErr.Code) == codeAuthenticationRequired:
		return &gateway.Error{Code: gateway.CodeAuthenticationRequired, Message: stripeErr.Msg, Err: err}
	case stripeErr.Type == stripe.ErrorTypeCard,
		string(stripeErr.Code) == codeCardDeclined,
		string(stripeErr.Code) == codeExpiredCard,
		string(stripeErr.Code) == codeIncorrectCVC:
		return &gateway.Error{
			Code:        gateway.CodeCardDeclined,
			Message:     stripeErr.Msg,
			DeclineCode: string(stripeErr.DeclineCode),
			Err:         err,
		}
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return &gateway.Error{Code: gateway.CodeNetworkError, Err: err}
	default:
		return &gateway.Error{Code: gateway.CodeInvalidRequest, Message: stripeErr.Msg, Err: err}
	}
}

// IntentEvent is the part of a payment_intent.* event the reconciler needs.
type IntentEvent struct {
	IntentID       string
	InvoiceID      string
	OwnerUserID    string
	Amount         money.Amount
	Currency       string
	Status         models.IntentStatus
	FailureMessage string
}

// IntentFromEvent extracts the payment intent carried by a payment_intent.* event.
// Amount is the amount actually received.
func IntentFromEvent(event stripe.Event) (IntentEvent, error) {
	if !strings.HasPrefix(string(event.Type), "payment_intent.") {
		return IntentEvent{}, fmt.Errorf("event type %s does not contain a payment intent", event.Type)
	}
	if event.Data == nil {
		return IntentEvent{}, fmt.Errorf("event %s has no data", event.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return IntentEvent{}, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	out := IntentEvent{
		IntentID:    pi.ID,
		InvoiceID:   pi.Metadata[gateway.MetadataInvoiceID],
		OwnerUserID: pi.Metadata[gateway.MetadataOwnerUserID],
		Amount:      money.FromMinor(pi.AmountReceived),
		Currency:    strings.ToUpper(string(pi.Currency)),
		Status:      MapIntentStatus(pi.Status),
	}
	if out.Amount == 0 {
		out.Amount = money.FromMinor(pi.Amount)
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out, nil
}

// AccountFromEvent extracts the connected account from an account.updated event.
func AccountFromEvent(event stripe.Event) (string, connect.AccountStatus, error) {
	if event.Type != "account.updated" {
		return "", connect.AccountStatus{}, fmt.Errorf("event type %s is not account.updated", event.Type)
	}
	if event.Data == nil {
		return "", connect.AccountStatus{}, fmt.Errorf("event %s has no data", event.ID)
	}
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return "", connect.AccountStatus{}, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return acct.ID, AccountStatus(&acct), nil
}
