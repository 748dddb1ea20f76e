package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"

	"invoicing/api_collections/internal/reconcile"
	"invoicing/api_collections/internal/store"
	stripeclient "invoicing/api_collections/internal/stripe"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
)

// ProviderStripe keys processed webhook events.
const ProviderStripe = "stripe"

// MaxWebhookBodyBytes bounds the webhook payload read.
const MaxWebhookBodyBytes = 1 << 20

// Webhook event types handled.
const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventAccountUpdated  = "account.updated"
)

// Webhook outcomes reported in metrics and the response body.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeAnomaly   = "anomaly"
	outcomeLogged    = "logged"
	outcomeIgnored   = "ignored"
	outcomeInvalid   = "invalid_signature"
	outcomeError     = "error"
)

// HandleStripeWebhook verifies and applies a Stripe event. Events are deduplicated by id;
// an event is only marked processed after its effect committed, so a 5xx makes Stripe
// redeliver it.
func (h *Handler) HandleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWebhookBodyBytes+1))
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	if len(body) > MaxWebhookBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: string(reconcile.CodeInvalidRequest)})
		return
	}

	event, err := h.verifier.VerifyWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.countWebhook("unknown", outcomeInvalid)
		h.contextLogger(c).WithError(err).Warn("Rejected Stripe webhook")
		badRequest(c, "invalid webhook signature")
		return
	}

	ctx := c.Request.Context()
	eventType := string(event.Type)
	log := h.contextLogger(c).WithFields(logging.Fields{"event_id": event.ID, "event_type": eventType})

	processed, err := h.store.IsWebhookProcessed(ctx, ProviderStripe, event.ID)
	if err != nil {
		h.countWebhook(eventType, outcomeError)
		log.WithError(err).Error("Failed to check webhook idempotency")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal", Retryable: true})
		return
	}
	if processed {
		h.countWebhook(eventType, outcomeDuplicate)
		log.Debug("Webhook event already processed")
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcomeDuplicate})
		return
	}

	outcome, err := h.dispatchEvent(ctx, event)
	if err != nil {
		h.countWebhook(eventType, outcomeError)
		log.WithError(err).Error("Failed to process Stripe webhook")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal", Retryable: true})
		return
	}

	if err := h.store.MarkWebhookProcessed(ctx, ProviderStripe, event.ID, eventType); err != nil {
		// Redelivery is harmless: payments are idempotent on the intent id.
		log.WithError(err).Warn("Failed to mark webhook processed")
	}
	h.countWebhook(eventType, outcome)
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// dispatchEvent returns an error only when the event should be redelivered.
func (h *Handler) dispatchEvent(ctx context.Context, event stripe.Event) (string, error) {
	switch string(event.Type) {
	case eventIntentSucceeded:
		return h.handleIntentSucceeded(ctx, event)
	case eventIntentFailed:
		return h.handleIntentFailed(event)
	case eventAccountUpdated:
		return h.handleAccountUpdated(ctx, event)
	default:
		return outcomeIgnored, nil
	}
}

func (h *Handler) handleIntentSucceeded(ctx context.Context, event stripe.Event) (string, error) {
	intent, err := stripeclient.IntentFromEvent(event)
	if err != nil {
		h.anomaly("malformed_event", logging.Fields{"event_id": event.ID}, err)
		return outcomeAnomaly, nil
	}
	fields := logging.Fields{
		"event_id":   event.ID,
		"intent_id":  intent.IntentID,
		"invoice_id": intent.InvoiceID,
		"amount":     intent.Amount.String(),
	}
	if intent.InvoiceID == "" {
		h.anomaly("missing_invoice_id", fields, nil)
		return outcomeAnomaly, nil
	}

	result, err := h.reconciler.Reconcile(ctx, reconcile.Request{
		InvoiceID:   intent.InvoiceID,
		Amount:      intent.Amount,
		Method:      models.MethodCard,
		ReferenceID: intent.IntentID,
		Source:      models.SourceWebhook,
	})
	if err != nil {
		var recErr *reconcile.Error
		if errors.As(err, &recErr) && !recErr.Retryable() {
			// Money moved at the processor but cannot be applied; needs an operator.
			h.anomaly(string(recErr.Code), fields, err)
			return outcomeAnomaly, nil
		}
		return "", err
	}
	if result.Duplicate {
		return outcomeDuplicate, nil
	}
	return outcomeApplied, nil
}

func (h *Handler) handleIntentFailed(event stripe.Event) (string, error) {
	intent, err := stripeclient.IntentFromEvent(event)
	if err != nil {
		h.anomaly("malformed_event", logging.Fields{"event_id": event.ID}, err)
		return outcomeAnomaly, nil
	}
	h.logger.WithFields(logging.Fields{
		"event_id":       event.ID,
		"intent_id":      intent.IntentID,
		"invoice_id":     intent.InvoiceID,
		"failure_reason": intent.FailureMessage,
	}).Warn("Card payment failed at the processor")
	return outcomeLogged, nil
}

func (h *Handler) handleAccountUpdated(ctx context.Context, event stripe.Event) (string, error) {
	processorID, status, err := stripeclient.AccountFromEvent(event)
	if err != nil {
		h.anomaly("malformed_event", logging.Fields{"event_id": event.ID}, err)
		return outcomeAnomaly, nil
	}
	if _, err := h.connect.HandleAccountUpdated(ctx, processorID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.WithField("processor_account_id", processorID).Debug("Ignoring update for unknown connected account")
			return outcomeIgnored, nil
		}
		return "", err
	}
	return outcomeApplied, nil
}

func (h *Handler) anomaly(reason string, fields logging.Fields, err error) {
	if h.metrics != nil {
		h.metrics.WebhookAnomalies.WithLabelValues(reason).Inc()
	}
	entry := h.logger.WithFields(fields).WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error("Webhook payment could not be applied")
}

func (h *Handler) countWebhook(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}
