package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"invoicing/api_collections/internal/reconcile"
	"invoicing/pkg/clients"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
)

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	Token     string
	ChannelID string
	Timeout   time.Duration
	// APIURL overrides the Slack API base URL. It must end in a slash.
	APIURL string
}

// SlackNotifier posts one message per committed payment.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	logger    logging.Logger
}

var _ reconcile.Notifier = (*SlackNotifier)(nil)

// NewSlackNotifier creates a notifier posting to cfg.ChannelID.
func NewSlackNotifier(cfg SlackConfig, logger logging.Logger) *SlackNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []slack.Option{slack.OptionHTTPClient(clients.NewHTTPClient(timeout))}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackNotifier{
		client:    slack.New(cfg.Token, opts...),
		channelID: cfg.ChannelID,
		logger:    logger,
	}
}

// PaymentReconciled implements reconcile.Notifier.
func (n *SlackNotifier) PaymentReconciled(ctx context.Context, event reconcile.Event) error {
	text := FormatPayment(event)
	_, ts, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}

	n.logger.WithFields(logging.Fields{
		"channel":    n.channelID,
		"ts":         ts,
		"invoice_id": event.Payment.InvoiceID,
	}).Debug("Posted payment notification")
	return nil
}

// FormatPayment renders the one-line summary posted to chat.
func FormatPayment(event reconcile.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment of %s %s received for invoice %s via %s",
		event.Payment.Amount, event.Currency, invoiceLabel(event), methodLabel(event.Payment.Method))
	if event.InvoiceStatus == string(models.InvoicePaid) {
		b.WriteString(". Invoice is now *paid*.")
	} else {
		fmt.Fprintf(&b, ". Balance due: %s %s.", event.BalanceDue, event.Currency)
	}
	return b.String()
}

func invoiceLabel(event reconcile.Event) string {
	if event.InvoiceNumber != "" {
		return event.InvoiceNumber
	}
	return event.Payment.InvoiceID
}

func methodLabel(method models.PaymentMethod) string {
	switch method {
	case models.MethodBankTransfer:
		return "bank transfer"
	default:
		return string(method)
	}
}
