// Package notify delivers committed payments to the event stream and to chat.
package notify

import (
	"context"

	"invoicing/api_collections/internal/reconcile"
	"invoicing/pkg/kafka"
)

// EventSource is the Source stamped on published envelopes.
const EventSource = "bursar"

// EventPublisher is the part of kafka.Producer the notifier uses.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event kafka.Event) error
}

// KafkaNotifier publishes payment.reconciled events keyed by invoice id, so every
// event for one invoice lands on the same partition in commit order.
type KafkaNotifier struct {
	publisher EventPublisher
	topic     string
}

var _ reconcile.Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier creates a notifier writing to topic.
func NewKafkaNotifier(publisher EventPublisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{publisher: publisher, topic: topic}
}

// PaymentReconciled implements reconcile.Notifier.
func (n *KafkaNotifier) PaymentReconciled(ctx context.Context, event reconcile.Event) error {
	envelope, err := kafka.NewEvent(event.Type, EventSource, event.OwnerUserID, event.OccurredAt, event)
	if err != nil {
		return err
	}
	return n.publisher.PublishEvent(ctx, n.topic, event.Payment.InvoiceID, envelope)
}
