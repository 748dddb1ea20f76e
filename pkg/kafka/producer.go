package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"invoicing/pkg/logging"
)

// DefaultProduceTimeout bounds a synchronous produce when the caller's context has no deadline.
const DefaultProduceTimeout = 5 * time.Second

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Timeout  time.Duration
}

// Producer publishes records synchronously.
type Producer struct {
	client  *kgo.Client
	logger  logging.Logger
	timeout time.Duration
}

// ErrNoBrokers is returned when no seed brokers are configured.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// NewProducer creates a producer. Records wait for all in-sync replicas.
func NewProducer(cfg ProducerConfig, logger logging.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bursar"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProduceTimeout
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client:  client,
		logger:  logger,
		timeout: timeout,
	}, nil
}

// Close closes the client.
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage writes one record and waits for the broker acknowledgement.
func (p *Producer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := NewRecord(topic, key, value, headers)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// PublishEvent marshals the event and writes it keyed by key.
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.ProduceMessage(ctx, topic, []byte(key), value, event.Headers()); err != nil {
		return err
	}

	p.logger.WithFields(logging.Fields{
		"topic":      topic,
		"key":        key,
		"event_id":   event.ID,
		"event_type": event.Type,
	}).Debug("Published event")
	return nil
}

// HealthCheck pings the cluster.
func (p *Producer) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// NewRecord builds a record with headers in a stable order.
func NewRecord(topic string, key, value []byte, headers map[string]string) *kgo.Record {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) == 0 {
		return record
	}

	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(headers[k]),
		})
	}
	return record
}
