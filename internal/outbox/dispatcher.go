// Package outbox delivers session events recorded by the cloud store to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Store is the outbox table as the dispatcher uses it.
type Store interface {
	// FetchAndClaim returns up to limit unpublished messages and marks them claimed.
	FetchAndClaim(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, messages []Message) error
	WriteDLQ(ctx context.Context, msg Message, reason string) error
}

// Message represents a row fetched from the outbox.
type Message struct {
	EventID       int64
	AccountID     string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the timestamp stamped on produced messages.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	store            Store
	producer         messageWriter
	pollInterval     time.Duration
	batchSize        int
	logger           *log.Logger
	now              func() time.Time
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, producer messageWriter, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:            store,
		producer:         producer,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           log.New(log.Writer(), "[outbox] ", log.LstdFlags|log.Lshortfile),
		now:              time.Now,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("outbox dispatcher error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// ProcessBatch claims one batch and publishes it. A failed delivery routes the
// batch to the DLQ and still marks it published so the outbox keeps draining.
func (d *Dispatcher) ProcessBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.store.FetchAndClaim(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("fetch outbox: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	if err := d.deliver(ctx, messages); err != nil {
		d.logger.Printf("delivery failure: %v", err)
		failedCounter.Add(float64(len(messages)))
		if dlqErr := d.moveToDLQ(ctx, messages, err.Error()); dlqErr != nil {
			return dlqErr
		}
		return d.store.MarkPublished(ctx, messages)
	}

	deliveredCounter.Add(float64(len(messages)))
	return d.store.MarkPublished(ctx, messages)
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches, order := d.batchByTopic(messages)
	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, batches[topic]...); err != nil {
			return fmt.Errorf("write topic %s: %w", topic, err)
		}
	}
	return nil
}

// batchByTopic groups messages per topic, keeping first-seen topic order.
func (d *Dispatcher) batchByTopic(messages []Message) (map[string][]kafka.Message, []string) {
	batches := make(map[string][]kafka.Message)
	var order []string
	for _, msg := range messages {
		record := kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: []byte(msg.Payload),
			Time:  d.now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "account_id", Value: []byte(msg.AccountID)},
				{Key: "aggregate_id", Value: []byte(msg.AggregateID)},
			},
		}
		if _, ok := batches[msg.Topic]; !ok {
			order = append(order, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], record)
	}
	return batches, order
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)
		if err := d.store.WriteDLQ(ctx, msg, entryReason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return nil
}
