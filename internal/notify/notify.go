// Package notify publishes ingestion events for the consumer bot.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
	"github.com/segmentio/kafka-go"
)

// Config holds notification channel configuration.
type Config struct {
	Brokers []string
	Topic   string
}

// Emitter publishes IngestionEvents to Kafka. Delivery is at-least-once:
// the consumer deduplicates by document ID. Retries are owned by the
// pipeline, so the writer itself attempts each write once.
type Emitter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// New creates an Emitter for the given topic.
func New(config Config) (*Emitter, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  1,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Emitter{
		writer: w,
		logger: slog.Default().With("component", "notifier", "topic", config.Topic),
	}, nil
}

// Publish writes one event, keyed by document ID so the consumer sees a
// stable partition per document.
func (e *Emitter) Publish(ctx context.Context, event models.IngestionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling ingestion event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.DocumentID),
		Value: value,
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing event for %s: %w", event.DocumentID, err)
	}

	e.logger.Debug("event published", "document_id", event.DocumentID, "category", event.Category)
	return nil
}

// Close flushes pending writes and closes the writer.
func (e *Emitter) Close() error {
	return e.writer.Close()
}
