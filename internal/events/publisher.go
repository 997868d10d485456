// Package events publishes escrow lifecycle events to Kafka for downstream
// audit and notification consumers. Publishing is best-effort: the release
// path never fails because the event sink is down.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the Kafka topic escrow events are published to.
const DefaultTopic = "escrow-events"

// EscrowEvent is the JSON payload for one lifecycle event.
type EscrowEvent struct {
	EscrowID    string `json:"escrow_id"`
	MilestoneID string `json:"milestone_id,omitempty"`
	Type        string `json:"type"`
	Actor       string `json:"actor"`
	Status      string `json:"status"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
}

// Publisher writes escrow events to Kafka, keyed by escrow ID so one
// escrow's events stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// NewPublisher creates a Kafka publisher for the given brokers. An empty
// topic uses DefaultTopic.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		topic: topic,
	}
}

// Publish sends one event. Nil publishers are safe to call, so callers can
// wire the sink in optionally. Failures are logged, not propagated — money
// movement never depends on the audit pipeline.
func (p *Publisher) Publish(ctx context.Context, ev EscrowEvent) {
	if p == nil {
		return
	}

	value, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "escrow", ev.EscrowID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.EscrowID),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		slog.Error("event publish failed",
			"topic", p.topic, "escrow", ev.EscrowID, "type", ev.Type, "err", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
