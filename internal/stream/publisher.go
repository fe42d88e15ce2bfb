// Package stream fans appended security events out to Kafka for downstream
// consumers (SIEM ingestion, alerting). Publishing is best-effort: the
// ledger row is the source of truth and a broker outage never fails the
// request that produced the event.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"zerotrust-service/internal/client"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/util"
)

type EventPublisher struct {
	producer *client.KafkaProducer
	topic    string
}

// NewEventPublisher wraps the producer. A nil producer yields a no-op
// publisher so local setups can run without a broker.
func NewEventPublisher(producer *client.KafkaProducer, topic string) *EventPublisher {
	return &EventPublisher{producer: producer, topic: topic}
}

// Publish emits the event keyed by user id (device id when anonymous) so a
// single identity's stream stays ordered within a partition.
func (p *EventPublisher) Publish(ctx context.Context, event *models.SecurityEvent) {
	if p == nil || p.producer == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal security event for publish",
			zap.String("event_id", event.EventID.String()),
			zap.Error(err))
		return
	}

	key := event.UserID
	if key == "" {
		key = event.DeviceID
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	headers := map[string]string{
		"event_type": string(event.EventType),
		"severity":   event.Severity,
	}
	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(key), payload, headers); err != nil {
		util.Warn("Failed to publish security event",
			zap.String("event_id", event.EventID.String()),
			zap.String("topic", p.topic),
			zap.Error(err))
	}
}
