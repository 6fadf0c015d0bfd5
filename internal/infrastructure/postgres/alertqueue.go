package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pharmos/dispense-engine/internal/domain/dispensing"
)

// AlertDispatchQueue adapts the outbox to dispensing.AlertQueue: each
// high-risk alert becomes one outbox entry committed with the event.
type AlertDispatchQueue struct {
	topic string
}

// NewAlertDispatchQueue creates a queue targeting the given topic.
func NewAlertDispatchQueue(topic string) *AlertDispatchQueue {
	return &AlertDispatchQueue{topic: topic}
}

// Queue implements dispensing.AlertQueue.
func (q *AlertDispatchQueue) Queue(ctx context.Context, tx pgx.Tx, alert *dispensing.HighRiskAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	entry := &OutboxEntry{
		AggregateID:   alert.EventID,
		AggregateType: "DispensingEvent",
		EventType:     "HighRiskAlertRaised",
		Payload:       payload,
		Topic:         q.topic,
		Key:           alert.PharmacyID,
	}
	return WriteEntry(ctx, tx, entry)
}
