package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is the envelope published on the shared event stream. Field
// names are wire-stable; downstream services in other languages parse them
// verbatim. Immutable once published.
type DomainEvent struct {
	EventID         string            `json:"event_id"`
	EventType       string            `json:"event_type"`
	AggregateID     string            `json:"aggregate_id"`
	AggregateType   string            `json:"aggregate_type"`
	Payload         map[string]any    `json:"payload"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Version         int               `json:"version"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	CausationID     string            `json:"causation_id,omitempty"`
	ProducerService string            `json:"producer_service"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp. The bus fills
// ProducerService at publish time.
func NewEvent(eventType, aggregateID, aggregateType string, payload map[string]any) *DomainEvent {
	return &DomainEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		Version:       1,
	}
}

func (e *DomainEvent) marshal() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalEvent(raw string) (*DomainEvent, error) {
	var event DomainEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, err
	}
	return &event, nil
}
