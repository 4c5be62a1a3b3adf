package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueuedMeasurement is the Kafka message carrying an accepted record from
// the API to the db writer. ReceivedAt is the authoritative timestamp.
type QueuedMeasurement struct {
	ReceivedAt time.Time         `json:"received_at"`
	Record     MeasurementRecord `json:"record"`
}

// IncidentEventType is the lifecycle change an IncidentEvent reports
type IncidentEventType string

const (
	IncidentOpened   IncidentEventType = "incident.opened"
	IncidentAcked    IncidentEventType = "incident.acked"
	IncidentResolved IncidentEventType = "incident.resolved"
)

// IncidentEvent is the message format for incident notifications
type IncidentEvent struct {
	EventID    string            `json:"event_id"`
	Type       IncidentEventType `json:"type"`
	IncidentID int64             `json:"incident_id"`
	TargetID   int64             `json:"target_id"`
	ProbeID    int64             `json:"probe_id"`
	LocationID int64             `json:"location_id"`
	RuleID     *int64            `json:"rule_id,omitempty"`
	Severity   string            `json:"severity"`
	Status     string            `json:"status"`
	Title      string            `json:"title"`
	Evidence   map[string]any    `json:"evidence,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	AckedBy    string            `json:"acked_by,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewIncidentEvent stamps a fresh event id
func NewIncidentEvent(t IncidentEventType, occurredAt time.Time) *IncidentEvent {
	return &IncidentEvent{
		EventID:    uuid.NewString(),
		Type:       t,
		OccurredAt: occurredAt.UTC(),
	}
}

// EncodeQueuedMeasurement encodes a QueuedMeasurement to JSON
func EncodeQueuedMeasurement(msg *QueuedMeasurement) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeQueuedMeasurement decodes JSON to QueuedMeasurement
func DecodeQueuedMeasurement(data []byte) (*QueuedMeasurement, error) {
	var msg QueuedMeasurement
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeIncidentEvent encodes an IncidentEvent to JSON
func EncodeIncidentEvent(ev *IncidentEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeIncidentEvent decodes JSON to IncidentEvent
func DecodeIncidentEvent(data []byte) (*IncidentEvent, error) {
	var ev IncidentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
