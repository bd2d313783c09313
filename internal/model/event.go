package model

import "time"

const (
	TopicKillSwitch     = "kill_switch"
	TopicReconciliation = "reconciliation"
	TopicUnwind         = "unwind"
)

// Event is an immutable bus record. Payload must not be mutated after publish.
type Event struct {
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
}
