package models

import "encoding/json"

// EventType is the operation carried by a change event.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventAppend EventType = "APPEND"
	EventDelete EventType = "DELETE"
)

// EntityEvent is one entity mutation as published on the change channel.
// Delivery is at-least-once; consumers must tolerate replays.
type EntityEvent struct {
	OperationType EventType       `json:"operationType"`
	EntityID      string          `json:"entityId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
