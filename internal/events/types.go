// Package events implements the in-process event bus connecting the
// execution service, the policy store, the synchronizer and the SSE
// system stream.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies a class of event.
type EventType string

const (
	TradeExecuted  EventType = "TradeExecuted"
	TradeRejected  EventType = "TradeRejected"
	PolicyReloaded EventType = "PolicyReloaded"
	SyncCompleted  EventType = "SyncCompleted"
	SessionEnded   EventType = "SessionEnded"
	PriceUpdated   EventType = "PriceUpdated"
	ErrorOccurred  EventType = "ErrorOccurred"
)

// Event is a single bus event. Module names the emitting component.
type Event struct {
	Type      EventType   `json:"type"`
	Module    string      `json:"module"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// MarshalSSE renders the event as a JSON payload for the system stream.
func (e *Event) MarshalSSE() ([]byte, error) {
	return json.Marshal(e)
}
