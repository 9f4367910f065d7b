package process

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the closed set of process events
type EventType string

const (
	EventProcessStarted        EventType = "ProcessStarted"
	EventStepStarted           EventType = "StepStarted"
	EventStepCompleted         EventType = "StepCompleted"
	EventStepFailed            EventType = "StepFailed"
	EventProcessCompleted      EventType = "ProcessCompleted"
	EventProcessFailed         EventType = "ProcessFailed"
	EventCompensationStarted   EventType = "CompensationStarted"
	EventCompensationCompleted EventType = "CompensationCompleted"
)

// Event is one tagged entry in a process's event log. Fields beyond Type are
// populated per variant: Step for step events, Error and Retry for failures.
type Event struct {
	Type  EventType `json:"type"`
	Step  string    `json:"step,omitempty"`
	Error string    `json:"error,omitempty"`
	Retry bool      `json:"retry,omitempty"`
}

// Valid reports whether the event carries a known type tag
func (e Event) Valid() bool {
	switch e.Type {
	case EventProcessStarted, EventStepStarted, EventStepCompleted, EventStepFailed,
		EventProcessCompleted, EventProcessFailed, EventCompensationStarted, EventCompensationCompleted:
		return true
	}
	return false
}

// Marshal serializes the event with its type discriminator
func (e Event) Marshal() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("unknown process event type %q", e.Type)
	}
	return json.Marshal(e)
}

// LogEntry is a persisted process event with its per-process sequence
type LogEntry struct {
	ProcessID uuid.UUID
	Sequence  int
	Timestamp time.Time
	Event     Event
}
