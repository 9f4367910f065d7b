package command

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the command lifecycle status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// ReplyStatus is the outcome a handler reports for a command
type ReplyStatus string

const (
	ReplyCompleted ReplyStatus = "COMPLETED"
	ReplyFailed    ReplyStatus = "FAILED"
	ReplyTimedOut  ReplyStatus = "TIMED_OUT"
)

// Wire type discriminators
const (
	TypeCommandRequested = "CommandRequested"
	TypeCommandCompleted = "CommandCompleted"
	TypeCommandFailed    = "CommandFailed"
	TypeCommandTimedOut  = "CommandTimedOut"
)

// WireType maps a reply status to its wire discriminator
func WireType(status ReplyStatus) string {
	switch status {
	case ReplyCompleted:
		return TypeCommandCompleted
	case ReplyTimedOut:
		return TypeCommandTimedOut
	default:
		return TypeCommandFailed
	}
}

// Command is a persisted command row
type Command struct {
	CommandID      uuid.UUID
	Name           string
	IdempotencyKey string
	BusinessKey    string
	Payload        string
	ReplySpec      ReplySpec
	Status         Status
	Retries        int
	LastError      *string
	LeaseUntil     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReplySpec tells the executor where the reply for a command goes
type ReplySpec struct {
	ReplyQueue    string `json:"replyQueue"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Message is the delivery-side view of a command, handed to handlers
type Message struct {
	MessageID   string
	CommandID   uuid.UUID
	Name        string
	BusinessKey string
	Payload     string
	Headers     map[string]string
}

// Reply is the outcome a handler produces for a command
type Reply struct {
	Status ReplyStatus
	Data   map[string]interface{}
	Error  string
}

// Envelope is the wire form of a reply, published to the reply queue and the
// completion topic.
type Envelope struct {
	CommandID     uuid.UUID              `json:"commandId"`
	CorrelationID uuid.UUID              `json:"correlationId"`
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Marshal serializes the envelope to JSON
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DLQEntry is a parked command with full diagnostic context
type DLQEntry struct {
	CommandID    uuid.UUID
	Name         string
	BusinessKey  string
	Payload      string
	FailedStatus Status
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}
