package process

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the process instance status
type Status string

const (
	StatusNew          Status = "NEW"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Instance is a long-running workflow tracked as an event-sourced record
// with a current step and accumulated data.
type Instance struct {
	ProcessID   uuid.UUID
	ProcessType string
	BusinessKey string
	Status      Status
	CurrentStep string
	// CurrentCommandID is the step command whose reply the instance awaits;
	// replies for any other command are stale and dropped
	CurrentCommandID *uuid.UUID
	Data             map[string]interface{}
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MergeData folds reply data into the instance data. Reply values override
// existing values on key collision; keys present only on one side survive
// unchanged.
func MergeData(existing, reply map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(reply))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range reply {
		merged[k] = v
	}
	return merged
}
