package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusComplete   Status = "complete"
	StatusErrored    Status = "errored"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status absorbs every further transition.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusErrored || s == StatusTerminated
}

// transitions lists the legal targets of each non-terminal status.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusErrored, StatusTerminated},
	StatusRunning: {StatusPaused, StatusComplete, StatusErrored, StatusTerminated},
	StatusPaused:  {StatusRunning, StatusErrored, StatusTerminated},
}

// validTransition reports whether from -> to is allowed. Re-asserting the
// current non-terminal status is allowed and changes nothing.
func validTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if from == to {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Instance is the persisted row of one workflow execution.
type Instance struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"accountId,omitempty"`
	WorkflowName string          `json:"workflowName"`
	VersionID    string          `json:"versionId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	TriggeredAt  time.Time       `json:"triggeredAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// InstanceStatus is what a control-plane caller sees.
type InstanceStatus struct {
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func (i *Instance) statusView() InstanceStatus {
	return InstanceStatus{
		Status: i.Status,
		Output: i.Output,
		Error:  i.Error,
		Reason: i.Reason,
	}
}
