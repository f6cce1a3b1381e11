package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the input a run receives.
type Event struct {
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	InstanceID string          `json:"instanceId"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Workflow is user code. Run is replayed from the top on every wake, so it
// must be deterministic outside of steps: every side effect belongs in a
// Do body, and step names and order must depend only on the event and on
// earlier step results.
//
// Step methods must be called from the goroutine Run was called on. A step
// that has to wait ends that goroutine; the engine resumes by replaying.
type Workflow interface {
	Run(ctx context.Context, event Event, step *Step) (any, error)
}

// WorkflowFunc adapts a function to Workflow.
//
//	wf := workflow.WorkflowFunc(func(ctx context.Context, ev workflow.Event, step *workflow.Step) (any, error) {
//	    if err := step.Sleep("cool-off", time.Hour); err != nil {
//	        return nil, err
//	    }
//	    return step.Do("notify", sendEmail)
//	})
type WorkflowFunc func(ctx context.Context, event Event, step *Step) (any, error)

// Run implements Workflow.
func (f WorkflowFunc) Run(ctx context.Context, event Event, step *Step) (any, error) {
	return f(ctx, event, step)
}

// InitRequest seeds a new instance.
type InitRequest struct {
	AccountID    string
	WorkflowName string
	VersionID    string
	Payload      json.RawMessage

	// TriggeredAt is when the creation request was made. Zero means now.
	TriggeredAt time.Time
}

// ReceivedEvent is what WaitForEvent resolves with.
type ReceivedEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e ReceivedEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
