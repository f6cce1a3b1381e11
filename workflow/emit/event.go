package emit

import "time"

// Event is one entry of an instance's append-only log.
//
// Engines write an Event for every lifecycle change and step attempt:
//   - instance.created, instance.status, instance.aborted
//   - step.attempt.start, step.attempt.success, step.attempt.failure
//   - step.sleep, step.wait, event.received, grace.elapsed
//
// The same value is persisted under events/<seq> and fanned out to the
// configured Emitter, so what an operator sees in traces matches what
// ReadLogs returns after an eviction.
type Event struct {
	// Seq is the position of the entry in the instance log, starting at 1.
	Seq int64 `json:"seq"`

	// InstanceID identifies the workflow instance that wrote the entry.
	InstanceID string `json:"instanceId"`

	// Type names what happened, e.g. "step.attempt.failure".
	Type string `json:"type"`

	// Group is the step cacheKey for step entries and empty for
	// instance-level entries. ReadLogsFromStep filters on it.
	Group string `json:"group,omitempty"`

	// Target is the subject of the entry: a step name, an event type or
	// a status.
	Target string `json:"target,omitempty"`

	// Metadata carries entry-specific fields such as "attempt",
	// "error", "wake_at" or "duration_ms".
	Metadata map[string]any `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Attempt returns Metadata["attempt"] as an int, accepting the numeric
// shapes a decoded log entry may carry.
func (e Event) Attempt() (int, bool) {
	switch v := e.Metadata["attempt"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case uint64:
		return int(v), true
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	case int16:
		return int(v), true
	case uint16:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	}
	return 0, false
}
