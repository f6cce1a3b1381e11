// Package workflow implements a durable workflow engine: one actor per
// instance that replays user code against a memoized step ledger and wakes
// on a single host alarm.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

// EngineError is a coded engine error. Two EngineErrors match under
// errors.Is when their codes are equal, so callers can compare against the
// exported sentinels even after wrapping.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	return e.Message
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code != "" && t.Code == e.Code
}

var (
	// ErrInstanceNotFound is returned for an instance with no persisted
	// status.
	ErrInstanceNotFound = &EngineError{Message: "instance not found", Code: "instance.not_found"}

	// ErrAlreadyInitialized is returned by Init on an instance that
	// already has a persisted row.
	ErrAlreadyInitialized = &EngineError{Message: "instance already initialized", Code: "instance.already_initialized"}

	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow, including any change out of a terminal
	// status.
	ErrInvalidTransition = &EngineError{Message: "invalid status transition", Code: "instance.invalid_transition"}

	// ErrUnimplemented is returned by reserved control operations.
	ErrUnimplemented = &EngineError{Message: "operation not implemented", Code: "unimplemented"}

	// ErrDeterminismViolation is returned when a step is committed twice
	// with different outcomes.
	ErrDeterminismViolation = &EngineError{Message: "step re-committed with a different outcome", Code: "step.determinism_violation"}

	// ErrGracePeriodAbort is the cause recorded when the idle watchdog
	// terminates an instance.
	ErrGracePeriodAbort = &EngineError{Message: GracePeriodReason, Code: "instance.grace_period"}
)

// ErrStepNotFound is returned by StepLedger.Lookup for an unknown cacheKey.
var ErrStepNotFound = errors.New("step record not found")

// errStaleAttempt marks an attempt whose result arrived after the ledger
// moved on. The result is discarded.
var errStaleAttempt = errors.New("stale step attempt")

// UserStepError wraps an error returned (or a panic raised) by a step body.
type UserStepError struct {
	Step    string // cacheKey
	Attempt int
	Err     error
}

func (e *UserStepError) Error() string {
	return fmt.Sprintf("step %s attempt %d: %v", e.Step, e.Attempt, e.Err)
}

func (e *UserStepError) Unwrap() error { return e.Err }

// StepTimeoutError reports a step body that outran its timeout.
type StepTimeoutError struct {
	Step    string
	Attempt int
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s attempt %d exceeded timeout of %v", e.Step, e.Attempt, e.Timeout)
}

// EventTimeoutError reports a WaitForEvent that saw no matching event in
// time.
type EventTimeoutError struct {
	Step    string
	Type    string
	Timeout time.Duration
}

func (e *EventTimeoutError) Error() string {
	return fmt.Sprintf("step %s: no %q event within %v", e.Step, e.Type, e.Timeout)
}

// InvariantViolation is raised (as a panic) when the engine detects a state
// it must never reach, such as a second live grace countdown or a replay
// that declares a different kind of step under a recorded cacheKey.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Message
}

// ErrorInfo is the persisted form of an error.
type ErrorInfo struct {
	Name    string        `json:"name"`
	Message string        `json:"message"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Type    string        `json:"type,omitempty"`
}

const (
	errNameUser         = "UserStepError"
	errNameStepTimeout  = "StepTimeoutError"
	errNameEventTimeout = "EventTimeoutError"
	errNameGrace        = "GracePeriodAbort"
	errNameInvariant    = "InvariantViolation"
)

// newErrorInfo records err in a form that survives a round trip through the
// store. The step error types keep their identity.
func newErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var (
		user  *UserStepError
		st    *StepTimeoutError
		et    *EventTimeoutError
		inv   *InvariantViolation
		engEr *EngineError
	)
	switch {
	case errors.As(err, &st):
		return &ErrorInfo{Name: errNameStepTimeout, Message: err.Error(), Timeout: st.Timeout}
	case errors.As(err, &et):
		return &ErrorInfo{Name: errNameEventTimeout, Message: err.Error(), Timeout: et.Timeout, Type: et.Type}
	case errors.As(err, &inv):
		return &ErrorInfo{Name: errNameInvariant, Message: err.Error()}
	case errors.Is(err, ErrGracePeriodAbort):
		return &ErrorInfo{Name: errNameGrace, Message: GracePeriodReason}
	case errors.As(err, &user):
		return &ErrorInfo{Name: errNameUser, Message: user.Err.Error()}
	case errors.As(err, &engEr):
		return &ErrorInfo{Name: engEr.Code, Message: engEr.Message}
	default:
		return &ErrorInfo{Name: "Error", Message: err.Error()}
	}
}

// stepError rebuilds the error a failed step record returns on replay.
func (i *ErrorInfo) stepError(cacheKey string, attempt int) error {
	switch i.Name {
	case errNameStepTimeout:
		return &StepTimeoutError{Step: cacheKey, Attempt: attempt, Timeout: i.Timeout}
	case errNameEventTimeout:
		return &EventTimeoutError{Step: cacheKey, Type: i.Type, Timeout: i.Timeout}
	default:
		return &UserStepError{Step: cacheKey, Attempt: attempt, Err: errors.New(i.Message)}
	}
}

func (i *ErrorInfo) Error() string {
	if i == nil {
		return ""
	}
	return i.Name + ": " + i.Message
}
