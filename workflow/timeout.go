package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StepFunc is the body of a Do step. Its result is stored as JSON.
type StepFunc func(ctx context.Context) (any, error)

type bodyResult struct {
	value    any
	err      error
	timedOut bool
}

// errRunCancelled reports that the replay itself was cancelled (abort,
// eviction) while a body was running. The attempt's outcome is discarded.
var errRunCancelled = errors.New("replay cancelled")

// runBody runs fn racing timeout. A body that outlives its timeout keeps
// running on its own goroutine; whatever it returns later is dropped.
//
// A panic in the body is reported as an ordinary body error.
func runBody(ctx context.Context, fn StepFunc, timeout time.Duration) bodyResult {
	bodyCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- bodyResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn(bodyCtx)
		done <- bodyResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-bodyCtx.Done():
		if ctx.Err() != nil {
			return bodyResult{err: errRunCancelled}
		}
		return bodyResult{timedOut: true}
	}
}
