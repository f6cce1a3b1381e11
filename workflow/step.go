package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// run is one replay of the workflow function.
type run struct {
	engine *Engine
	ctx    context.Context
	gen    uint64
	counts map[string]int
}

// Step is the handle a run uses to declare steps. It is only valid on the
// goroutine the engine called Run on and only for that replay.
type Step struct {
	run *run
}

// enter is called at the top of every step method. A replay that was
// cancelled, or an instance that is no longer running, stops here.
func (r *run) enter() {
	if r.ctx.Err() != nil {
		runtime.Goexit()
	}
	if r.engine.currentStatus() != StatusRunning {
		runtime.Goexit()
	}
}

// nextKey returns name#n where n counts earlier declarations of name in
// this replay, whatever their kind.
func (r *run) nextKey(name string) string {
	n := r.counts[name]
	r.counts[name] = n + 1
	return fmt.Sprintf("%s#%d", name, n)
}

func (r *run) checkKind(rec StepRecord, kind StepKind) {
	if rec.Kind != kind {
		panic(&InvariantViolation{Message: fmt.Sprintf(
			"step %s declared as %s but recorded as %s", rec.CacheKey, kind, rec.Kind)})
	}
}

// wait queues a wake-up for subject and suspends the run.
func (r *run) wait(at time.Time, kind AlarmKind, subject string) {
	r.engine.queue.Insert(at, kind, subject)
	r.engine.handleNextAlarm(r.ctx)
	r.suspend()
}

// suspend ends the run goroutine. The deferred handler in execute reports
// the suspension to the waiting replay.
func (r *run) suspend() {
	runtime.Goexit()
}

// Do runs fn once and memoizes its JSON-encoded result under name#n.
//
// On replay a committed step returns its recorded result, or its recorded
// error, without running fn. A failing attempt n is retried while
// n <= retries limit; between attempts the run is suspended until the
// backoff delay has passed. Once retries are exhausted the error is
// returned and committed, so later replays see the same error.
func (s *Step) Do(name string, fn StepFunc, opts ...StepOption) (json.RawMessage, error) {
	r := s.run
	r.enter()
	e := r.engine
	key := r.nextKey(name)

	cfg := applyStepOptions(e.opts.StepDefaults, opts)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("step %s: %w", key, err)
	}

	attempt := 1
	rec, err := e.ledger.Lookup(r.ctx, key)
	switch {
	case errors.Is(err, ErrStepNotFound):
	case err != nil:
		return nil, err
	default:
		r.checkKind(rec, KindDo)
		switch rec.Status {
		case StepSucceeded:
			return rec.Result, nil
		case StepFailed:
			return nil, rec.Error.stepError(key, rec.Attempt)
		}
		if rec.WakeAt != nil {
			if e.now().Before(*rec.WakeAt) {
				r.wait(*rec.WakeAt, AlarmRetryBackoff, key)
			}
			attempt = rec.Attempt + 1
		} else {
			// The attempt was interrupted before it settled.
			attempt = rec.Attempt
		}
		if e.queue.Remove(key) {
			e.handleNextAlarm(r.ctx)
		}
	}

	return e.runAttempt(r, name, key, cfg, attempt, fn)
}

// Do runs a step whose result decodes into T.
//
//	total, err := workflow.Do(step, "sum", func(ctx context.Context) (int, error) {
//	    return 40 + 2, nil
//	})
func Do[T any](s *Step, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var out T
	raw, err := s.Do(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of step %q: %w", name, err)
	}
	return out, nil
}

// Sleep suspends the run for d. The wake time is recorded on first
// declaration, so replays wake at the same instant.
func (s *Step) Sleep(name string, d time.Duration) error {
	return s.sleep(name, func(now time.Time) time.Time { return now.Add(d) })
}

// SleepUntil suspends the run until t.
func (s *Step) SleepUntil(name string, t time.Time) error {
	return s.sleep(name, func(time.Time) time.Time { return t })
}

func (s *Step) sleep(name string, wakeAt func(now time.Time) time.Time) error {
	r := s.run
	r.enter()
	e := r.engine
	key := r.nextKey(name)
	now := e.now()

	var rec StepRecord
	found, err := e.ledger.Lookup(r.ctx, key)
	switch {
	case errors.Is(err, ErrStepNotFound):
		at := wakeAt(now)
		rec = StepRecord{
			CacheKey:  key,
			Name:      name,
			Kind:      KindSleep,
			Attempt:   1,
			WakeAt:    &at,
			UpdatedAt: now,
		}
		err := e.withLog(r.ctx, logSpec{
			typ: "step.sleep", group: key, target: name,
			meta: map[string]any{"wake_at": at, "duration_ms": at.Sub(now).Milliseconds()},
		}, func(extra []store.Entry) error {
			return e.ledger.SavePending(r.ctx, rec, extra...)
		})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		r.checkKind(found, KindSleep)
		switch found.Status {
		case StepSucceeded:
			return nil
		case StepFailed:
			return found.Error.stepError(key, found.Attempt)
		}
		rec = found
	}

	if rec.WakeAt != nil && now.Before(*rec.WakeAt) {
		r.wait(*rec.WakeAt, AlarmSleep, key)
	}

	done := rec
	done.Status = StepSucceeded
	done.UpdatedAt = now
	err = e.withLog(r.ctx, logSpec{typ: "step.sleep.complete", group: key, target: name}, func(extra []store.Entry) error {
		return e.ledger.Commit(r.ctx, done, extra...)
	})
	if err != nil && !errors.Is(err, errStaleAttempt) {
		return err
	}
	if e.queue.Remove(key) {
		e.handleNextAlarm(r.ctx)
	}
	return nil
}

// WaitOptions configures WaitForEvent.
type WaitOptions struct {
	// Type is the event type to wait for. Empty means the step name.
	Type string

	// Timeout bounds the wait. Zero selects the engine's wait timeout.
	Timeout time.Duration

	// Retries applies the retry rule to a timed-out wait. Nil means no
	// retries: the first timeout fails the step.
	Retries *RetryConfig
}

// WaitForEvent suspends the run until an event of the given type is sent
// to the instance, or fails with *EventTimeoutError when none arrives in
// time. Events sent before the wait is declared are buffered and matched
// in arrival order; each event resolves at most one wait.
func (s *Step) WaitForEvent(name string, opts WaitOptions) (ReceivedEvent, error) {
	r := s.run
	r.enter()
	e := r.engine
	key := r.nextKey(name)
	now := e.now()

	typ := opts.Type
	if typ == "" {
		typ = name
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.opts.WaitTimeout
	}
	retries := RetryConfig{Backoff: BackoffConstant}
	if opts.Retries != nil {
		retries = *opts.Retries
	}
	if err := retries.Validate(); err != nil {
		return ReceivedEvent{}, fmt.Errorf("step %s: %w", key, err)
	}

	var rec StepRecord
	found, err := e.ledger.Lookup(r.ctx, key)
	switch {
	case errors.Is(err, ErrStepNotFound):
		deadline := now.Add(timeout)
		rec = StepRecord{
			CacheKey:  key,
			Name:      name,
			Kind:      KindWaitForEvent,
			Attempt:   1,
			Config:    StepConfig{Retries: retries, Timeout: timeout},
			EventType: typ,
			WakeAt:    &deadline,
			UpdatedAt: now,
		}
		err := e.withLog(r.ctx, logSpec{
			typ: "step.wait", group: key, target: typ,
			meta: map[string]any{"attempt": 1, "deadline": deadline, "timeout_ms": timeout.Milliseconds()},
		}, func(extra []store.Entry) error {
			return e.ledger.SavePending(r.ctx, rec, extra...)
		})
		if err != nil {
			return ReceivedEvent{}, err
		}
	case err != nil:
		return ReceivedEvent{}, err
	default:
		r.checkKind(found, KindWaitForEvent)
		switch found.Status {
		case StepSucceeded:
			var ev ReceivedEvent
			if err := json.Unmarshal(found.Result, &ev); err != nil {
				return ReceivedEvent{}, fmt.Errorf("decode event of step %s: %w", key, err)
			}
			return ev, nil
		case StepFailed:
			return ReceivedEvent{}, found.Error.stepError(key, found.Attempt)
		}
		rec = found
	}

	// Subscribe before looking at the inbox so a concurrent SendEvent
	// either lands in the inbox first or sees the subscription.
	e.subscribe(r, typ, key)

	matched, ok, err := e.claimInbox(r.ctx, typ)
	if err != nil {
		return ReceivedEvent{}, err
	}
	if ok {
		ev := matched.received()
		result, err := json.Marshal(ev)
		if err != nil {
			return ReceivedEvent{}, err
		}
		done := rec
		done.Status = StepSucceeded
		done.Result = result
		done.UpdatedAt = now
		consumed, err := e.consumeEntry(matched, key)
		if err != nil {
			return ReceivedEvent{}, err
		}
		err = e.withLog(r.ctx, logSpec{
			typ: "step.wait.complete", group: key, target: typ,
			meta: map[string]any{"attempt": rec.Attempt, "event_seq": matched.Seq},
		}, func(extra []store.Entry) error {
			return e.ledger.Commit(r.ctx, done, append(extra, consumed)...)
		})
		if err != nil {
			return ReceivedEvent{}, err
		}
		e.unsubscribe(typ, key)
		if e.queue.Remove(key) {
			e.handleNextAlarm(r.ctx)
		}
		return ev, nil
	}

	if rec.WakeAt != nil && now.Before(*rec.WakeAt) {
		r.wait(*rec.WakeAt, AlarmEventTimeout, key)
	}

	// Deadline passed with no event.
	e.unsubscribe(typ, key)
	if e.queue.Remove(key) {
		e.handleNextAlarm(r.ctx)
	}
	failure := &EventTimeoutError{Step: key, Type: typ, Timeout: rec.Config.Timeout}

	if rec.Attempt <= rec.Config.Retries.Limit {
		delay, err := rec.Config.Retries.NextDelay(rec.Attempt, key)
		if err != nil {
			return ReceivedEvent{}, err
		}
		deadline := now.Add(delay + rec.Config.Timeout)
		next := rec
		next.Attempt = rec.Attempt + 1
		next.Error = newErrorInfo(failure)
		next.WakeAt = &deadline
		next.UpdatedAt = now
		err = e.withLog(r.ctx, logSpec{
			typ: "step.wait.timeout", group: key, target: typ,
			meta: map[string]any{"attempt": rec.Attempt, "error": failure.Error(), "deadline": deadline},
		}, func(extra []store.Entry) error {
			return e.ledger.SavePending(r.ctx, next, extra...)
		})
		if err != nil && !errors.Is(err, errStaleAttempt) {
			return ReceivedEvent{}, err
		}
		e.opts.Metrics.IncrementRetries(e.workflowName(), "event_timeout")
		r.wait(deadline, AlarmEventTimeout, key)
	}

	failed := rec
	failed.Status = StepFailed
	failed.Error = newErrorInfo(failure)
	failed.UpdatedAt = now
	err = e.withLog(r.ctx, logSpec{
		typ: "step.wait.timeout", group: key, target: typ,
		meta: map[string]any{"attempt": rec.Attempt, "error": failure.Error(), "final": true},
	}, func(extra []store.Entry) error {
		return e.ledger.Commit(r.ctx, failed, extra...)
	})
	if err != nil && !errors.Is(err, errStaleAttempt) {
		return ReceivedEvent{}, err
	}
	return ReceivedEvent{}, failure
}

// runAttempt executes one attempt of a Do step and applies the retry rule.
func (e *Engine) runAttempt(r *run, name, key string, cfg StepConfig, attempt int, fn StepFunc) (json.RawMessage, error) {
	ctx := r.ctx
	logger := e.logger.With("step", key, "attempt", attempt)

	e.sem.Acquire(ctx)
	released := false
	release := func() {
		if !released {
			released = true
			e.sem.Release(ctx)
		}
	}
	// Runs on Goexit too.
	defer release()

	pending := StepRecord{
		CacheKey:  key,
		Name:      name,
		Kind:      KindDo,
		Attempt:   attempt,
		Config:    cfg,
		UpdatedAt: e.now(),
	}
	err := e.withLog(ctx, logSpec{
		typ: "step.attempt.start", group: key, target: name,
		meta: map[string]any{"attempt": attempt},
	}, func(extra []store.Entry) error {
		if e.writesClosed(ctx) {
			return errRunCancelled
		}
		return e.ledger.SavePending(ctx, pending, extra...)
	})
	if errors.Is(err, errRunCancelled) {
		r.suspend()
	}
	if errors.Is(err, errStaleAttempt) {
		panic(&InvariantViolation{Message: fmt.Sprintf("step %s changed under attempt %d", key, attempt)})
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("step attempt started")
	started := time.Now()
	res := runBody(ctx, fn, cfg.Timeout)
	latency := time.Since(started)

	if errors.Is(res.err, errRunCancelled) || ctx.Err() != nil {
		// Aborted or evicted mid-attempt; the outcome is discarded.
		logger.Debug("step attempt discarded")
		r.suspend()
	}

	var failure error
	reason := "error"
	switch {
	case res.timedOut:
		failure = &StepTimeoutError{Step: key, Attempt: attempt, Timeout: cfg.Timeout}
		reason = "timeout"
	case res.err != nil:
		failure = &UserStepError{Step: key, Attempt: attempt, Err: res.err}
	default:
		data, mErr := json.Marshal(res.value)
		if mErr != nil {
			failure = &UserStepError{Step: key, Attempt: attempt, Err: fmt.Errorf("encode result: %w", mErr)}
			break
		}
		e.opts.Metrics.RecordStepLatency(e.workflowName(), latency, "success")

		done := pending
		done.Status = StepSucceeded
		done.Result = data
		done.UpdatedAt = e.now()
		err := e.withLog(ctx, logSpec{
			typ: "step.attempt.success", group: key, target: name,
			meta: map[string]any{"attempt": attempt, "duration_ms": latency.Milliseconds()},
		}, func(extra []store.Entry) error {
			if e.writesClosed(ctx) {
				return errRunCancelled
			}
			return e.ledger.Commit(ctx, done, extra...)
		})
		if errors.Is(err, errStaleAttempt) || errors.Is(err, errRunCancelled) {
			r.suspend()
		}
		if err != nil {
			return nil, err
		}
		logger.Debug("step attempt succeeded")
		release()
		return data, nil
	}
	e.opts.Metrics.RecordStepLatency(e.workflowName(), latency, reason)

	if attempt <= cfg.Retries.Limit {
		delay, err := cfg.Retries.NextDelay(attempt, key)
		if err != nil {
			return nil, err
		}
		wakeAt := e.now().Add(delay)
		retry := pending
		retry.Error = newErrorInfo(failure)
		retry.WakeAt = &wakeAt
		retry.UpdatedAt = e.now()
		err = e.withLog(ctx, logSpec{
			typ: "step.attempt.failure", group: key, target: name,
			meta: map[string]any{
				"attempt":  attempt,
				"error":    failure.Error(),
				"retry_at": wakeAt,
				"delay_ms": delay.Milliseconds(),
			},
		}, func(extra []store.Entry) error {
			if e.writesClosed(ctx) {
				return errRunCancelled
			}
			return e.ledger.SavePending(ctx, retry, extra...)
		})
		if errors.Is(err, errStaleAttempt) || errors.Is(err, errRunCancelled) {
			r.suspend()
		}
		if err != nil {
			return nil, err
		}
		e.opts.Metrics.IncrementRetries(e.workflowName(), reason)
		logger.Info("step failed, retry scheduled", "error", failure, "retry_at", wakeAt)

		e.queue.Insert(wakeAt, AlarmRetryBackoff, key)
		e.handleNextAlarm(ctx)
		release()
		r.suspend()
	}

	failed := pending
	failed.Status = StepFailed
	failed.Error = newErrorInfo(failure)
	failed.UpdatedAt = e.now()
	err = e.withLog(ctx, logSpec{
		typ: "step.attempt.failure", group: key, target: name,
		meta: map[string]any{"attempt": attempt, "error": failure.Error(), "final": true},
	}, func(extra []store.Entry) error {
		if e.writesClosed(ctx) {
			return errRunCancelled
		}
		return e.ledger.Commit(ctx, failed, extra...)
	})
	if errors.Is(err, errStaleAttempt) || errors.Is(err, errRunCancelled) {
		r.suspend()
	}
	if err != nil {
		return nil, err
	}
	logger.Info("step failed, retries exhausted", "error", failure)
	release()
	return nil, failure
}
