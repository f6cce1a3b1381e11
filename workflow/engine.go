package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

const resumeSubject = "resume"

// ErrInstanceDestroyed is returned by every operation on an engine after
// Destroy.
var ErrInstanceDestroyed = &EngineError{Message: "instance destroyed", Code: "instance.destroyed"}

// ErrEngineClosed is returned by an engine after Close.
var ErrEngineClosed = &EngineError{Message: "engine closed", Code: "engine.closed"}

// Engine is the actor that owns one workflow instance.
//
// Every wake is a replay: the engine calls the workflow's Run from the top
// and each step consults the StepLedger before doing any work. A step that
// must wait queues a wake-up in the TimePriorityQueue and ends the run's
// goroutine; the earliest queued wake-up is always the one armed on the
// host Alarm, and Alarm replays again when it fires.
//
// Replays are serialized. Status queries and Abort only take the short
// state lock, so they answer immediately even while user code runs.
type Engine struct {
	id     string
	wf     Workflow
	st     store.Store
	opts   Options
	logger *slog.Logger

	ledger *StepLedger
	queue  *TimePriorityQueue
	sem    *GracePeriodSemaphore

	// actorMu serializes replays, Init and Load.
	actorMu sync.Mutex

	// mu guards the fields below.
	mu        sync.Mutex
	inst      *Instance
	subs      map[string]map[string]struct{} // event type -> waiting cacheKeys
	cancelRun context.CancelFunc
	runGen    uint64
	destroyed bool
	stopped   bool

	// logMu orders log sequence numbers; see withLog.
	logMu    sync.Mutex
	eventSeq int64
	sealed   bool // a terminal status or Destroy was written; step writes are refused

	inboxMu  sync.Mutex
	inboxSeq int64

	// alarmMu guards the armed host wake.
	alarmMu   sync.Mutex
	armed     bool
	armedAt   time.Time
	lastDepth int
}

// New creates the engine for instance id. Call Init for a new instance or
// Load to rebuild an existing one.
func New(id string, wf Workflow, st store.Store, opts ...Option) (*Engine, error) {
	if id == "" {
		return nil, errors.New("instance id cannot be empty")
	}
	if wf == nil {
		return nil, errors.New("workflow cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:     id,
		wf:     wf,
		st:     st,
		opts:   o,
		logger: o.Logger.With("instance_id", id),
		subs:   make(map[string]map[string]struct{}),
	}
	e.queue = NewTimePriorityQueue(o.Clock)
	e.ledger = NewStepLedger(st, id, o.Codec)
	e.sem = newGracePeriodSemaphore(e, e.queue, o.Clock, o.GracePeriod, o.Metrics)
	return e, nil
}

// ID returns the instance ID.
func (e *Engine) ID() string { return e.id }

// Ledger returns the step ledger.
func (e *Engine) Ledger() *StepLedger { return e.ledger }

// Queue returns the alarm queue.
func (e *Engine) Queue() *TimePriorityQueue { return e.queue }

// Semaphore returns the grace period semaphore.
func (e *Engine) Semaphore() *GracePeriodSemaphore { return e.sem }

func (e *Engine) now() time.Time { return e.opts.Clock.Now() }

func (e *Engine) currentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return ""
	}
	return e.inst.Status
}

func (e *Engine) workflowName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return ""
	}
	return e.inst.WorkflowName
}

// Init persists a new instance with status running and schedules its
// first replay. It fails with ErrAlreadyInitialized if the instance row
// already exists.
func (e *Engine) Init(ctx context.Context, req InitRequest) error {
	e.actorMu.Lock()
	defer e.actorMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrInstanceDestroyed
	}
	if e.stopped {
		return ErrEngineClosed
	}
	if e.inst != nil {
		return ErrAlreadyInitialized
	}
	_, err := e.st.Get(ctx, e.id, instanceKey)
	if err == nil {
		return ErrAlreadyInitialized
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read instance: %w", err)
	}

	now := e.now()
	triggered := req.TriggeredAt
	if triggered.IsZero() {
		triggered = now
	}
	inst := &Instance{
		ID:           e.id,
		AccountID:    req.AccountID,
		WorkflowName: req.WorkflowName,
		VersionID:    req.VersionID,
		Payload:      req.Payload,
		Status:       StatusRunning,
		CreatedAt:    now,
		TriggeredAt:  triggered,
		UpdatedAt:    now,
	}
	data, err := e.opts.Codec.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	err = e.withLog(ctx, logSpec{
		typ:    "instance.created",
		target: req.WorkflowName,
		meta:   map[string]any{"version_id": req.VersionID, "status": string(StatusRunning)},
	}, func(extra []store.Entry) error {
		if err := e.st.Put(ctx, e.id, append([]store.Entry{{Key: instanceKey, Value: data}}, extra...)...); err != nil {
			return err
		}
		if inst.Status.Terminal() {
			e.sealed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.ledger.Preload(ctx); err != nil {
		return err
	}
	e.inst = inst
	e.opts.Metrics.RecordTransition(StatusQueued, StatusRunning)
	e.logger.Info("instance created", "workflow", req.WorkflowName)

	e.scheduleResume(ctx)
	return nil
}

// Load rebuilds the engine from persisted state after an eviction. A
// running instance gets a replay scheduled; in GracePersist mode an
// outstanding watchdog countdown resumes with its original deadline.
func (e *Engine) Load(ctx context.Context) error {
	e.actorMu.Lock()
	defer e.actorMu.Unlock()

	e.mu.Lock()
	destroyed, stopped := e.destroyed, e.stopped
	e.mu.Unlock()
	if destroyed {
		return ErrInstanceDestroyed
	}
	if stopped {
		return ErrEngineClosed
	}

	data, err := e.st.Get(ctx, e.id, instanceKey)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInstanceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read instance: %w", err)
	}
	var inst Instance
	if err := e.opts.Codec.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("failed to decode instance: %w", err)
	}

	meta, err := e.st.GetMany(ctx, e.id, []string{metaEventSeq, metaInboxSeq, graceKey})
	if err != nil {
		return fmt.Errorf("failed to read instance metadata: %w", err)
	}
	eventSeq, err := parseSeq(meta[metaEventSeq])
	if err != nil {
		return fmt.Errorf("corrupt %s: %w", metaEventSeq, err)
	}
	inboxSeq, err := parseSeq(meta[metaInboxSeq])
	if err != nil {
		return fmt.Errorf("corrupt %s: %w", metaInboxSeq, err)
	}
	if err := e.ledger.Preload(ctx); err != nil {
		return err
	}

	e.logMu.Lock()
	e.eventSeq = eventSeq
	e.sealed = inst.Status.Terminal()
	e.logMu.Unlock()
	e.inboxMu.Lock()
	e.inboxSeq = inboxSeq
	e.inboxMu.Unlock()
	e.mu.Lock()
	e.inst = &inst
	e.mu.Unlock()

	e.logger.Debug("instance loaded", "status", inst.Status, "event_seq", eventSeq)

	if inst.Status.Terminal() {
		e.sem.close()
		return nil
	}
	if raw, ok := meta[graceKey]; ok && e.opts.GraceMode == GracePersist {
		var m GraceMarker
		if err := e.opts.Codec.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("failed to decode grace marker: %w", err)
		}
		e.sem.restore(ctx, m)
	}
	if inst.Status == StatusRunning {
		e.scheduleResume(ctx)
	}
	return nil
}

// Status returns a snapshot of the committed instance status.
func (e *Engine) Status(ctx context.Context) (InstanceStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return InstanceStatus{}, ErrInstanceNotFound
	}
	return e.inst.statusView(), nil
}

// Instance returns a copy of the instance row.
func (e *Engine) Instance(ctx context.Context) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return Instance{}, ErrInstanceNotFound
	}
	return *e.inst, nil
}

// SetStatus moves the instance to s. Transitions are validated; nothing
// leaves a terminal status.
func (e *Engine) SetStatus(ctx context.Context, s Status) error {
	if s.Terminal() {
		reason := "status set to " + string(s)
		var cause error
		if s == StatusErrored {
			cause = errors.New(reason)
		}
		_, err := e.finish(ctx, s, reason, failed(reason, cause))
		return err
	}
	from, err := e.transition(ctx, s, "", nil)
	if err != nil {
		return err
	}
	if from == StatusPaused && s == StatusRunning {
		e.scheduleResume(ctx)
	}
	return nil
}

// Pause stops step progress. The instance stays queryable and keeps
// accepting events.
func (e *Engine) Pause(ctx context.Context) error {
	_, err := e.transition(ctx, StatusPaused, "paused", nil)
	return err
}

// Resume continues a paused instance from its last committed step.
func (e *Engine) Resume(ctx context.Context) error {
	if s := e.currentStatus(); s != StatusPaused {
		return fmt.Errorf("%w: cannot resume %s instance", ErrInvalidTransition, s)
	}
	if _, err := e.transition(ctx, StatusRunning, "resumed", nil); err != nil {
		return err
	}
	e.scheduleResume(ctx)
	return nil
}

// Abort terminates the instance with reason. An in-flight step attempt is
// cancelled and whatever it returns later is discarded. Aborting a
// terminal instance does nothing.
func (e *Engine) Abort(ctx context.Context, reason string) error {
	return e.abort(ctx, StatusTerminated, reason, nil)
}

// AbortWithError ends the instance as errored, recording err.
func (e *Engine) AbortWithError(ctx context.Context, reason string, err error) error {
	if err == nil {
		err = errors.New(reason)
	}
	return e.abort(ctx, StatusErrored, reason, err)
}

// UserTriggeredTerminate terminates a running or paused instance. Unlike
// Abort it rejects an instance that is already terminal.
func (e *Engine) UserTriggeredTerminate(ctx context.Context) error {
	if err := e.checkTransition(StatusTerminated); err != nil {
		return err
	}
	return e.abort(ctx, StatusTerminated, "Terminated by user", nil)
}

func (e *Engine) checkTransition(to Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return ErrInstanceNotFound
	}
	return validTransition(e.inst.Status, to)
}

// abort implements scheduler.
func (e *Engine) abort(ctx context.Context, status Status, reason string, cause error) error {
	e.mu.Lock()
	if e.inst == nil {
		e.mu.Unlock()
		return ErrInstanceNotFound
	}
	terminal := e.inst.Status.Terminal()
	e.mu.Unlock()
	if terminal {
		return nil
	}

	from, err := e.finish(ctx, status, reason, failed(reason, cause))
	if errors.Is(err, ErrInvalidTransition) && e.currentStatus().Terminal() {
		// Lost a race with another terminal transition.
		return nil
	}
	if err != nil {
		return err
	}
	err = e.WriteLog(ctx, "instance.aborted", "", string(status), map[string]any{
		"from":   string(from),
		"reason": reason,
	})
	if err != nil {
		return err
	}
	if errors.Is(cause, ErrGracePeriodAbort) {
		e.opts.Metrics.incGraceAborts()
	}
	e.logger.Warn("instance aborted", "status", status, "reason", reason)
	return nil
}

// finish moves the instance to a terminal status and tears down its
// waiters.
func (e *Engine) finish(ctx context.Context, status Status, reason string, apply func(*Instance)) (Status, error) {
	from, err := e.transition(ctx, status, reason, apply)
	if err != nil {
		return from, err
	}
	e.shutdown(ctx)
	return from, nil
}

// writesClosed reports whether a step write must be discarded because the
// replay was cancelled or the instance already ended. Call it with logMu
// held, from a withLog write callback.
func (e *Engine) writesClosed(ctx context.Context) bool {
	return e.sealed || ctx.Err() != nil
}

func failed(reason string, cause error) func(*Instance) {
	return func(i *Instance) {
		i.Reason = reason
		if cause != nil {
			i.Error = newErrorInfo(cause)
		}
	}
}

// shutdown cancels the live replay and drops every waiter of a terminal
// instance.
func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancelRun
	e.cancelRun = nil
	e.subs = make(map[string]map[string]struct{})
	e.mu.Unlock()

	e.sem.close()
	if cancel != nil {
		cancel()
	}
	e.queue.Clear()
	e.handleNextAlarm(ctx)
	e.recordGraceMarker(ctx, nil)
}

// transition persists a status change. apply may edit the new row before
// it is written. It returns the previous status.
func (e *Engine) transition(ctx context.Context, to Status, reason string, apply func(*Instance)) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return "", ErrInstanceNotFound
	}
	from := e.inst.Status
	if err := validTransition(from, to); err != nil {
		return from, err
	}
	if from == to {
		return from, nil
	}

	next := *e.inst
	next.Status = to
	next.UpdatedAt = e.now()
	if apply != nil {
		apply(&next)
	}
	data, err := e.opts.Codec.Marshal(&next)
	if err != nil {
		return from, fmt.Errorf("failed to encode instance: %w", err)
	}

	meta := map[string]any{"from": string(from), "to": string(to)}
	if reason != "" {
		meta["reason"] = reason
	}
	err = e.withLog(ctx, logSpec{typ: "instance.status", target: string(to), meta: meta}, func(extra []store.Entry) error {
		if err := e.st.Put(ctx, e.id, append([]store.Entry{{Key: instanceKey, Value: data}}, extra...)...); err != nil {
			return err
		}
		if to.Terminal() {
			e.sealed = true
		}
		return nil
	})
	if err != nil {
		return from, err
	}

	e.inst = &next
	e.opts.Metrics.RecordTransition(from, to)
	e.logger.Debug("status changed", "from", from, "status", to)
	return from, nil
}

// Destroy deletes the instance and its whole namespace. The engine cannot
// be used afterwards.
func (e *Engine) Destroy(ctx context.Context) error {
	e.shutdown(ctx)
	e.mu.Lock()
	e.inst = nil
	e.destroyed = true
	e.mu.Unlock()

	// Wait for the cancelled replay, then hold logMu so a body still
	// settling on its own goroutine cannot write into the deleted
	// namespace.
	e.actorMu.Lock()
	defer e.actorMu.Unlock()
	e.logMu.Lock()
	defer e.logMu.Unlock()
	e.sealed = true

	if err := e.st.DeleteNamespace(ctx, e.id); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	e.logger.Info("instance destroyed")
	return nil
}

// Close stops the engine the way a host eviction would: the live replay is
// cancelled and every in-memory waiter dropped, but nothing persisted
// changes. An attempt cut short here is re-run by the next engine that
// loads the instance.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancelRun
	e.mu.Unlock()

	e.sem.close()
	if cancel != nil {
		cancel()
	}
	// Wait for the replay to settle.
	e.actorMu.Lock()
	e.actorMu.Unlock()

	e.queue.Clear()
	e.handleNextAlarm(ctx)
	e.logger.Debug("engine closed")
	return nil
}

// recordGraceMarker implements scheduler.
func (e *Engine) recordGraceMarker(ctx context.Context, m *GraceMarker) {
	if e.opts.GraceMode != GracePersist {
		return
	}
	var err error
	if m == nil {
		err = e.st.Delete(ctx, e.id, graceKey)
	} else {
		var data []byte
		data, err = e.opts.Codec.Marshal(m)
		if err == nil {
			err = e.st.Put(ctx, e.id, store.Entry{Key: graceKey, Value: data})
		}
	}
	if err != nil {
		e.logger.Error("failed to persist grace marker", "error", err)
	}
}

func (e *Engine) scheduleResume(ctx context.Context) {
	e.queue.Insert(e.now(), AlarmResume, resumeSubject)
	e.handleNextAlarm(ctx)
}

// handleNextAlarm arms the host alarm at the earliest queued wake-up, or
// clears it when the queue is empty. It implements scheduler.
func (e *Engine) handleNextAlarm(ctx context.Context) {
	e.alarmMu.Lock()
	defer e.alarmMu.Unlock()

	depth := e.queue.Len()
	e.opts.Metrics.AddQueueDepth(depth - e.lastDepth)
	e.lastDepth = depth

	next, ok := e.queue.Next()
	if !ok {
		if e.armed {
			if err := e.opts.Alarm.ClearWake(ctx); err != nil {
				e.logger.Error("failed to clear alarm", "error", err)
				return
			}
			e.armed = false
		}
		return
	}
	if e.armed && next.DueAt.Equal(e.armedAt) {
		return
	}
	if err := e.opts.Alarm.SetNextWake(ctx, next.DueAt); err != nil {
		e.logger.Error("failed to set alarm", "error", err, "due_at", next.DueAt)
		return
	}
	e.armed = true
	e.armedAt = next.DueAt
}

// Alarm handles the host alarm. Every due wake-up is popped; a due
// watchdog deadline may abort the instance, and any other due wake-up
// replays the run.
func (e *Engine) Alarm(ctx context.Context) error {
	e.alarmMu.Lock()
	e.armed = false
	e.alarmMu.Unlock()

	due := e.queue.PopDue(e.now())
	wake := false
	var deadlines []uint64
	for _, entry := range due {
		if entry.Kind == AlarmGraceDeadline {
			if gen, ok := parseGraceSubject(entry.SubjectID); ok {
				deadlines = append(deadlines, gen)
			}
			continue
		}
		wake = true
	}
	e.handleNextAlarm(ctx)

	for _, gen := range deadlines {
		outcome, err := e.sem.onDeadline(ctx, gen, func() bool {
			return wake || e.queue.Len() > 0 || e.currentStatus() == StatusPaused
		})
		if err != nil {
			return err
		}
		switch outcome {
		case graceAborted:
			return nil
		case graceDeferred:
			err := e.WriteLog(ctx, "grace.elapsed", "", "", map[string]any{"generation": gen})
			if err != nil {
				return err
			}
			e.logger.Debug("grace period elapsed with waiters pending", "generation", gen)
		}
	}

	if !wake {
		return nil
	}
	return e.replay(ctx)
}

type outcomeKind int

const (
	outcomeSuspended outcomeKind = iota
	outcomeReturned
	outcomePanicked
	outcomeCancelled
)

type runOutcome struct {
	kind  outcomeKind
	value any
	err   error
}

// replay runs the workflow from the top until it returns or suspends.
func (e *Engine) replay(ctx context.Context) error {
	e.actorMu.Lock()
	defer e.actorMu.Unlock()

	e.mu.Lock()
	if e.stopped || e.inst == nil || e.inst.Status != StatusRunning {
		e.mu.Unlock()
		return nil
	}
	e.runGen++
	// The replay outlives the caller's request; abort cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelRun = cancel
	e.subs = make(map[string]map[string]struct{})
	r := &run{engine: e, ctx: runCtx, gen: e.runGen, counts: make(map[string]int)}
	event := Event{Payload: e.inst.Payload, Timestamp: e.inst.TriggeredAt, InstanceID: e.id}
	e.mu.Unlock()
	defer cancel()

	if e.queue.Remove(resumeSubject) {
		e.handleNextAlarm(ctx)
	}
	e.sem.ensureCountdown(ctx)

	done := make(chan runOutcome, 1)
	go e.execute(r, event, done)

	var out runOutcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = runOutcome{kind: outcomeCancelled}
	}

	e.mu.Lock()
	if r.gen == e.runGen {
		e.cancelRun = nil
	}
	e.mu.Unlock()

	return e.settle(ctx, out)
}

// execute calls Run on its own goroutine. Steps end that goroutine with
// runtime.Goexit to suspend, which the deferred handler reports as a
// suspension since recover returns nil.
func (e *Engine) execute(r *run, event Event, done chan<- runOutcome) {
	var out runOutcome
	returned := false
	defer func() {
		if returned {
			done <- out
			return
		}
		if p := recover(); p != nil {
			if iv, ok := p.(*InvariantViolation); ok {
				done <- runOutcome{kind: outcomePanicked, err: iv}
				return
			}
			done <- runOutcome{kind: outcomePanicked, err: fmt.Errorf("workflow panicked: %v", p)}
			return
		}
		done <- runOutcome{kind: outcomeSuspended}
	}()

	v, err := e.wf.Run(r.ctx, event, &Step{run: r})
	out = runOutcome{kind: outcomeReturned, value: v, err: err}
	returned = true
}

// settle records what a replay ended with.
func (e *Engine) settle(ctx context.Context, out runOutcome) error {
	switch out.kind {
	case outcomeSuspended:
		e.logger.Debug("run suspended", "queued", e.queue.Len())
		return nil
	case outcomeCancelled:
		e.logger.Debug("run cancelled")
		return nil
	}

	// A run that ends while paused is not recorded; it replays to the
	// same end on resume.
	if e.currentStatus() != StatusRunning {
		return nil
	}

	if out.kind == outcomeReturned && out.err == nil {
		output, err := encodePayload(out.value)
		if err == nil {
			_, err = e.finish(ctx, StatusComplete, "", func(i *Instance) { i.Output = output })
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				return err
			}
			e.logger.Info("instance complete")
			return nil
		}
		out.err = fmt.Errorf("encode output: %w", err)
	}

	var inv *InvariantViolation
	if errors.As(out.err, &inv) {
		e.logger.Error("invariant violated", "error", out.err)
	} else {
		e.logger.Info("instance errored", "error", out.err)
	}
	_, err := e.finish(ctx, StatusErrored, "", failed("", out.err))
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return nil
}
