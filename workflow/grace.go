package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GracePeriodReason is the abort reason recorded by the idle watchdog.
const GracePeriodReason = "Grace period complete"

const (
	defaultGracePeriod = 5 * time.Minute
	graceSubjectPrefix = "grace/"
)

// GraceMode decides what happens to the watchdog countdown when an engine
// is rebuilt after an eviction.
type GraceMode string

const (
	// GraceReset starts a fresh countdown on load.
	GraceReset GraceMode = "reset"

	// GracePersist stores the marker and resumes the countdown where it
	// was, so an instance that went idle keeps its original deadline.
	GracePersist GraceMode = "persist"
)

func (m GraceMode) valid() bool {
	return m == GraceReset || m == GracePersist
}

// GraceMarker identifies the countdown started by the latest drain to zero.
// A firing countdown whose generation no longer matches is stale.
type GraceMarker struct {
	StartedAt  time.Time `json:"startedAt"`
	Generation uint64    `json:"generation"`
}

// scheduler is what the semaphore needs from its Engine.
type scheduler interface {
	// handleNextAlarm re-arms the host alarm from the queue.
	handleNextAlarm(ctx context.Context)

	// abort terminates the instance with reason.
	abort(ctx context.Context, status Status, reason string, cause error) error

	// recordGraceMarker persists m (nil clears it) when markers persist.
	recordGraceMarker(ctx context.Context, m *GraceMarker)
}

// graceOutcome is what a fired countdown did.
type graceOutcome int

const (
	// graceSuperseded: a newer marker or a running step made it stale.
	graceSuperseded graceOutcome = iota

	// graceDeferred: idle, but a durable waiter still owns the instance.
	graceDeferred

	// graceAborted: the instance was terminated.
	graceAborted
)

// GracePeriodSemaphore counts step bodies in flight. When the count drains
// to zero it starts a countdown; if nothing acquires the semaphore before
// the countdown expires, the instance is considered orphaned and is
// aborted.
//
// The countdown is an AlarmGraceDeadline entry in the engine's queue, so it
// shares the actor's single host alarm with every other waiter.
type GracePeriodSemaphore struct {
	mu      sync.Mutex
	count   int
	marker  *GraceMarker
	gen     uint64
	timeout time.Duration
	closed  bool // set once the instance is terminal

	queue   *TimePriorityQueue
	clock   Clock
	sched   scheduler
	metrics *PrometheusMetrics
}

func newGracePeriodSemaphore(sched scheduler, queue *TimePriorityQueue, clock Clock, timeout time.Duration, metrics *PrometheusMetrics) *GracePeriodSemaphore {
	if timeout <= 0 {
		timeout = defaultGracePeriod
	}
	return &GracePeriodSemaphore{
		timeout: timeout,
		queue:   queue,
		clock:   clock,
		sched:   sched,
		metrics: metrics,
	}
}

func graceSubject(gen uint64) string {
	return graceSubjectPrefix + strconv.FormatUint(gen, 10)
}

func parseGraceSubject(subject string) (uint64, bool) {
	rest, ok := strings.CutPrefix(subject, graceSubjectPrefix)
	if !ok {
		return 0, false
	}
	gen, err := strconv.ParseUint(rest, 10, 64)
	return gen, err == nil
}

// Acquire marks one more step in flight. The first acquire invalidates
// any outstanding countdown.
func (g *GracePeriodSemaphore) Acquire(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.count++
	var cleared *GraceMarker
	if g.count == 1 && g.marker != nil {
		cleared = g.marker
		g.marker = nil
	}
	g.mu.Unlock()

	g.metrics.incInflight()
	if cleared != nil {
		g.queue.Remove(graceSubject(cleared.Generation))
		g.sched.recordGraceMarker(ctx, nil)
		g.sched.handleNextAlarm(ctx)
	}
}

// Release marks one step finished. The count never drops below zero; the
// release that brings it to zero starts a countdown.
func (g *GracePeriodSemaphore) Release(ctx context.Context) {
	g.mu.Lock()
	if g.count == 0 {
		g.mu.Unlock()
		return
	}
	g.count--
	drained := g.count == 0
	g.mu.Unlock()

	g.metrics.decInflight()
	if drained {
		g.startCountdown(ctx, g.clock.Now())
	}
}

// IsRunningStep reports whether any step is in flight.
func (g *GracePeriodSemaphore) IsRunningStep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count > 0
}

// InFlight returns the current count.
func (g *GracePeriodSemaphore) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Marker returns the outstanding marker, if any.
func (g *GracePeriodSemaphore) Marker() (GraceMarker, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marker == nil {
		return GraceMarker{}, false
	}
	return *g.marker, true
}

// startCountdown records a fresh marker started at startedAt and queues its
// deadline. It panics if another countdown is still live.
func (g *GracePeriodSemaphore) startCountdown(ctx context.Context, startedAt time.Time) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if g.marker != nil && g.queue.Has(graceSubject(g.marker.Generation)) {
		g.mu.Unlock()
		panic(&InvariantViolation{Message: fmt.Sprintf("grace countdown %d already active", g.marker.Generation)})
	}
	g.gen++
	m := &GraceMarker{StartedAt: startedAt, Generation: g.gen}
	g.marker = m
	g.mu.Unlock()

	g.queue.Insert(startedAt.Add(g.timeout), AlarmGraceDeadline, graceSubject(m.Generation))
	g.sched.recordGraceMarker(ctx, m)
	g.sched.handleNextAlarm(ctx)
}

// ensureCountdown starts a countdown when the semaphore is idle and no
// live countdown exists. A replay calls it before running user code, so a
// run that blocks before its first step is still watched.
func (g *GracePeriodSemaphore) ensureCountdown(ctx context.Context) {
	g.mu.Lock()
	live := g.marker != nil && g.queue.Has(graceSubject(g.marker.Generation))
	idle := g.count == 0 && !g.closed
	g.mu.Unlock()
	if idle && !live {
		g.startCountdown(ctx, g.clock.Now())
	}
}

// restore resumes a persisted countdown. Generations continue after the
// restored one.
func (g *GracePeriodSemaphore) restore(ctx context.Context, m GraceMarker) {
	g.mu.Lock()
	if m.Generation > g.gen {
		g.gen = m.Generation
	}
	g.marker = &m
	g.mu.Unlock()

	g.queue.Insert(m.StartedAt.Add(g.timeout), AlarmGraceDeadline, graceSubject(m.Generation))
	g.sched.handleNextAlarm(ctx)
}

// close drops the count and any countdown. Later calls are no-ops. Used
// once an instance is terminal.
func (g *GracePeriodSemaphore) close() {
	g.mu.Lock()
	g.closed = true
	n := g.count
	g.count = 0
	m := g.marker
	g.marker = nil
	g.mu.Unlock()

	for ; n > 0; n-- {
		g.metrics.decInflight()
	}
	if m != nil {
		g.queue.Remove(graceSubject(m.Generation))
	}
}

// onDeadline runs when a graceDeadline entry for generation fires.
// waiting reports whether the instance still has a durable reason to
// exist (a queued waiter, or a paused status).
func (g *GracePeriodSemaphore) onDeadline(ctx context.Context, generation uint64, waiting func() bool) (graceOutcome, error) {
	g.mu.Lock()
	current := !g.closed && g.marker != nil && g.marker.Generation == generation && g.count == 0
	g.mu.Unlock()
	if !current {
		return graceSuperseded, nil
	}

	g.sched.handleNextAlarm(ctx)
	if waiting() {
		return graceDeferred, nil
	}

	err := g.sched.abort(ctx, StatusTerminated, GracePeriodReason, ErrGracePeriodAbort)
	return graceAborted, err
}
