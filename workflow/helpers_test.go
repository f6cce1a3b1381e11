package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/emit"
	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a Clock tests move by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness drives one engine with a fake clock and a ManualAlarm.
type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *fakeClock
	alarm  *ManualAlarm
	st     store.Store
	events *emit.BufferedEmitter
	wf     Workflow
	opts   []Option
	engine *Engine
}

func newHarness(t *testing.T, wf Workflow, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  newFakeClock(),
		st:     store.NewMemStore(),
		events: emit.NewBufferedEmitter(),
		wf:     wf,
		opts:   opts,
	}
	h.engine = h.newEngine()
	return h
}

func (h *harness) newEngine() *Engine {
	h.t.Helper()
	h.alarm = &ManualAlarm{}
	opts := append([]Option{
		WithClock(h.clock),
		WithAlarm(h.alarm),
		WithEmitter(h.events),
	}, h.opts...)
	e, err := New("inst-1", h.wf, h.st, opts...)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	return e
}

func (h *harness) init(payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal payload: %v", err)
	}
	if err := h.engine.Init(h.ctx, InitRequest{WorkflowName: "test-flow", Payload: raw}); err != nil {
		h.t.Fatalf("Init: %v", err)
	}
}

// evict closes the engine and loads a fresh one over the same store.
func (h *harness) evict() {
	h.t.Helper()
	if err := h.engine.Close(h.ctx); err != nil {
		h.t.Fatalf("Close: %v", err)
	}
	h.engine = h.newEngine()
	if err := h.engine.Load(h.ctx); err != nil {
		h.t.Fatalf("Load: %v", err)
	}
}

// fire delivers the armed alarm, moving the clock forward to it first. It
// reports false when no alarm is armed.
func (h *harness) fire() bool {
	h.t.Helper()
	at, ok := h.alarm.Next()
	if !ok {
		return false
	}
	h.clock.Set(at)
	_ = h.alarm.ClearWake(h.ctx)
	if err := h.engine.Alarm(h.ctx); err != nil {
		h.t.Fatalf("Alarm: %v", err)
	}
	return true
}

// fireUntil fires alarms until done reports true.
func (h *harness) fireUntil(done func() bool) {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		if done() {
			return
		}
		if !h.fire() {
			h.t.Fatalf("no alarm armed and condition not met (status %s)", h.status().Status)
		}
	}
	h.t.Fatal("condition not met after 100 alarms")
}

func (h *harness) terminal() bool { return h.status().Status.Terminal() }

func (h *harness) status() InstanceStatus {
	h.t.Helper()
	s, err := h.engine.Status(h.ctx)
	if err != nil {
		h.t.Fatalf("Status: %v", err)
	}
	return s
}

func (h *harness) types() []string {
	return h.events.Types("inst-1")
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}
