package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// approvalWorkflow waits for an "approval" event and returns its payload.
func approvalWorkflow(started *atomic.Int32) Workflow {
	return WorkflowFunc(func(ctx context.Context, ev Event, step *Step) (any, error) {
		if _, err := step.Do("start", func(ctx context.Context) (any, error) {
			if started != nil {
				started.Add(1)
			}
			return "started", nil
		}); err != nil {
			return nil, err
		}
		got, err := step.WaitForEvent("approval", WaitOptions{Timeout: time.Hour})
		if err != nil {
			return nil, err
		}
		var body map[string]string
		if err := got.Decode(&body); err != nil {
			return nil, err
		}
		return body["by"], nil
	})
}

func newTestBinding(t *testing.T, wf Workflow) *Binding {
	t.Helper()
	b, err := NewBinding("approvals", wf, store.NewMemStore())
	if err != nil {
		t.Fatalf("NewBinding: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// waitStatus polls until the instance reaches want.
func waitStatus(t *testing.T, h *InstanceHandle, want Status) InstanceStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := h.Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if s.Status == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %s, still %s", want, s.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitStarted polls until the first step body has run n times in total.
func waitStarted(t *testing.T, started *atomic.Int32, n int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for started.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d starts, got %d", n, started.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestBinding_Lifecycle verifies an instance runs on real alarms and
// completes once its event arrives.
func TestBinding_Lifecycle(t *testing.T) {
	ctx := context.Background()
	var started atomic.Int32
	b := newTestBinding(t, approvalWorkflow(&started))

	h, err := b.Create(ctx, CreateOptions{Params: map[string]int{"amount": 10}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.ID() == "" {
		t.Fatal("expected a generated ID")
	}
	waitStarted(t, &started, 1)

	err = h.SendEvent(ctx, SendEventOptions{Type: "approval", Payload: map[string]string{"by": "ops"}})
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	s := waitStatus(t, h, StatusComplete)
	if string(s.Output) != `"ops"` {
		t.Errorf(`expected output "ops", got %s`, s.Output)
	}
	if started.Load() != 1 {
		t.Errorf("expected start body to run once, ran %d times", started.Load())
	}
}

// TestBinding_Evict verifies a handle keeps working after its engine is
// evicted and that the reload does not rerun committed steps.
func TestBinding_Evict(t *testing.T) {
	ctx := context.Background()
	var started atomic.Int32
	b := newTestBinding(t, approvalWorkflow(&started))

	h, err := b.Create(ctx, CreateOptions{ID: "order-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitStarted(t, &started, 1)

	b.Evict(ctx, "order-1")

	again, err := b.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get after evict: %v", err)
	}
	if err := again.SendEvent(ctx, SendEventOptions{Type: "approval", Payload: map[string]string{"by": "lead"}}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	s := waitStatus(t, h, StatusComplete)
	if string(s.Output) != `"lead"` {
		t.Errorf(`expected output "lead", got %s`, s.Output)
	}
	if started.Load() != 1 {
		t.Errorf("expected start body to run once, ran %d times", started.Load())
	}

	if _, err := b.Create(ctx, CreateOptions{ID: "order-1"}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized for existing row, got %v", err)
	}
}

// TestBinding_Control verifies pause, resume and terminate through a
// handle.
func TestBinding_Control(t *testing.T) {
	ctx := context.Background()
	var started atomic.Int32
	b := newTestBinding(t, approvalWorkflow(&started))

	h, err := b.Create(ctx, CreateOptions{ID: "ctl"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitStarted(t, &started, 1)

	if err := h.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitStatus(t, h, StatusPaused)
	if err := h.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, h, StatusRunning)

	if err := h.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitStatus(t, h, StatusTerminated)
	if err := h.Terminate(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second terminate, got %v", err)
	}
	if err := h.SendEvent(ctx, SendEventOptions{Type: "approval"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition sending to terminated instance, got %v", err)
	}
	if err := h.Restart(ctx); !errors.Is(err, ErrUnimplemented) {
		t.Errorf("expected ErrUnimplemented, got %v", err)
	}
}

// TestBinding_CreateBatch verifies batch creation and its rejections.
func TestBinding_CreateBatch(t *testing.T) {
	ctx := context.Background()
	done := WorkflowFunc(func(ctx context.Context, ev Event, step *Step) (any, error) {
		var in struct{ N int }
		if err := ev.Decode(&in); err != nil {
			return nil, err
		}
		return Do(step, "double", func(ctx context.Context) (int, error) { return in.N * 2, nil })
	})

	t.Run("creates every instance", func(t *testing.T) {
		b := newTestBinding(t, done)
		batch := []CreateOptions{
			{ID: "a", Params: map[string]int{"N": 1}},
			{ID: "b", Params: map[string]int{"N": 2}},
			{Params: map[string]int{"N": 3}},
		}
		handles, err := b.CreateBatch(ctx, batch)
		if err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
		if len(handles) != 3 {
			t.Fatalf("expected 3 handles, got %d", len(handles))
		}
		if batch[2].ID != "" {
			t.Error("CreateBatch must not modify the caller's slice")
		}
		for i, h := range handles {
			s := waitStatus(t, h, StatusComplete)
			want := []string{"2", "4", "6"}[i]
			if string(s.Output) != want {
				t.Errorf("instance %s: expected %s, got %s", h.ID(), want, s.Output)
			}
		}
	})

	t.Run("duplicate IDs fail before creating", func(t *testing.T) {
		b := newTestBinding(t, done)
		_, err := b.CreateBatch(ctx, []CreateOptions{{ID: "x"}, {ID: "x"}})
		if err == nil {
			t.Fatal("expected error")
		}
		if _, err := b.Get(ctx, "x"); !errors.Is(err, ErrInstanceNotFound) {
			t.Errorf("expected nothing created, got %v", err)
		}
	})
}

// TestBinding_Errors verifies lookups of unknown instances and use after
// Close.
func TestBinding_Errors(t *testing.T) {
	ctx := context.Background()
	b := newTestBinding(t, noopWorkflow())

	if _, err := b.Get(ctx, "nope"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if _, err := b.Create(ctx, CreateOptions{ID: "dup"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := b.Create(ctx, CreateOptions{ID: "dup"}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := b.Create(ctx, CreateOptions{Params: func() {}}); err == nil {
		t.Error("expected error for unencodable params")
	}

	if _, err := NewBinding("", noopWorkflow(), store.NewMemStore()); err == nil {
		t.Error("expected error for empty name")
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Create(ctx, CreateOptions{}); !errors.Is(err, ErrBindingClosed) {
		t.Errorf("expected ErrBindingClosed, got %v", err)
	}
	if _, err := b.Get(ctx, "dup"); !errors.Is(err, ErrBindingClosed) {
		t.Errorf("expected ErrBindingClosed, got %v", err)
	}
}

// TestBinding_SendEventDoesNotRunSteps verifies SendEvent returns while
// the steps the event unblocks are still running.
func TestBinding_SendEventDoesNotRunSteps(t *testing.T) {
	ctx := context.Background()
	var started atomic.Int32
	reached := make(chan struct{})
	release := make(chan struct{})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	wf := WorkflowFunc(func(ctx context.Context, ev Event, step *Step) (any, error) {
		if _, err := step.Do("start", func(ctx context.Context) (any, error) {
			started.Add(1)
			return nil, nil
		}); err != nil {
			return nil, err
		}
		if _, err := step.WaitForEvent("go", WaitOptions{Timeout: time.Hour}); err != nil {
			return nil, err
		}
		return step.Do("slow", func(ctx context.Context) (any, error) {
			close(reached)
			<-release
			return "done", nil
		})
	})
	b := newTestBinding(t, wf)

	h, err := b.Create(ctx, CreateOptions{ID: "prompt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitStarted(t, &started, 1)

	sendCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	begin := time.Now()
	if err := h.SendEvent(sendCtx, SendEventOptions{Type: "go"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 250*time.Millisecond {
		t.Errorf("expected SendEvent to return promptly, took %v", elapsed)
	}

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("event never resumed the run")
	}
	if s, err := h.Status(ctx); err != nil || s.Status != StatusRunning {
		t.Errorf("expected running while the step is blocked, got %s (%v)", s.Status, err)
	}

	close(release)
	s := waitStatus(t, h, StatusComplete)
	if string(s.Output) != `"done"` {
		t.Errorf(`expected output "done", got %s`, s.Output)
	}
}
