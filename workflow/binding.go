package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// maxBatchConcurrency bounds the instances CreateBatch initializes at once.
const maxBatchConcurrency = 8

// ErrBindingClosed is returned by a Binding after Close.
var ErrBindingClosed = errors.New("binding is closed")

// CreateOptions describes one instance to create.
type CreateOptions struct {
	// ID is the instance ID. Empty generates a UUID.
	ID string

	// Params is the run's input payload. It is stored as JSON.
	Params any
}

// SendEventOptions is an event sent through an InstanceHandle.
type SendEventOptions struct {
	Type    string
	Payload any
}

// Binding is the control plane for one workflow definition. It owns one
// engine per live instance, each armed with its own TimerAlarm, and loads
// evicted instances back from the store on demand.
type Binding struct {
	name   string
	wf     Workflow
	st     store.Store
	opts   []Option
	logger *slog.Logger

	loads singleflight.Group

	mu      sync.Mutex
	engines map[string]*boundEngine
	closed  bool
}

type boundEngine struct {
	engine *Engine
	alarm  *TimerAlarm
}

// NewBinding creates the binding for workflow name. opts are applied to
// every engine it creates; the alarm is always a TimerAlarm.
func NewBinding(name string, wf Workflow, st store.Store, opts ...Option) (*Binding, error) {
	if name == "" {
		return nil, errors.New("workflow name cannot be empty")
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
	return &Binding{
		name:    name,
		wf:      wf,
		st:      st,
		opts:    opts,
		logger:  o.Logger.With("workflow", name),
		engines: make(map[string]*boundEngine),
	}, nil
}

// Name returns the workflow name.
func (b *Binding) Name() string { return b.name }

func (b *Binding) newEngine(id string) (*boundEngine, error) {
	var eng *Engine
	alarm := NewTimerAlarm(func() {
		if err := eng.Alarm(context.Background()); err != nil {
			b.logger.Error("alarm failed", "instance_id", id, "error", err)
		}
	})
	opts := append(append([]Option{}, b.opts...), WithAlarm(alarm))
	eng, err := New(id, b.wf, b.st, opts...)
	if err != nil {
		return nil, err
	}
	return &boundEngine{engine: eng, alarm: alarm}, nil
}

func (b *Binding) stop(ctx context.Context, be *boundEngine) {
	be.alarm.Stop()
	if err := be.engine.Close(ctx); err != nil {
		b.logger.Warn("failed to close engine", "instance_id", be.engine.ID(), "error", err)
	}
}

// Create starts a new instance and schedules its first run.
func (b *Binding) Create(ctx context.Context, opts CreateOptions) (*InstanceHandle, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := encodePayload(opts.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBindingClosed
	}
	if _, ok := b.engines[id]; ok {
		b.mu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	b.mu.Unlock()

	be, err := b.newEngine(id)
	if err != nil {
		return nil, err
	}
	err = be.engine.Init(ctx, InitRequest{
		WorkflowName: b.name,
		Payload:      payload,
	})
	if err != nil {
		b.stop(ctx, be)
		return nil, err
	}

	b.mu.Lock()
	if _, ok := b.engines[id]; ok || b.closed {
		b.mu.Unlock()
		b.stop(ctx, be)
		if ok {
			return nil, ErrAlreadyInitialized
		}
		return nil, ErrBindingClosed
	}
	b.engines[id] = be
	b.mu.Unlock()

	b.logger.Debug("instance created", "instance_id", id)
	return &InstanceHandle{id: id, binding: b}, nil
}

// CreateBatch creates every instance concurrently. It fails as a whole on
// a duplicate ID; otherwise the first creation error is returned and the
// instances already created are kept.
func (b *Binding) CreateBatch(ctx context.Context, batch []CreateOptions) ([]*InstanceHandle, error) {
	batch = append([]CreateOptions(nil), batch...)
	seen := make(map[string]struct{}, len(batch))
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.NewString()
		}
		if _, dup := seen[batch[i].ID]; dup {
			return nil, fmt.Errorf("duplicate instance id %q in batch", batch[i].ID)
		}
		seen[batch[i].ID] = struct{}{}
	}

	handles := make([]*InstanceHandle, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)
	for i, opts := range batch {
		g.Go(func() error {
			h, err := b.Create(gctx, opts)
			if err != nil {
				return fmt.Errorf("create %s: %w", opts.ID, err)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return handles, nil
}

// Get returns the handle of an existing instance. It fails with
// ErrInstanceNotFound when no instance row exists.
func (b *Binding) Get(ctx context.Context, id string) (*InstanceHandle, error) {
	if _, err := b.engine(ctx, id); err != nil {
		return nil, err
	}
	return &InstanceHandle{id: id, binding: b}, nil
}

// engine returns the live engine for id, loading it from the store if it
// was evicted. Concurrent loads of one instance share a single engine.
func (b *Binding) engine(ctx context.Context, id string) (*Engine, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBindingClosed
	}
	if be, ok := b.engines[id]; ok {
		b.mu.Unlock()
		return be.engine, nil
	}
	b.mu.Unlock()

	v, err, _ := b.loads.Do(id, func() (any, error) {
		b.mu.Lock()
		if be, ok := b.engines[id]; ok {
			b.mu.Unlock()
			return be.engine, nil
		}
		b.mu.Unlock()

		be, err := b.newEngine(id)
		if err != nil {
			return nil, err
		}
		if err := be.engine.Load(ctx); err != nil {
			b.stop(ctx, be)
			return nil, err
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			go b.stop(context.Background(), be)
			return nil, ErrBindingClosed
		}
		b.engines[id] = be
		b.logger.Debug("instance loaded", "instance_id", id)
		return be.engine, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// Evict drops the live engine of id as a host eviction would. The next
// call that needs the instance loads it from the store.
func (b *Binding) Evict(ctx context.Context, id string) {
	b.mu.Lock()
	be, ok := b.engines[id]
	delete(b.engines, id)
	b.mu.Unlock()
	if ok {
		b.stop(ctx, be)
	}
}

// Close evicts every engine. The store is left open.
func (b *Binding) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	engines := b.engines
	b.engines = make(map[string]*boundEngine)
	b.mu.Unlock()

	for _, be := range engines {
		b.stop(ctx, be)
	}
	return nil
}

// InstanceHandle controls one instance. It stays valid across evictions.
type InstanceHandle struct {
	id      string
	binding *Binding
}

// ID returns the instance ID.
func (h *InstanceHandle) ID() string { return h.id }

// Status returns the committed status, output and error.
func (h *InstanceHandle) Status(ctx context.Context) (InstanceStatus, error) {
	e, err := h.binding.engine(ctx, h.id)
	if err != nil {
		return InstanceStatus{}, err
	}
	return e.Status(ctx)
}

// SendEvent delivers an event to the instance.
func (h *InstanceHandle) SendEvent(ctx context.Context, opts SendEventOptions) error {
	e, err := h.binding.engine(ctx, h.id)
	if err != nil {
		return err
	}
	return e.SendEvent(ctx, opts.Type, opts.Payload)
}

// Pause pauses a running instance.
func (h *InstanceHandle) Pause(ctx context.Context) error {
	e, err := h.binding.engine(ctx, h.id)
	if err != nil {
		return err
	}
	return e.Pause(ctx)
}

// Resume resumes a paused instance.
func (h *InstanceHandle) Resume(ctx context.Context) error {
	e, err := h.binding.engine(ctx, h.id)
	if err != nil {
		return err
	}
	return e.Resume(ctx)
}

// Terminate terminates a running or paused instance.
func (h *InstanceHandle) Terminate(ctx context.Context) error {
	e, err := h.binding.engine(ctx, h.id)
	if err != nil {
		return err
	}
	return e.UserTriggeredTerminate(ctx)
}

// Restart is reserved. It always fails with ErrUnimplemented.
func (h *InstanceHandle) Restart(ctx context.Context) error {
	return ErrUnimplemented
}
