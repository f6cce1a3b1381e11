package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// StepKind is the kind of step a cacheKey was first declared as.
type StepKind string

const (
	KindDo           StepKind = "do"
	KindSleep        StepKind = "sleep"
	KindWaitForEvent StepKind = "waitForEvent"
)

// StepStatus is the state of a step record.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepRecord is the persisted state of one step, stored under
// steps/<cacheKey>.
type StepRecord struct {
	CacheKey string          `json:"cacheKey"`
	Name     string          `json:"name"`
	Kind     StepKind        `json:"kind"`
	Attempt  int             `json:"attempt"`
	Config   StepConfig      `json:"config"`
	Status   StepStatus      `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorInfo      `json:"error,omitempty"`

	// WakeAt is when a pending record may make progress: the retry time
	// after a failed attempt, the end of a sleep, or the deadline of an
	// event wait.
	WakeAt *time.Time `json:"wakeAt,omitempty"`

	// EventType is the event a waitForEvent step listens for.
	EventType string `json:"eventType,omitempty"`

	CommittedAt *time.Time `json:"committedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Final reports whether the record holds a committed outcome.
func (r StepRecord) Final() bool {
	return r.Status == StepSucceeded || r.Status == StepFailed
}

func (r StepRecord) sameOutcome(o StepRecord) bool {
	if r.Status != o.Status {
		return false
	}
	if r.Status == StepSucceeded {
		return bytes.Equal(r.Result, o.Result)
	}
	var a, b ErrorInfo
	if r.Error != nil {
		a = *r.Error
	}
	if o.Error != nil {
		b = *o.Error
	}
	return a == b
}

const stepKeyPrefix = "steps/"

func stepKey(cacheKey string) string { return stepKeyPrefix + cacheKey }

// StepLedger is the durable memo of step attempts for one instance.
//
// Records are cached after the first read; the ledger assumes it is the
// only writer of its namespace's steps/ keys, which holds while one actor
// owns the instance.
//
// Writes accept extra entries so a record and the log entry describing it
// land in the same atomic batch.
type StepLedger struct {
	st        store.Store
	namespace string
	codec     store.Codec

	mu     sync.Mutex
	cache  map[string]StepRecord
	loaded bool
}

// NewStepLedger creates a ledger over the steps/ keys of namespace. A nil
// codec selects JSON.
func NewStepLedger(st store.Store, namespace string, codec store.Codec) *StepLedger {
	if codec == nil {
		codec = store.JSONCodec{}
	}
	return &StepLedger{
		st:        st,
		namespace: namespace,
		codec:     codec,
		cache:     make(map[string]StepRecord),
	}
}

// Preload reads every record of the namespace in one List call.
func (l *StepLedger) Preload(ctx context.Context) error {
	entries, err := l.st.List(ctx, l.namespace, stepKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}

	cache := make(map[string]StepRecord, len(entries))
	for _, e := range entries {
		var rec StepRecord
		if err := l.codec.Unmarshal(e.Value, &rec); err != nil {
			return fmt.Errorf("failed to decode %s: %w", e.Key, err)
		}
		cache[strings.TrimPrefix(e.Key, stepKeyPrefix)] = rec
	}

	l.mu.Lock()
	l.cache = cache
	l.loaded = true
	l.mu.Unlock()
	return nil
}

// Lookup returns the record for cacheKey or ErrStepNotFound.
func (l *StepLedger) Lookup(ctx context.Context, cacheKey string) (StepRecord, error) {
	l.mu.Lock()
	rec, ok := l.cache[cacheKey]
	loaded := l.loaded
	l.mu.Unlock()
	if ok {
		return rec, nil
	}
	if loaded {
		return StepRecord{}, ErrStepNotFound
	}

	data, err := l.st.Get(ctx, l.namespace, stepKey(cacheKey))
	if errors.Is(err, store.ErrNotFound) {
		return StepRecord{}, ErrStepNotFound
	}
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to read step %s: %w", cacheKey, err)
	}
	if err := l.codec.Unmarshal(data, &rec); err != nil {
		return StepRecord{}, fmt.Errorf("failed to decode step %s: %w", cacheKey, err)
	}

	l.mu.Lock()
	l.cache[cacheKey] = rec
	l.mu.Unlock()
	return rec, nil
}

// SavePending records an attempt in progress or waiting to be retried. It
// returns errStaleAttempt if the key already holds a final outcome or a
// newer attempt.
func (l *StepLedger) SavePending(ctx context.Context, rec StepRecord, extra ...store.Entry) error {
	rec.Status = StepPending
	rec.CommittedAt = nil

	existing, err := l.Lookup(ctx, rec.CacheKey)
	switch {
	case errors.Is(err, ErrStepNotFound):
	case err != nil:
		return err
	case existing.Final(), existing.Attempt > rec.Attempt:
		return errStaleAttempt
	}
	return l.write(ctx, rec, extra)
}

// Commit writes the final outcome of rec.CacheKey.
//
// Committing the outcome already stored is a no-op. Committing a different
// outcome for the same attempt returns ErrDeterminismViolation; a
// different outcome from an older attempt is stale and returns
// errStaleAttempt without writing.
func (l *StepLedger) Commit(ctx context.Context, rec StepRecord, extra ...store.Entry) error {
	if !rec.Final() {
		return fmt.Errorf("commit of %s with non-final status %q", rec.CacheKey, rec.Status)
	}

	existing, err := l.Lookup(ctx, rec.CacheKey)
	switch {
	case errors.Is(err, ErrStepNotFound):
	case err != nil:
		return err
	case existing.Final():
		if existing.sameOutcome(rec) {
			return nil
		}
		if existing.Attempt == rec.Attempt {
			return fmt.Errorf("%w: %s", ErrDeterminismViolation, rec.CacheKey)
		}
		return errStaleAttempt
	case existing.Attempt > rec.Attempt:
		return errStaleAttempt
	}

	if rec.CommittedAt == nil {
		now := rec.UpdatedAt
		rec.CommittedAt = &now
	}
	rec.WakeAt = nil
	return l.write(ctx, rec, extra)
}

func (l *StepLedger) write(ctx context.Context, rec StepRecord, extra []store.Entry) error {
	data, err := l.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode step %s: %w", rec.CacheKey, err)
	}
	entries := append([]store.Entry{{Key: stepKey(rec.CacheKey), Value: data}}, extra...)
	if err := l.st.Put(ctx, l.namespace, entries...); err != nil {
		return fmt.Errorf("failed to write step %s: %w", rec.CacheKey, err)
	}

	l.mu.Lock()
	l.cache[rec.CacheKey] = rec
	l.mu.Unlock()
	return nil
}

// Records returns every cached record. Call Preload first for a complete
// view.
func (l *StepLedger) Records() []StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StepRecord, 0, len(l.cache))
	for _, r := range l.cache {
		out = append(out, r)
	}
	return out
}
