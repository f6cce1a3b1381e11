package workflow

import (
	"context"
	"sync"
	"time"
)

// Alarm is the single wake-up timer a host gives each actor. Setting a new
// wake replaces the previous one; a set alarm fires at most once.
type Alarm interface {
	SetNextWake(ctx context.Context, at time.Time) error
	ClearWake(ctx context.Context) error
}

// TimerAlarm implements Alarm with time.AfterFunc. fire runs on its own
// goroutine when the wake is reached.
type TimerAlarm struct {
	mu    sync.Mutex
	timer *time.Timer
	next  time.Time
	gen   uint64
	fire  func()
}

// NewTimerAlarm returns an alarm that calls fire when it goes off.
func NewTimerAlarm(fire func()) *TimerAlarm {
	return &TimerAlarm{fire: fire}
}

// SetNextWake implements Alarm.
func (a *TimerAlarm) SetNextWake(_ context.Context, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.next = at
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		if gen != a.gen {
			// Replaced after the timer already fired.
			a.mu.Unlock()
			return
		}
		a.next = time.Time{}
		a.mu.Unlock()
		a.fire()
	})
	return nil
}

// ClearWake implements Alarm.
func (a *TimerAlarm) ClearWake(context.Context) error {
	a.Stop()
	return nil
}

// Next returns the armed wake time, if any.
func (a *TimerAlarm) Next() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next, !a.next.IsZero()
}

// Stop disarms the alarm.
func (a *TimerAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.next = time.Time{}
}

// ManualAlarm records the requested wake without firing it. The owner
// decides when to call Engine.Alarm. It is the default when no alarm is
// configured.
type ManualAlarm struct {
	mu   sync.Mutex
	next time.Time
	sets int
}

// SetNextWake implements Alarm.
func (a *ManualAlarm) SetNextWake(_ context.Context, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = at
	a.sets++
	return nil
}

// ClearWake implements Alarm.
func (a *ManualAlarm) ClearWake(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = time.Time{}
	return nil
}

// Next returns the armed wake time, if any.
func (a *ManualAlarm) Next() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next, !a.next.IsZero()
}

// Sets counts SetNextWake calls.
func (a *ManualAlarm) Sets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sets
}
