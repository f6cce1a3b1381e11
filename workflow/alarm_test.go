package workflow

import (
	"context"
	"testing"
	"time"
)

// TestTimerAlarm verifies firing, replacement and Stop.
func TestTimerAlarm(t *testing.T) {
	ctx := context.Background()

	t.Run("fires once at the wake", func(t *testing.T) {
		fired := make(chan struct{}, 2)
		a := NewTimerAlarm(func() { fired <- struct{}{} })
		if err := a.SetNextWake(ctx, time.Now().Add(10*time.Millisecond)); err != nil {
			t.Fatalf("SetNextWake: %v", err)
		}
		if _, ok := a.Next(); !ok {
			t.Error("expected an armed wake")
		}
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("alarm never fired")
		}
		if _, ok := a.Next(); ok {
			t.Error("expected no armed wake after firing")
		}
		select {
		case <-fired:
			t.Error("alarm fired twice")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("replacement cancels the earlier wake", func(t *testing.T) {
		fired := make(chan time.Time, 2)
		a := NewTimerAlarm(func() { fired <- time.Now() })
		start := time.Now()
		_ = a.SetNextWake(ctx, start.Add(10*time.Millisecond))
		_ = a.SetNextWake(ctx, start.Add(100*time.Millisecond))

		select {
		case at := <-fired:
			if at.Sub(start) < 90*time.Millisecond {
				t.Errorf("fired after %v, expected the replacement wake", at.Sub(start))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("alarm never fired")
		}
	})

	t.Run("clear disarms", func(t *testing.T) {
		fired := make(chan struct{}, 1)
		a := NewTimerAlarm(func() { fired <- struct{}{} })
		_ = a.SetNextWake(ctx, time.Now().Add(20*time.Millisecond))
		_ = a.ClearWake(ctx)
		select {
		case <-fired:
			t.Error("cleared alarm fired")
		case <-time.After(80 * time.Millisecond):
		}
	})
}

// TestManualAlarm verifies the recorded wake.
func TestManualAlarm(t *testing.T) {
	ctx := context.Background()
	a := &ManualAlarm{}
	if _, ok := a.Next(); ok {
		t.Error("expected no wake")
	}
	_ = a.SetNextWake(ctx, epoch)
	_ = a.SetNextWake(ctx, epoch.Add(time.Minute))
	if at, ok := a.Next(); !ok || !at.Equal(epoch.Add(time.Minute)) {
		t.Errorf("expected +1m, got %v (%v)", at, ok)
	}
	if a.Sets() != 2 {
		t.Errorf("expected 2 sets, got %d", a.Sets())
	}
	_ = a.ClearWake(ctx)
	if _, ok := a.Next(); ok {
		t.Error("expected cleared wake")
	}
}
