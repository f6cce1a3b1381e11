package workflow

import (
	"testing"
	"time"
)

// TestTimePriorityQueue_Order verifies entries come out by due time and,
// for equal due times, in insertion order.
func TestTimePriorityQueue_Order(t *testing.T) {
	clock := newFakeClock()
	q := NewTimePriorityQueue(clock)

	due := epoch.Add(time.Minute)
	q.Insert(epoch.Add(2*time.Minute), AlarmSleep, "late")
	q.Insert(due, AlarmSleep, "first")
	q.Insert(due, AlarmRetryBackoff, "second")
	q.Insert(due, AlarmEventTimeout, "third")

	next, ok := q.Next()
	if !ok || next.SubjectID != "first" {
		t.Fatalf("expected first to be next, got %+v", next)
	}

	if got := q.PopDue(epoch); len(got) != 0 {
		t.Errorf("expected nothing due yet, got %d entries", len(got))
	}

	got := q.PopDue(due)
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("expected %d due entries, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.SubjectID != want[i] {
			t.Errorf("entry %d: expected %s, got %s", i, want[i], e.SubjectID)
		}
	}
	if q.Len() != 1 || !q.Has("late") {
		t.Errorf("expected only late to remain, len=%d", q.Len())
	}
}

// TestTimePriorityQueue_Insert verifies clamping and subject replacement.
func TestTimePriorityQueue_Insert(t *testing.T) {
	t.Run("past due time clamps to now", func(t *testing.T) {
		clock := newFakeClock()
		q := NewTimePriorityQueue(clock)
		e := q.Insert(epoch.Add(-time.Hour), AlarmSleep, "s")
		if !e.DueAt.Equal(epoch) {
			t.Errorf("expected clamp to %v, got %v", epoch, e.DueAt)
		}
	})

	t.Run("same subject replaces", func(t *testing.T) {
		q := NewTimePriorityQueue(newFakeClock())
		q.Insert(epoch.Add(time.Hour), AlarmSleep, "s")
		q.Insert(epoch.Add(time.Minute), AlarmSleep, "s")
		if q.Len() != 1 {
			t.Fatalf("expected 1 entry, got %d", q.Len())
		}
		if next, _ := q.Next(); !next.DueAt.Equal(epoch.Add(time.Minute)) {
			t.Errorf("expected replaced due time, got %v", next.DueAt)
		}
	})

	t.Run("replacement moves behind equal entries", func(t *testing.T) {
		q := NewTimePriorityQueue(newFakeClock())
		due := epoch.Add(time.Minute)
		q.Insert(due, AlarmSleep, "a")
		q.Insert(due, AlarmSleep, "b")
		q.Insert(due, AlarmSleep, "a")

		entries := q.Entries()
		if len(entries) != 2 || entries[0].SubjectID != "b" || entries[1].SubjectID != "a" {
			t.Errorf("expected [b a], got %+v", entries)
		}
	})
}

// TestTimePriorityQueue_Remove verifies cancellation.
func TestTimePriorityQueue_Remove(t *testing.T) {
	q := NewTimePriorityQueue(newFakeClock())
	q.Insert(epoch.Add(time.Minute), AlarmEventTimeout, "wait#0")
	q.Insert(epoch.Add(2*time.Minute), AlarmGraceDeadline, "grace/1")

	if !q.Remove("wait#0") {
		t.Error("expected Remove to report an existing entry")
	}
	if q.Remove("wait#0") {
		t.Error("expected second Remove to be a no-op")
	}
	if q.Remove("never") {
		t.Error("expected Remove of unknown subject to be a no-op")
	}
	if q.CountKind(AlarmEventTimeout) != 0 || q.CountKind(AlarmGraceDeadline) != 1 {
		t.Errorf("unexpected kinds after remove: %+v", q.Entries())
	}

	q.Clear()
	if _, ok := q.Next(); ok || q.Len() != 0 {
		t.Error("expected empty queue after Clear")
	}
}
