package workflow

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// AlarmKind says what a queued wake-up is for.
type AlarmKind string

const (
	AlarmSleep         AlarmKind = "sleep"
	AlarmRetryBackoff  AlarmKind = "retryBackoff"
	AlarmEventTimeout  AlarmKind = "eventTimeout"
	AlarmGraceDeadline AlarmKind = "graceDeadline"

	// AlarmResume asks for a replay as soon as possible. Init, Resume,
	// Load and an event sent to a live wait schedule one.
	AlarmResume AlarmKind = "resume"
)

// AlarmEntry is one pending wake-up. Entries live only in memory; a replay
// re-derives them from the step ledger after an eviction.
type AlarmEntry struct {
	DueAt     time.Time
	Kind      AlarmKind
	SubjectID string

	seq   uint64 // insertion order, breaks DueAt ties
	index int    // position in the heap
}

// alarmHeap orders entries by DueAt, then by insertion sequence.
type alarmHeap []*AlarmEntry

func (h alarmHeap) Len() int { return len(h) }

func (h alarmHeap) Less(i, j int) bool {
	if !h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].DueAt.Before(h[j].DueAt)
	}
	return h[i].seq < h[j].seq
}

func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *alarmHeap) Push(x any) {
	e := x.(*AlarmEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimePriorityQueue holds every pending wake-up of one actor and answers
// the one question the host alarm needs: when is the earliest one due.
//
// Subjects are unique: inserting an existing SubjectID replaces its entry.
// Entries with equal DueAt come out in insertion order, so replays that
// schedule the same waiters observe the same firing order.
//
// Thread-safety: all methods are safe for concurrent use.
type TimePriorityQueue struct {
	mu        sync.Mutex
	heap      alarmHeap
	bySubject map[string]*AlarmEntry
	seq       uint64
	clock     Clock
}

// NewTimePriorityQueue creates an empty queue. clock is used to clamp past
// due times; nil selects the system clock.
func NewTimePriorityQueue(clock Clock) *TimePriorityQueue {
	if clock == nil {
		clock = SystemClock()
	}
	q := &TimePriorityQueue{
		heap:      make(alarmHeap, 0),
		bySubject: make(map[string]*AlarmEntry),
		clock:     clock,
	}
	heap.Init(&q.heap)
	return q
}

// Insert schedules subjectID at dueAt. A dueAt in the past is clamped to
// now.
func (q *TimePriorityQueue) Insert(dueAt time.Time, kind AlarmKind, subjectID string) AlarmEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if now := q.clock.Now(); dueAt.Before(now) {
		dueAt = now
	}
	if old, ok := q.bySubject[subjectID]; ok {
		heap.Remove(&q.heap, old.index)
	}

	q.seq++
	e := &AlarmEntry{DueAt: dueAt, Kind: kind, SubjectID: subjectID, seq: q.seq}
	heap.Push(&q.heap, e)
	q.bySubject[subjectID] = e
	return *e
}

// Remove cancels the entry for subjectID. It reports whether one existed;
// removing an unknown subject is a no-op.
func (q *TimePriorityQueue) Remove(subjectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.bySubject[subjectID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.bySubject, subjectID)
	return true
}

// PopDue removes and returns every entry due at or before now, earliest
// first and in insertion order among equal due times. More than one entry
// may have matured by the time an alarm is delivered.
func (q *TimePriorityQueue) PopDue(now time.Time) []AlarmEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []AlarmEntry
	for q.heap.Len() > 0 && !q.heap[0].DueAt.After(now) {
		e := heap.Pop(&q.heap).(*AlarmEntry)
		delete(q.bySubject, e.SubjectID)
		due = append(due, *e)
	}
	return due
}

// Next returns the earliest entry without removing it.
func (q *TimePriorityQueue) Next() (AlarmEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return AlarmEntry{}, false
	}
	return *q.heap[0], true
}

// Has reports whether subjectID is queued.
func (q *TimePriorityQueue) Has(subjectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.bySubject[subjectID]
	return ok
}

// Len returns the number of queued entries.
func (q *TimePriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// CountKind returns the number of queued entries of kind.
func (q *TimePriorityQueue) CountKind(kind AlarmKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.heap {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Entries returns a snapshot of the queue in firing order.
func (q *TimePriorityQueue) Entries() []AlarmEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]AlarmEntry, 0, len(q.heap))
	for _, e := range q.heap {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Clear drops every entry.
func (q *TimePriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	q.bySubject = make(map[string]*AlarmEntry)
}
