package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by instance.
//
// It is meant for tests and local tooling. Nothing is ever evicted; call
// Clear for instances you are done with.
//
//	emitter := emit.NewBufferedEmitter()
//	// ... run an instance ...
//	failures := emitter.GetHistoryWithFilter("wf-1", emit.HistoryFilter{Type: "step.attempt.failure"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
}

// HistoryFilter selects events. Zero-valued fields match everything and set
// fields are combined with AND.
type HistoryFilter struct {
	Type   string // exact event type
	Group  string // exact step cacheKey
	MinSeq *int64 // Seq >= MinSeq
	MaxSeq *int64 // Seq <= MaxSeq
}

func (f HistoryFilter) empty() bool {
	return f.Type == "" && f.Group == "" && f.MinSeq == nil && f.MaxSeq == nil
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Type != "" && event.Type != f.Type {
		return false
	}
	if f.Group != "" && event.Group != f.Group {
		return false
	}
	if f.MinSeq != nil && event.Seq < *f.MinSeq {
		return false
	}
	if f.MaxSeq != nil && event.Seq > *f.MaxSeq {
		return false
	}
	return true
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// GetHistory returns a copy of every event of the instance in emit order.
// It never returns nil.
func (b *BufferedEmitter) GetHistory(instanceID string) []Event {
	return b.GetHistoryWithFilter(instanceID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of the instance matching filter,
// in emit order. It never returns nil.
func (b *BufferedEmitter) GetHistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[instanceID]
	if filter.empty() {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	result := []Event{}
	for _, event := range events {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Types returns the Type of each event of the instance in emit order.
func (b *BufferedEmitter) Types(instanceID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.events[instanceID]))
	for _, e := range b.events[instanceID] {
		out = append(out, e.Type)
	}
	return out
}

// Clear drops the events of one instance, or of all instances when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceID)
}
