package emit

import (
	"sync"
	"testing"
)

func TestBufferedEmitter_History(t *testing.T) {
	b := NewBufferedEmitter()

	if got := b.GetHistory("missing"); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}

	b.Emit(Event{InstanceID: "wf-1", Seq: 1, Type: "instance.created"})
	b.Emit(Event{InstanceID: "wf-1", Seq: 2, Type: "step.attempt.start", Group: "a#0"})
	b.Emit(Event{InstanceID: "wf-1", Seq: 3, Type: "step.attempt.failure", Group: "a#0"})
	b.Emit(Event{InstanceID: "wf-1", Seq: 4, Type: "step.attempt.start", Group: "a#0"})
	b.Emit(Event{InstanceID: "wf-1", Seq: 5, Type: "step.attempt.success", Group: "a#0"})
	b.Emit(Event{InstanceID: "wf-2", Seq: 1, Type: "instance.created"})

	history := b.GetHistory("wf-1")
	if len(history) != 5 {
		t.Fatalf("expected 5 events, got %d", len(history))
	}
	history[0].Type = "mutated"
	if b.GetHistory("wf-1")[0].Type != "instance.created" {
		t.Error("GetHistory must return a copy")
	}

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{name: "by type", filter: HistoryFilter{Type: "step.attempt.start"}, want: 2},
		{name: "by group", filter: HistoryFilter{Group: "a#0"}, want: 4},
		{name: "by group and type", filter: HistoryFilter{Group: "a#0", Type: "step.attempt.failure"}, want: 1},
		{name: "seq range", filter: HistoryFilter{MinSeq: ptr(int64(2)), MaxSeq: ptr(int64(3))}, want: 2},
		{name: "no match", filter: HistoryFilter{Type: "grace.elapsed"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.GetHistoryWithFilter("wf-1", tt.filter)
			if len(got) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(got))
			}
		})
	}

	types := b.Types("wf-1")
	if len(types) != 5 || types[4] != "step.attempt.success" {
		t.Errorf("unexpected types %v", types)
	}
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{InstanceID: "wf-1"})
	b.Emit(Event{InstanceID: "wf-2"})

	b.Clear("wf-1")
	if len(b.GetHistory("wf-1")) != 0 || len(b.GetHistory("wf-2")) != 1 {
		t.Error("Clear(id) must only drop that instance")
	}

	b.Clear("")
	if len(b.GetHistory("wf-2")) != 0 {
		t.Error("Clear(\"\") must drop everything")
	}
}

func TestBufferedEmitter_Concurrent(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(Event{InstanceID: "wf-1"})
				_ = b.GetHistory("wf-1")
			}
		}()
	}
	wg.Wait()

	if got := len(b.GetHistory("wf-1")); got != 1000 {
		t.Errorf("expected 1000 events, got %d", got)
	}
}

func ptr[T any](v T) *T { return &v }
