package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cloudflare/workers-sdk-sub043/workflow/emit"
	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

// Persisted keys inside an instance namespace.
const (
	instanceKey    = "instance"
	graceKey       = "grace"
	eventKeyPrefix = "events/"
	metaEventSeq   = "meta/event_seq"
	metaInboxSeq   = "meta/inbox_seq"
)

// eventKey zero-pads seq so key order is sequence order.
func eventKey(seq int64) string {
	return fmt.Sprintf("%s%020d", eventKeyPrefix, seq)
}

type logSpec struct {
	typ    string
	group  string
	target string
	meta   map[string]any
}

// withLog appends one log entry in the same batch as whatever write
// performs. write receives the entries to include and must Put them
// atomically with its own. The sequence number is consumed only if write
// succeeds, and logMu keeps sequence numbers reaching the store in order.
func (e *Engine) withLog(ctx context.Context, entry logSpec, write func(extra []store.Entry) error) error {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	ev := emit.Event{
		Seq:        e.eventSeq + 1,
		InstanceID: e.id,
		Type:       entry.typ,
		Group:      entry.group,
		Target:     entry.target,
		Metadata:   entry.meta,
		Timestamp:  e.now(),
	}
	data, err := e.opts.Codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode log entry %s: %w", entry.typ, err)
	}
	extra := []store.Entry{
		{Key: eventKey(ev.Seq), Value: data},
		{Key: metaEventSeq, Value: []byte(strconv.FormatInt(ev.Seq, 10))},
	}
	if err := write(extra); err != nil {
		return err
	}

	e.eventSeq = ev.Seq
	e.opts.Emitter.Emit(ev)
	return nil
}

// WriteLog appends an entry to the instance log.
func (e *Engine) WriteLog(ctx context.Context, typ, group, target string, metadata map[string]any) error {
	return e.withLog(ctx, logSpec{typ: typ, group: group, target: target, meta: metadata}, func(extra []store.Entry) error {
		return e.st.Put(ctx, e.id, extra...)
	})
}

// ReadLogs returns the whole instance log in sequence order.
func (e *Engine) ReadLogs(ctx context.Context) ([]emit.Event, error) {
	entries, err := e.st.List(ctx, e.id, eventKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list log: %w", err)
	}
	out := make([]emit.Event, 0, len(entries))
	for _, entry := range entries {
		var ev emit.Event
		if err := e.opts.Codec.Unmarshal(entry.Value, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", entry.Key, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ReadLogsFromStep returns the entries written for one step, including
// every attempt.
func (e *Engine) ReadLogsFromStep(ctx context.Context, cacheKey string) ([]emit.Event, error) {
	all, err := e.ReadLogs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]emit.Event, 0)
	for _, ev := range all {
		if ev.Group == cacheKey {
			out = append(out, ev)
		}
	}
	return out, nil
}

func parseSeq(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(b), 10, 64)
}
