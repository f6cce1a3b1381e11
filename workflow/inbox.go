package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cloudflare/workers-sdk-sub043/workflow/store"
)

const inboxKeyPrefix = "inbox/"

// inboxEntry is an event sent to the instance, stored under
// inbox/<type>/<seq> until a wait claims it.
type inboxEntry struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	ConsumedBy string          `json:"consumedBy,omitempty"`
}

func (i inboxEntry) received() ReceivedEvent {
	return ReceivedEvent{Type: i.Type, Payload: i.Payload, Timestamp: i.Timestamp}
}

// inboxPrefix escapes typ so "a" never lists the events of "a/b".
func inboxPrefix(typ string) string {
	return inboxKeyPrefix + url.PathEscape(typ) + "/"
}

func inboxKey(typ string, seq int64) string {
	return fmt.Sprintf("%s%020d", inboxPrefix(typ), seq)
}

// SendEvent delivers an event to the instance. It is persisted before
// SendEvent returns. If a wait for typ is live, an immediate wake is
// queued and the host alarm runs the replay; SendEvent does not wait for
// it.
func (e *Engine) SendEvent(ctx context.Context, typ string, payload any) error {
	if typ == "" {
		return &EngineError{Message: "event type cannot be empty", Code: "event.invalid"}
	}
	e.mu.Lock()
	if e.inst == nil {
		e.mu.Unlock()
		return ErrInstanceNotFound
	}
	if status := e.inst.Status; status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot send event to %s instance", ErrInvalidTransition, status)
	}
	e.mu.Unlock()

	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	e.inboxMu.Lock()
	seq := e.inboxSeq + 1
	entry := inboxEntry{Seq: seq, Type: typ, Payload: raw, Timestamp: e.now()}
	data, err := e.opts.Codec.Marshal(entry)
	if err != nil {
		e.inboxMu.Unlock()
		return fmt.Errorf("failed to encode event: %w", err)
	}
	err = e.withLog(ctx, logSpec{
		typ: "event.received", target: typ,
		meta: map[string]any{"event_seq": seq},
	}, func(extra []store.Entry) error {
		return e.st.Put(ctx, e.id, append([]store.Entry{
			{Key: inboxKey(typ, seq), Value: data},
			{Key: metaInboxSeq, Value: []byte(strconv.FormatInt(seq, 10))},
		}, extra...)...)
	})
	if err == nil {
		e.inboxSeq = seq
	}
	e.inboxMu.Unlock()
	if err != nil {
		return err
	}
	e.logger.Debug("event received", "type", typ, "event_seq", seq)

	e.mu.Lock()
	live := !e.stopped && e.inst != nil && e.inst.Status == StatusRunning && len(e.subs[typ]) > 0
	e.mu.Unlock()
	if live {
		e.scheduleResume(ctx)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return p, nil
		}
	}
	return json.Marshal(payload)
}

// claimInbox returns the oldest unclaimed event of typ.
func (e *Engine) claimInbox(ctx context.Context, typ string) (inboxEntry, bool, error) {
	entries, err := e.st.List(ctx, e.id, inboxPrefix(typ))
	if err != nil {
		return inboxEntry{}, false, fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, raw := range entries {
		var entry inboxEntry
		if err := e.opts.Codec.Unmarshal(raw.Value, &entry); err != nil {
			return inboxEntry{}, false, fmt.Errorf("failed to decode %s: %w", raw.Key, err)
		}
		if entry.ConsumedBy == "" {
			return entry, true, nil
		}
	}
	return inboxEntry{}, false, nil
}

// consumeEntry returns the store entry that marks entry as claimed by
// cacheKey. It is written in the same batch as the step commit.
func (e *Engine) consumeEntry(entry inboxEntry, cacheKey string) (store.Entry, error) {
	entry.ConsumedBy = cacheKey
	data, err := e.opts.Codec.Marshal(entry)
	if err != nil {
		return store.Entry{}, err
	}
	return store.Entry{Key: inboxKey(entry.Type, entry.Seq), Value: data}, nil
}

func (e *Engine) subscribe(r *run, typ, cacheKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.gen != e.runGen {
		return
	}
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[string]struct{})
	}
	e.subs[typ][cacheKey] = struct{}{}
}

func (e *Engine) unsubscribe(typ, cacheKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs[typ], cacheKey)
	if len(e.subs[typ]) == 0 {
		delete(e.subs, typ)
	}
}
