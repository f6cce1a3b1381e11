package emit

// Emitter receives every log entry an engine writes.
//
// Implementations must be safe for concurrent use: engines for different
// instances share one emitter. Emit must not block the engine for long and
// must not panic; a slow backend should buffer or drop.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter returns an emitter that forwards to every non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
