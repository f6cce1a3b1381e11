package emit

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// LogEmitter writes each event as one structured slog record.
//
// Example text output with slog.NewTextHandler:
//
//	level=INFO msg=step.attempt.failure instance_id=wf-1 seq=7 group=charge#0 target=charge attempt=2 error="card declined"
//
// Entries whose Type ends in ".failure" or that carry an "error" metadata
// field are logged at Warn; everything else at Info.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger selects slog.Default().
//
//	emitter := emit.NewLogEmitter(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, 4+len(event.Metadata))
	attrs = append(attrs,
		slog.String("instance_id", event.InstanceID),
		slog.Int64("seq", event.Seq),
	)
	if event.Group != "" {
		attrs = append(attrs, slog.String("group", event.Group))
	}
	if event.Target != "" {
		attrs = append(attrs, slog.String("target", event.Target))
	}

	// Sorted so text output is stable between runs.
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Metadata[k]))
	}

	l.logger.LogAttrs(context.Background(), levelFor(event), event.Type, attrs...)
}

func levelFor(event Event) slog.Level {
	if _, ok := event.Metadata["error"]; ok {
		return slog.LevelWarn
	}
	if strings.HasSuffix(event.Type, ".failure") {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
