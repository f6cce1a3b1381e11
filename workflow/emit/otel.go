package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// Each span is named after event.Type and carries:
//   - workflow.instance_id, workflow.seq
//   - workflow.step.cache_key (event.Group) and workflow.target
//   - workflow.step.attempt when the entry records an attempt
//   - every other metadata field under its own key
//
// Spans are point-in-time: they start at event.Timestamp and end
// immediately, unless the metadata carries "duration_ms", in which case the
// span covers that duration. An "error" metadata field marks the span as
// failed.
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitter(tp.Tracer("workflow"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter from a tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch creates one span per event under ctx, so callers can parent a
// replayed history under their own span.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	start := event.Timestamp
	if start.IsZero() {
		start = time.Now()
	}
	_, span := o.tracer.Start(ctx, event.Type, trace.WithTimestamp(start))

	span.SetAttributes(
		attribute.String("workflow.instance_id", event.InstanceID),
		attribute.Int64("workflow.seq", event.Seq),
	)
	if event.Group != "" {
		span.SetAttributes(attribute.String("workflow.step.cache_key", event.Group))
	}
	if event.Target != "" {
		span.SetAttributes(attribute.String("workflow.target", event.Target))
	}
	if attempt, ok := event.Attempt(); ok {
		span.SetAttributes(attribute.Int("workflow.step.attempt", attempt))
	}
	addMetadataAttributes(span, event.Metadata)

	if msg, ok := event.Metadata["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}

	end := start
	if d, ok := durationMS(event.Metadata["duration_ms"]); ok {
		end = start.Add(d)
	}
	span.End(trace.WithTimestamp(end))
}

// Flush forces export of pending spans when the tracer's provider supports
// it (the SDK provider does; the no-op provider does not).
func (o *OTelEmitter) Flush(ctx context.Context, provider trace.TracerProvider) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := provider.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func addMetadataAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		if key == "attempt" {
			continue
		}
		attrKey := "workflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, v.Milliseconds()))
		case time.Time:
			span.SetAttributes(attribute.String(attrKey, v.UTC().Format(time.RFC3339Nano)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func durationMS(v any) (time.Duration, bool) {
	switch ms := v.(type) {
	case int:
		return time.Duration(ms) * time.Millisecond, true
	case int64:
		return time.Duration(ms) * time.Millisecond, true
	case float64:
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}
