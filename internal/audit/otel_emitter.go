package audit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating one OpenTelemetry span per
// transition. Adapted from the teacher's emit.OTelEmitter: event.Msg
// becomes the job/target state pair, and the langgraph.* attribute
// namespace becomes forker.*.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, spanName(event))
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, spanName(event))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush does nothing and returns nil. Unlike the teacher's OTelEmitter,
// which reads the global provider, this one expects cmd/forkerd to pass
// its own sdktrace.TracerProvider through the tracer it constructed the
// emitter with, so callers flush their own provider at shutdown.
func (o *OTelEmitter) Flush(context.Context) error {
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("forker.job_id", event.JobID),
		attribute.String("forker.entity_type", event.EntityType),
		attribute.String("forker.target_id", event.TargetID),
		attribute.String("forker.old_state", event.OldState),
		attribute.String("forker.new_state", event.NewState),
		attribute.String("forker.duration", event.Duration),
	)
	for k, v := range event.Context {
		span.SetAttributes(attribute.String("forker.ctx."+k, fmt.Sprintf("%v", v)))
	}
	if errMsg, ok := event.Context["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
	}
}

func spanName(event Event) string {
	return fmt.Sprintf("%s.%s->%s", event.EntityType, event.OldState, event.NewState)
}
