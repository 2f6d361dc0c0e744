package audit

import (
	"context"
)

// Event is an observability-facing view of one StateChangeLogEntry,
// shaped for Emitter consumption rather than for storage.
type Event struct {
	JobID      string
	EntityType string
	TargetID   string
	OldState   string
	NewState   string
	Duration   string
	Context    map[string]any
}

// Emitter receives a best-effort copy of every transition this process
// records. Implementations must be non-blocking and must never let a
// failure here affect the commit that already happened in the store.
//
// Mirrors the teacher's emit.Emitter shape (Emit/EmitBatch/Flush)
// almost verbatim, generalized from workflow/node events to job/target
// transitions.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// MultiEmitter fans events out to every wrapped Emitter. A failure in one
// does not stop the others.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter over the given emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiEmitter) Flush(ctx context.Context) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NullEmitter discards every event. Used when no observability backend
// is configured.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                              {}
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (NullEmitter) Flush(context.Context) error              { return nil }

// EntryToEvent converts a persisted StateChangeLogEntry into the Event
// shape Emitter implementations consume.
func EntryToEvent(jobID, entityType, targetID, oldState, newState, duration string, changeCtx map[string]any) Event {
	return Event{
		JobID:      jobID,
		EntityType: entityType,
		TargetID:   targetID,
		OldState:   oldState,
		NewState:   newState,
		Duration:   duration,
		Context:    changeCtx,
	}
}
