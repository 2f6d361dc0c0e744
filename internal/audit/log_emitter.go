package audit

import (
	"context"

	"github.com/go-logr/logr"
)

// LogEmitter implements Emitter by writing each transition through a
// structured logr.Logger. Adapted from the teacher's emit.LogEmitter,
// swapping its io.Writer/JSON-mode split for the structured key-value
// logging this codebase uses everywhere else (internal/telemetry).
type LogEmitter struct {
	log logr.Logger
}

// NewLogEmitter creates a LogEmitter over log.
func NewLogEmitter(log logr.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (l *LogEmitter) Emit(event Event) {
	l.log.Info("state change",
		"job", event.JobID,
		"entity", event.EntityType,
		"target", event.TargetID,
		"from", event.OldState,
		"to", event.NewState,
		"duration", event.Duration,
		"context", event.Context,
	)
}

// EmitBatch logs each event in order. There is no batching benefit for a
// structured logger, but the interface requires a method that accepts
// the whole slice atomically from the caller's point of view.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: logr writers are expected to handle their own
// buffering, mirroring the teacher's LogEmitter.Flush.
func (l *LogEmitter) Flush(context.Context) error {
	return nil
}
