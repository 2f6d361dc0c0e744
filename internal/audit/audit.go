// Package audit records every state transition and fans a best-effort
// copy out to structured logs and tracing (C12). The durable record and
// the observability fan-out are deliberately two different paths: the
// durable record shares the domain transaction that produced it (a log
// failure must fail the transition, per spec.md §4.12), while the
// fan-out is fire-and-forget the way the teacher's own workflow events
// are.
package audit

import (
	"context"
	"time"

	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/store"
)

// Recorder is the durable half of the audit trail. It does not write
// audit rows itself — store.Store's mutating methods already commit a
// StateChangeLogEntry in the same transaction as the domain update — but
// it is the read side consumers use, and the place a retention policy is
// applied from.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// History returns a job's audit trail, optionally filtered to one
// target, ordered by Timestamp ascending.
func (r *Recorder) History(ctx context.Context, jobID string, targetID *model.TargetID) ([]model.StateChangeLogEntry, error) {
	return r.store.History(ctx, jobID, targetID)
}

// RetentionPolicy configures the periodic trim task.
type RetentionPolicy struct {
	// MaxAge deletes rows older than this. Zero disables the age check.
	MaxAge time.Duration
	// MaxRows caps the table to its most recent N rows. Zero disables the
	// row-count check.
	MaxRows int
	// Interval is how often Run wakes up to trim. Default 1h.
	Interval time.Duration
}

// DefaultRetentionPolicy matches the spec's documented defaults: trim
// hourly, keep 90 days, no row cap.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxAge: 90 * 24 * time.Hour, Interval: time.Hour}
}

// Trim runs one retention pass immediately and returns the number of rows
// deleted.
func (r *Recorder) Trim(ctx context.Context, policy RetentionPolicy) (int64, error) {
	var olderThan time.Time
	if policy.MaxAge > 0 {
		olderThan = time.Now().Add(-policy.MaxAge)
	}
	return r.store.TrimStateChangeLog(ctx, olderThan, policy.MaxRows)
}

// Run trims on policy.Interval until ctx is cancelled. Intended to be
// started once by cmd/forkerd as a background goroutine when auto-trim is
// enabled in configuration.
func (r *Recorder) Run(ctx context.Context, policy RetentionPolicy, onError func(error)) {
	interval := policy.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Trim(ctx, policy); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
