// Package quarantine wraps the store's quarantine and dead-letter CRUD
// with the domain rules around them: a hash mismatch is not a bug to
// retry away, it is a forensic event that stops a job until a human
// looks at it (I16). A retry-budget exhaustion is recorded separately, as
// a dead-letter entry with its own requeue and purge path
// (DeadLetterManager).
package quarantine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/store"
)

// Manager creates and resolves QuarantineEntry rows.
type Manager struct {
	store store.Store
	newID func() string
	now   func() time.Time
}

// New creates a Manager. newID and now default to uuid.NewString and
// time.Now when nil.
func New(st store.Store, newID func() string, now func() time.Time) *Manager {
	if newID == nil {
		newID = defaultID
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, newID: newID, now: now}
}

// Quarantine records a hash-mismatch outcome for a job. snapshots must
// name every target the mismatch was observed on; the owning job moves to
// Quarantined in the same transaction as the entry's creation (I5).
func (m *Manager) Quarantine(ctx context.Context, jobID string, jobExpectedVersion int, snapshots []model.TargetSnapshot, reason string) (model.QuarantineEntry, error) {
	if len(snapshots) == 0 {
		return model.QuarantineEntry{}, fmt.Errorf("quarantine: at least one snapshot required for job %s", jobID)
	}
	entry := model.QuarantineEntry{
		ID:        m.newID(),
		JobID:     jobID,
		Snapshots: snapshots,
		Reason:    reason,
		Status:    model.QuarantineActive,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateQuarantineEntry(ctx, entry, jobExpectedVersion); err != nil {
		return model.QuarantineEntry{}, err
	}
	return entry, nil
}

// Release ends a quarantine: the targets named in its snapshots return to
// Pending with attempts reset, the job returns to Queued, and the entry is
// marked Released. A purged entry cannot be released (I16).
func (m *Manager) Release(ctx context.Context, id, actor string) (model.FileJob, error) {
	return m.store.ReleaseQuarantine(ctx, id, actor)
}

// Purge marks a quarantine entry terminal without releasing it. The job
// moves from Quarantined to Failed.
func (m *Manager) Purge(ctx context.Context, id, actor string) error {
	return m.store.PurgeQuarantine(ctx, id, actor)
}

// List returns quarantine entries in the given status.
func (m *Manager) List(ctx context.Context, status model.QuarantineStatus) ([]model.QuarantineEntry, error) {
	return m.store.ListQuarantineEntries(ctx, status)
}

// Get returns a single quarantine entry by id.
func (m *Manager) Get(ctx context.Context, id string) (model.QuarantineEntry, error) {
	return m.store.GetQuarantineEntry(ctx, id)
}

// DeadLetterManager creates and resolves DeadLetterEntry rows for jobs or
// targets that exhausted their retry budget (I6).
type DeadLetterManager struct {
	store store.Store
	newID func() string
	now   func() time.Time
}

// NewDeadLetterManager creates a DeadLetterManager with the same
// id/clock defaulting behavior as New.
func NewDeadLetterManager(st store.Store, newID func() string, now func() time.Time) *DeadLetterManager {
	if newID == nil {
		newID = defaultID
	}
	if now == nil {
		now = time.Now
	}
	return &DeadLetterManager{store: st, newID: newID, now: now}
}

// Record persists a DeadLetterEntry for the given operation. It does not
// itself transition the job; the Controller decides the job's terminal
// state once every target is terminal and calls Record once per
// exhausted target (or once for the job as a whole, with a nil
// targetID, when the failure is not attributable to one target).
func (d *DeadLetterManager) Record(ctx context.Context, jobID string, targetID *model.TargetID, operation, finalError string, attempts int) (model.DeadLetterEntry, error) {
	entry := model.DeadLetterEntry{
		ID:         d.newID(),
		JobID:      jobID,
		TargetID:   targetID,
		Operation:  operation,
		FinalError: finalError,
		Attempts:   attempts,
		Status:     model.DeadLetterActive,
		CreatedAt:  d.now(),
	}
	if err := d.store.CreateDeadLetterEntry(ctx, entry); err != nil {
		return model.DeadLetterEntry{}, err
	}
	return entry, nil
}

// Requeue resets the affected target's attempts to zero and moves it and
// the job back into the pipeline, marking the entry Requeued.
func (d *DeadLetterManager) Requeue(ctx context.Context, id string) (model.FileJob, error) {
	return d.store.RequeueDeadLetter(ctx, id)
}

// Purge marks a dead-letter entry terminal.
func (d *DeadLetterManager) Purge(ctx context.Context, id string) error {
	return d.store.PurgeDeadLetter(ctx, id)
}

// List returns dead-letter entries in the given status.
func (d *DeadLetterManager) List(ctx context.Context, status model.DeadLetterStatus) ([]model.DeadLetterEntry, error) {
	return d.store.ListDeadLetterEntries(ctx, status)
}

func defaultID() string {
	return uuid.NewString()
}
