// Package store implements the crash-safe durable store (C1): a
// single-writer, WAL-journaled persistence layer for jobs, target
// outcomes, quarantine and dead-letter records, and the state-change
// audit log.
//
// Store is the only place FileJob/TargetOutcome rows are mutated. Every
// method that changes a job's or a target's state is transactional: the
// domain row update and its StateChangeLogEntry commit together, or
// neither does.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/retry"
)

// ErrNotFound is returned when a requested job, target, quarantine entry,
// or dead-letter entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by optimistic-concurrency methods when
// expectedVersion no longer matches the persisted row, signalling a
// concurrent transition occurred first.
var ErrVersionConflict = errors.New("version conflict")

// ErrAlreadyExists is returned by InsertJob when the job id is already
// present.
var ErrAlreadyExists = errors.New("already exists")

// ErrStorageFailure wraps a disk-full or I/O error from the underlying
// database driver. Callers must fail the enclosing operation; the store
// does not retry it. A job left non-terminal by such a failure is picked
// up again by Recovery at the next startup.
type ErrStorageFailure struct {
	Op  string
	Err error
}

func (e *ErrStorageFailure) Error() string { return "storage failure during " + e.Op + ": " + e.Err.Error() }
func (e *ErrStorageFailure) Unwrap() error { return e.Err }

// Is matches retry.ErrStorage, so retry.Classify reports a store failure
// as CategoryStorage.
func (e *ErrStorageFailure) Is(target error) bool { return target == retry.ErrStorage }

// TargetMutation is applied to a TargetOutcome inside a single
// read-modify-write transaction guarded by optimistic versioning. It must
// not have side effects beyond mutating the passed value.
type TargetMutation func(*model.TargetOutcome)

// Store is the durable-store contract every component depends on.
// Implementations: SQLiteStore (production), MemStore (tests).
type Store interface {
	// InsertJob persists a new FileJob together with its two
	// TargetOutcomes in one transaction. Fails with ErrAlreadyExists if
	// the job id is already present (I1: targets are always created
	// together with their job).
	InsertJob(ctx context.Context, job model.FileJob, targets [2]model.TargetOutcome) error

	// UpdateJobState performs an optimistic-concurrency transition of a
	// FileJob's State field, bumping Version, and appends a
	// StateChangeLogEntry in the same transaction. Returns
	// ErrVersionConflict if expectedVersion is stale.
	UpdateJobState(ctx context.Context, jobID string, expectedVersion int, newState model.JobState, changeCtx map[string]any) (model.FileJob, error)

	// SetSourceHash records the race-resolved source digest onto a
	// FileJob; the Job Controller calls it from finalize once both
	// targets are terminal (spec.md §4.6). It
	// does not bump Version or append an audit row: the hash is
	// supplementary provenance alongside the job's own state machine, not
	// a state transition in its own right.
	SetSourceHash(ctx context.Context, jobID string, hash string) error

	// UpdateTarget applies mutate to the current TargetOutcome for
	// (jobID, targetID) under an optimistic-concurrency check against
	// expectedVersion, persists the result, bumps Version, and appends a
	// StateChangeLogEntry for the copy-state transition in the same
	// transaction. Returns ErrVersionConflict if expectedVersion is stale.
	UpdateTarget(ctx context.Context, jobID string, targetID model.TargetID, expectedVersion int, mutate TargetMutation, changeCtx map[string]any) (model.TargetOutcome, error)

	// GetJobWithTargets returns a job and its two targets. Returns
	// ErrNotFound if the job does not exist.
	GetJobWithTargets(ctx context.Context, jobID string) (model.FileJob, []model.TargetOutcome, error)

	// FindJobsByState lists all jobs currently in the given state.
	FindJobsByState(ctx context.Context, state model.JobState) ([]model.FileJob, error)

	// FindTargetsByCopyState lists all targets currently in the given
	// copy state, across all jobs.
	FindTargetsByCopyState(ctx context.Context, state model.CopyState) ([]model.TargetOutcome, error)

	// AppendStateChange appends an audit row outside of a domain
	// mutation; every call adds a new row. Mutating methods above append their own audit rows transactionally
	// and do not need this called separately.
	AppendStateChange(ctx context.Context, entry model.StateChangeLogEntry) (int64, error)

	// History returns the audit trail for a job, optionally filtered to
	// one target, ordered by Timestamp ascending.
	History(ctx context.Context, jobID string, targetID *model.TargetID) ([]model.StateChangeLogEntry, error)

	// TrimStateChangeLog deletes audit rows older than olderThan, or
	// beyond maxRows most recent rows if maxRows > 0, whichever is more
	// restrictive. Returns the number of rows deleted.
	TrimStateChangeLog(ctx context.Context, olderThan time.Time, maxRows int) (int64, error)

	// CreateQuarantineEntry persists a new QuarantineEntry and transitions
	// the owning job to Quarantined in the same transaction (I5).
	CreateQuarantineEntry(ctx context.Context, entry model.QuarantineEntry, jobExpectedVersion int) error

	// GetQuarantineEntry returns a quarantine entry by id.
	GetQuarantineEntry(ctx context.Context, id string) (model.QuarantineEntry, error)

	// ListQuarantineEntries lists quarantine entries with the given
	// status.
	ListQuarantineEntries(ctx context.Context, status model.QuarantineStatus) ([]model.QuarantineEntry, error)

	// ReleaseQuarantine resets the targets named in the entry's snapshots
	// to Pending with attempts zeroed, moves the job to Queued, and marks
	// the entry Released — all in one transaction (I16: only this
	// explicit call can end a quarantine).
	ReleaseQuarantine(ctx context.Context, id string, actor string) (model.FileJob, error)

	// PurgeQuarantine marks the entry Purged and leaves the job Failed,
	// in one transaction. Terminal: a purged entry cannot be released.
	PurgeQuarantine(ctx context.Context, id string, actor string) error

	// CreateDeadLetterEntry persists a new DeadLetterEntry. Does not by
	// itself change job state; the caller (Controller) separately
	// transitions the job to Failed once all targets are terminal.
	CreateDeadLetterEntry(ctx context.Context, entry model.DeadLetterEntry) error

	// ListDeadLetterEntries lists dead-letter entries with the given
	// status.
	ListDeadLetterEntries(ctx context.Context, status model.DeadLetterStatus) ([]model.DeadLetterEntry, error)

	// RequeueDeadLetter resets the affected target's attempts to zero,
	// moves it and the job back into the pipeline (Pending / Queued), and
	// marks the entry Requeued — all in one transaction.
	RequeueDeadLetter(ctx context.Context, id string) (model.FileJob, error)

	// PurgeDeadLetter marks the entry Purged. Terminal.
	PurgeDeadLetter(ctx context.Context, id string) error

	// Close releases underlying resources (database handle). Safe to
	// call once; implementations should make subsequent calls idempotent
	// no-ops or cheap errors, never panics.
	Close() error
}
