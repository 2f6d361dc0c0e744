// Package controller owns the FileJob state machine (C10). Apart from
// cmd/forkerd's startup recovery step, it is the only component that
// calls store.Store.UpdateJobState; every other component reports
// outcomes and leaves the top-level decision to it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/johnnywatts/forker/internal/audit"
	"github.com/johnnywatts/forker/internal/discovery"
	"github.com/johnnywatts/forker/internal/metrics"
	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/orchestrator"
	"github.com/johnnywatts/forker/internal/quarantine"
	"github.com/johnnywatts/forker/internal/retry"
	"github.com/johnnywatts/forker/internal/store"
)

// maxVersionConflictRetries bounds how many times a single state
// transition is retried after losing an optimistic-concurrency race
// before the controller gives up and logs an anomaly (spec.md §4.10).
const maxVersionConflictRetries = 5

// Reader is the read-only monitoring surface (spec.md §6): a pure query
// facade with no mutating methods, safe to hand to an external HTTP layer
// this module does not itself host.
type Reader interface {
	JobByID(ctx context.Context, id string) (model.FileJob, []model.TargetOutcome, error)
	JobsByState(ctx context.Context, state model.JobState) ([]model.FileJob, error)
	History(ctx context.Context, jobID string, targetID *model.TargetID) ([]model.StateChangeLogEntry, error)
}

// Controller drives each job from Discovered through to a terminal state
// (Verified, Failed, or Quarantined), committing every transition through
// store.Store.
type Controller struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	quarantine   *quarantine.Manager
	deadLetter   *quarantine.DeadLetterManager
	newID        func() string
	log          logr.Logger
	emitter      audit.Emitter
	metrics      *metrics.Collectors
}

// New creates a Controller. log defaults to a no-op logger if zero-valued.
// Observability fan-out is a NullEmitter until SetEmitter is called.
func New(st store.Store, orch *orchestrator.Orchestrator, qm *quarantine.Manager, dl *quarantine.DeadLetterManager, log logr.Logger) *Controller {
	return &Controller{
		store:        st,
		orchestrator: orch,
		quarantine:   qm,
		deadLetter:   dl,
		newID:        uuid.NewString,
		log:          log,
		emitter:      audit.NullEmitter{},
	}
}

// SetEmitter installs the best-effort observability fan-out (C12). Every
// job-state transition and target-terminal result this Controller
// produces is additionally handed to emitter; a nil emitter restores the
// default NullEmitter.
func (c *Controller) SetEmitter(emitter audit.Emitter) {
	if emitter == nil {
		emitter = audit.NullEmitter{}
	}
	c.emitter = emitter
}

// SetMetrics installs the Prometheus collectors for the outcome counters
// this Controller can observe directly (jobs_total, verify_failures_total,
// quarantine_events_total, dead_letter_events_total). A nil Collectors
// (the default) makes every counter call below a no-op.
func (c *Controller) SetMetrics(m *metrics.Collectors) {
	c.metrics = m
}

var _ Reader = (*Controller)(nil)

// JobByID returns a job and its targets.
func (c *Controller) JobByID(ctx context.Context, id string) (model.FileJob, []model.TargetOutcome, error) {
	return c.store.GetJobWithTargets(ctx, id)
}

// JobsByState lists jobs currently in the given state.
func (c *Controller) JobsByState(ctx context.Context, state model.JobState) ([]model.FileJob, error) {
	return c.store.FindJobsByState(ctx, state)
}

// History returns the audit trail for a job, optionally filtered to one
// target.
func (c *Controller) History(ctx context.Context, jobID string, targetID *model.TargetID) ([]model.StateChangeLogEntry, error) {
	return c.store.History(ctx, jobID, targetID)
}

// Submit admits a newly discovered, stable file as a FileJob (Discovered
// → Queued), persists its two Pending targets, and runs it to completion.
// It returns once the job reaches a terminal job state or ctx is
// cancelled.
func (c *Controller) Submit(ctx context.Context, ev discovery.Event) error {
	job := model.FileJob{
		ID:           c.newID(),
		SourcePath:   ev.Path,
		ExpectedSize: ev.Size,
		State:        model.JobDiscovered,
	}
	targets := [2]model.TargetOutcome{
		{JobID: job.ID, TargetID: model.TargetA, CopyState: model.CopyPending},
		{JobID: job.ID, TargetID: model.TargetB, CopyState: model.CopyPending},
	}
	if err := c.store.InsertJob(ctx, job, targets); err != nil {
		return fmt.Errorf("controller: insert job %s: %w", job.ID, err)
	}

	job, err := c.transitionJob(ctx, job.ID, model.JobQueued, nil)
	if err != nil {
		return err
	}
	return c.Run(ctx, job)
}

// Run drives an already-Queued job (or one re-queued by Recovery) through
// the orchestrator to a terminal job state.
func (c *Controller) Run(ctx context.Context, job model.FileJob) error {
	job, err := c.transitionJob(ctx, job.ID, model.JobInProgress, nil)
	if err != nil {
		return err
	}

	var partialOnce sync.Once
	var quarantineOnce sync.Once
	onDone := func(r orchestrator.TargetResult) {
		if errors.Is(r.Err, retry.ErrIntegrity) {
			if c.metrics != nil {
				c.metrics.IncVerifyFailure(string(r.TargetID))
			}
			// I19: only a joint Verified outcome waits for both targets.
			// A hash mismatch flips the job to Quarantined the instant it
			// is observed, independent of the sibling target's progress
			// (spec.md's "immediately"). quarantineOnce covers the case
			// where both targets mismatch concurrently: the first caller
			// creates the single QuarantineEntry, the second's mismatch is
			// still counted above but does not race a second entry.
			quarantineOnce.Do(func() {
				c.quarantineImmediately(ctx, job.ID, r)
			})
			return
		}
		if r.CopyState != model.CopyVerified {
			return
		}
		partialOnce.Do(func() {
			_, targets, err := c.store.GetJobWithTargets(ctx, job.ID)
			if err != nil {
				return
			}
			for _, t := range targets {
				if t.TargetID != r.TargetID && !t.CopyState.IsTerminal() {
					// Best-effort: a lost race against the other target's
					// own completion is not an error, just a transition
					// this call no longer needs to make.
					_, _ = c.transitionJob(ctx, job.ID, model.JobPartial, map[string]any{"first_verified_target": string(r.TargetID)})
					return
				}
			}
		})
	}

	results := c.orchestrator.RunObserved(ctx, job, onDone)
	return c.finalize(ctx, job.ID, results)
}

// quarantineImmediately moves a job straight to Quarantined off a single
// target's hash-mismatch result, without waiting for the sibling target
// to reach its own terminal state (I19). finalize recognizes the job is
// already Quarantined once both targets finish and skips repeating the
// transition; it remains the fallback path if this call fails (e.g. a
// transient store error) since it re-derives the same outcome from
// results once the sibling is also terminal.
func (c *Controller) quarantineImmediately(ctx context.Context, jobID string, r orchestrator.TargetResult) {
	current, targets, err := c.store.GetJobWithTargets(ctx, jobID)
	if err != nil {
		c.log.Error(err, "reading job before immediate quarantine failed", "job", jobID)
		return
	}
	if current.State == model.JobQuarantined {
		return
	}
	snap := snapshotFor(targets, current, r)
	if _, err := c.quarantine.Quarantine(ctx, jobID, current.Version, []model.TargetSnapshot{snap}, "target hash mismatch against source"); err != nil {
		c.log.Error(err, "immediate quarantine failed", "job", jobID, "target", r.TargetID)
		return
	}
	if c.metrics != nil {
		c.metrics.IncJobOutcome("quarantined")
		c.metrics.IncQuarantineEvent()
	}
}

// finalize computes the job's terminal state from both targets' results
// and commits the matching side effect: Verified, Quarantined (with a
// forensic QuarantineEntry), or Failed (with a DeadLetterEntry per
// exhausted target).
func (c *Controller) finalize(ctx context.Context, jobID string, results [2]orchestrator.TargetResult) error {
	current, targets, err := c.store.GetJobWithTargets(ctx, jobID)
	if err != nil {
		return fmt.Errorf("controller: finalize %s: %w", jobID, err)
	}

	for _, r := range results {
		c.emitter.Emit(audit.EntryToEvent(jobID, string(model.EntityTarget), string(r.TargetID), "", string(r.CopyState), "", nil))
	}

	// onDone's quarantineImmediately already moved the job to Quarantined
	// the instant the first mismatch was observed; nothing left to decide.
	if current.State == model.JobQuarantined {
		return nil
	}

	var mismatched []model.TargetSnapshot
	var permanent []orchestrator.TargetResult
	allVerified := true
	for _, r := range results {
		if r.CopyState != model.CopyVerified {
			allVerified = false
		}
		switch {
		case errors.Is(r.Err, retry.ErrIntegrity):
			mismatched = append(mismatched, snapshotFor(targets, current, r))
		case r.CopyState == model.CopyFailedPermanent:
			permanent = append(permanent, r)
		}
	}

	// The orchestrator resolves which target's hash wins the source-hash
	// race internally and never writes it back itself (see
	// internal/orchestrator's sourceHashClaim doc comment); this is the
	// one place that persists it, once any target reaches Verified.
	if current.SourceHash == nil {
		for _, t := range targets {
			if t.CopyState == model.CopyVerified && t.TargetHash != nil {
				if err := c.store.SetSourceHash(ctx, jobID, *t.TargetHash); err != nil {
					c.log.Error(err, "persisting source hash failed", "job", jobID)
				}
				break
			}
		}
	}

	if len(mismatched) > 0 {
		_, err := c.quarantine.Quarantine(ctx, jobID, current.Version, mismatched, "target hash mismatch against source")
		if err != nil {
			c.log.Error(err, "quarantine transaction failed", "job", jobID)
		}
		if c.metrics != nil {
			c.metrics.IncJobOutcome("quarantined")
			c.metrics.IncQuarantineEvent()
		}
		return err
	}

	if allVerified {
		_, err := c.transitionJob(ctx, jobID, model.JobVerified, nil)
		if c.metrics != nil && err == nil {
			c.metrics.IncJobOutcome("verified")
		}
		return err
	}

	if _, err := c.transitionJob(ctx, jobID, model.JobFailed, nil); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.IncJobOutcome("failed")
	}
	for _, r := range permanent {
		tid := r.TargetID
		attempts := attemptsFor(targets, tid)
		if _, err := c.deadLetter.Record(ctx, jobID, &tid, "copy_or_verify", errString(r.Err), attempts); err != nil {
			c.log.Error(err, "dead-letter record failed", "job", jobID, "target", tid)
		}
		if c.metrics != nil {
			c.metrics.IncDeadLetterEvent()
		}
	}
	return nil
}

// transitionJob commits a job state transition under optimistic
// versioning, re-reading the current version and retrying on
// ErrVersionConflict up to maxVersionConflictRetries before logging an
// anomaly and giving up.
func (c *Controller) transitionJob(ctx context.Context, jobID string, newState model.JobState, changeCtx map[string]any) (model.FileJob, error) {
	current, _, err := c.store.GetJobWithTargets(ctx, jobID)
	if err != nil {
		return model.FileJob{}, fmt.Errorf("controller: read job %s before transition: %w", jobID, err)
	}

	for attempt := 0; ; attempt++ {
		job, err := c.store.UpdateJobState(ctx, jobID, current.Version, newState, changeCtx)
		if err == nil {
			c.emitter.Emit(audit.EntryToEvent(jobID, string(model.EntityJob), "", string(current.State), string(newState), "", changeCtx))
			return job, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= maxVersionConflictRetries {
			c.log.Error(err, "job state transition abandoned", "job", jobID, "target_state", newState, "attempt", attempt)
			return model.FileJob{}, err
		}
		current, _, err = c.store.GetJobWithTargets(ctx, jobID)
		if err != nil {
			return model.FileJob{}, fmt.Errorf("controller: re-read job %s after version conflict: %w", jobID, err)
		}
	}
}

func snapshotFor(targets []model.TargetOutcome, job model.FileJob, r orchestrator.TargetResult) model.TargetSnapshot {
	snap := model.TargetSnapshot{TargetID: r.TargetID, Error: errString(r.Err)}
	if job.SourceHash != nil {
		snap.ExpectedHash = *job.SourceHash
	}
	for _, t := range targets {
		if t.TargetID == r.TargetID {
			snap.Path = t.FinalPath
			if t.TargetHash != nil {
				snap.ComputedHash = *t.TargetHash
			}
		}
	}
	return snap
}

func attemptsFor(targets []model.TargetOutcome, targetID model.TargetID) int {
	for _, t := range targets {
		if t.TargetID == targetID {
			return t.Attempts
		}
	}
	return 0
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
