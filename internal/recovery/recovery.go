// Package recovery rebuilds in-memory intent from the durable store at
// startup (C11). It never touches a goroutine or a channel: Recover
// returns a Plan describing what each target needs, and the host
// (cmd/forkerd) is responsible for executing it against the Controller
// and Orchestrator. Keeping the decision pure makes it unit-testable
// against a fixed on-disk snapshot without the rest of the pipeline
// running.
package recovery

import (
	"context"
	"os"
	"path/filepath"

	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/store"
)

// Action is the re-entry action derived for one target at startup.
type Action string

const (
	// ActionNone means the target is already terminal (Verified or
	// FailedPermanent); leave it alone.
	ActionNone Action = "None"
	// ActionQueueForCopy means the target must (re)start its copy. The
	// caller removes StagingToRemove, if set, before queueing.
	ActionQueueForCopy Action = "QueueForCopy"
	// ActionQueueForVerify means bytes are already committed at FinalPath;
	// only verification needs to run.
	ActionQueueForVerify Action = "QueueForVerify"
)

// TargetPlan is the re-entry decision for one target of one job.
type TargetPlan struct {
	TargetID        model.TargetID
	Action          Action
	StagingToRemove string
	FinalPath       string
}

// JobPlan groups a job with its recomputed top-level state and its two
// targets' re-entry decisions.
type JobPlan struct {
	Job             model.FileJob
	RecomputedState model.JobState
	Targets         [2]TargetPlan
}

// Plan is the full startup re-entry plan.
type Plan struct {
	Jobs []JobPlan
}

// Recoverer derives re-entry plans. Its filesystem probe is overridable
// so the decision logic is testable without touching a real disk, the
// same pattern internal/stability uses for its lock probe.
type Recoverer struct {
	exists func(path string) bool
}

// New creates a Recoverer backed by the real filesystem.
func New() *Recoverer {
	return &Recoverer{exists: fileExists}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Recover loads every job not already in a terminal state, derives a
// re-entry action for each of its two targets, and recomputes the job's
// top-level state from those target states (spec.md §4.11). targetDirs
// supplies each target's directory so a target whose FinalPath was never
// persisted (a crash during its very first copy attempt) can still be
// checked against I4's "no duplicate final writes on restart" guarantee.
func (r *Recoverer) Recover(ctx context.Context, st store.Store, targetDirs map[model.TargetID]string) (Plan, error) {
	var plan Plan
	for _, state := range []model.JobState{model.JobDiscovered, model.JobQueued, model.JobInProgress, model.JobPartial} {
		jobs, err := st.FindJobsByState(ctx, state)
		if err != nil {
			return Plan{}, err
		}
		for _, job := range jobs {
			jp, err := r.planJob(ctx, st, job, targetDirs)
			if err != nil {
				return Plan{}, err
			}
			plan.Jobs = append(plan.Jobs, jp)
		}
	}
	return plan, nil
}

func (r *Recoverer) planJob(ctx context.Context, st store.Store, job model.FileJob, targetDirs map[model.TargetID]string) (JobPlan, error) {
	_, targets, err := st.GetJobWithTargets(ctx, job.ID)
	if err != nil {
		return JobPlan{}, err
	}

	jp := JobPlan{Job: job}
	verified := 0
	for i, t := range targets {
		tp := r.planTarget(job, t, targetDirs)
		jp.Targets[i] = tp
		if t.CopyState == model.CopyVerified {
			verified++
		}
	}

	switch verified {
	case 2:
		jp.RecomputedState = model.JobVerified
	case 1:
		jp.RecomputedState = model.JobPartial
	default:
		jp.RecomputedState = model.JobQueued
	}
	return jp, nil
}

func (r *Recoverer) planTarget(job model.FileJob, t model.TargetOutcome, targetDirs map[model.TargetID]string) TargetPlan {
	switch t.CopyState {
	case model.CopyVerified:
		return TargetPlan{TargetID: t.TargetID, Action: ActionNone}

	case model.CopyCopied, model.CopyVerifying:
		return TargetPlan{TargetID: t.TargetID, Action: ActionQueueForVerify, FinalPath: t.FinalPath}

	case model.CopyCopying:
		finalPath := t.FinalPath
		if finalPath == "" {
			finalPath = expectedFinalPath(job, t.TargetID, targetDirs)
		}
		if finalPath != "" && r.exists(finalPath) {
			// The atomic rename committed before the crash; the only
			// thing that didn't survive was the follow-up state update.
			// Re-copying would be wasted I/O, not a correctness problem,
			// but verification is all that's actually needed (I4).
			return TargetPlan{TargetID: t.TargetID, Action: ActionQueueForVerify, FinalPath: finalPath}
		}
		// No final file: the crash happened before or during the
		// staging write. The attempt never produced committed bytes, so
		// per the spec's resolution of this Open Question, Attempts is
		// left untouched rather than incremented — only a completed
		// attempt (success or a classified failure) counts toward I6.
		return TargetPlan{TargetID: t.TargetID, Action: ActionQueueForCopy, StagingToRemove: t.StagingPath}

	case model.CopyFailedPermanent:
		// Exhausted its retry budget, or a hash mismatch: I6 forbids
		// further retries and I16 forbids a Quarantined job auto-recovering.
		// Only an explicit quarantine release/purge reopens this target, so
		// recovery leaves its state untouched; any stray staging bytes from
		// the attempt that produced this outcome are still cleaned up.
		return TargetPlan{TargetID: t.TargetID, Action: ActionNone, StagingToRemove: t.StagingPath}

	default: // Pending, FailedRetryable
		return TargetPlan{TargetID: t.TargetID, Action: ActionQueueForCopy, StagingToRemove: t.StagingPath}
	}
}

func expectedFinalPath(job model.FileJob, targetID model.TargetID, targetDirs map[model.TargetID]string) string {
	dir, ok := targetDirs[targetID]
	if !ok || dir == "" {
		return ""
	}
	return filepath.Join(dir, filepath.Base(job.SourcePath))
}
