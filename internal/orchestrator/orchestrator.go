// Package orchestrator drives one job's two independent target copies to
// a terminal state and hands control back to the Job Controller. Each
// target is copied, hashed, and verified on its own goroutine; a failure
// on one target never affects the other (I19).
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/johnnywatts/forker/internal/copier"
	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/retry"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/verifier"
)

// TargetConfig binds one target id to its copier and destination
// directory.
type TargetConfig struct {
	TargetID  model.TargetID
	Copier    *copier.Copier
	TargetDir string
	// SkipVerify mirrors config.TargetConfig.VerifyAfterCopy() negated:
	// false (the default) re-hashes FinalPath and compares it against
	// the source hash before a target is allowed to reach CopyVerified.
	// true trusts the hash the copy itself computed in flight and moves
	// straight to CopyVerified without re-reading the committed file.
	SkipVerify bool
}

// Orchestrator runs the dual-target copy+verify pipeline for jobs, using
// store.Store as the single source of truth for state transitions.
//
// Grounded on the teacher's graph/engine.go runConcurrent: one goroutine
// per unit of work, joined over result channels that are always fully
// drained. Deliberately NOT golang.org/x/sync/errgroup: errgroup.Group's
// WithContext variant cancels sibling goroutines as soon as one returns a
// non-nil error, which would propagate TargetA's failure into TargetB's
// in-flight copy — violating I19. The hand-rolled join below lets each
// target run to its own terminal state independently.
type Orchestrator struct {
	store    store.Store
	verifier *verifier.Verifier
	targets  [2]TargetConfig
	policy   retry.Policy
	log      logr.Logger
}

// New creates an Orchestrator for the two given target configurations.
// log defaults to a no-op logger if zero-valued.
func New(st store.Store, v *verifier.Verifier, policy retry.Policy, targets [2]TargetConfig, log logr.Logger) *Orchestrator {
	return &Orchestrator{store: st, verifier: v, targets: targets, policy: policy, log: log}
}

// TargetResult is the terminal outcome for one target, returned once its
// goroutine has nothing further to attempt.
type TargetResult struct {
	TargetID  model.TargetID
	CopyState model.CopyState
	Err       error
}

// sourceHashClaim resolves the job's source_hash in favor of whichever
// target finishes copying first, per spec.md §4.6: when job.SourceHash is
// already known, every claimant just receives it back; otherwise the
// first candidate hash submitted wins and every later caller (including
// the winner itself) blocks only as long as it takes for that first write
// to land, never re-deriving its own value.
//
// Persisting the winning hash onto the FileJob row itself is the Job
// Controller's responsibility once both targets are terminal — the
// store's optimistic-versioned UpdateJobState only mutates State, not
// SourceHash, so a concurrent writer here would have nothing stable to
// key a version check against mid-flight.
type sourceHashClaim struct {
	known string
	once  sync.Once
	done  chan struct{}
}

func newSourceHashClaim(known *string) *sourceHashClaim {
	c := &sourceHashClaim{done: make(chan struct{})}
	if known != nil {
		c.known = *known
		close(c.done)
	}
	return c
}

// resolve submits candidate as this caller's own computed hash and
// returns the hash that won the race (or the job's already-known hash).
func (c *sourceHashClaim) resolve(candidate string) string {
	c.once.Do(func() {
		if c.known == "" {
			c.known = candidate
		}
		close(c.done)
	})
	<-c.done
	return c.known
}

// Run copies and verifies both targets of job and blocks until both reach
// a terminal CopyState (Verified, FailedPermanent) or ctx is cancelled.
// The caller (Job Controller) is responsible for computing the job's
// top-level state and any quarantine/dead-letter bookkeeping from the
// returned results.
func (o *Orchestrator) Run(ctx context.Context, job model.FileJob) [2]TargetResult {
	return o.RunObserved(ctx, job, nil)
}

// RunObserved behaves exactly like Run, but additionally invokes onDone
// once for each target as soon as that target's own goroutine reaches a
// terminal result — while the other target may still be in flight. The
// Job Controller uses this to recognize the InProgress→Partial transition
// (one target terminal-verified, the other not yet terminal) without
// polling the store. onDone may be called concurrently from either
// goroutine and must not block; it may be nil.
func (o *Orchestrator) RunObserved(ctx context.Context, job model.FileJob, onDone func(TargetResult)) [2]TargetResult {
	var wg sync.WaitGroup
	results := [2]TargetResult{}
	claim := newSourceHashClaim(job.SourceHash)

	for i, tc := range o.targets {
		wg.Add(1)
		go func(i int, tc TargetConfig) {
			defer wg.Done()
			r := o.runTarget(ctx, job, tc, claim)
			results[i] = r
			if onDone != nil {
				onDone(r)
			}
		}(i, tc)
	}

	wg.Wait()
	return results
}

func (o *Orchestrator) runTarget(ctx context.Context, job model.FileJob, tc TargetConfig, claim *sourceHashClaim) TargetResult {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(tc.TargetDir))))
	backoff := retry.NewBackoff(o.policy, rng)

	attempt := 0
	for {
		attempt++

		_, targets, err := o.store.GetJobWithTargets(ctx, job.ID)
		if err != nil {
			return TargetResult{TargetID: tc.TargetID, CopyState: model.CopyFailedPermanent, Err: err}
		}
		var current model.TargetOutcome
		for _, t := range targets {
			if t.TargetID == tc.TargetID {
				current = t
			}
		}

		// A resumed job (Recovery re-entering after a restart) can find
		// this target already past the copy step. Re-copying an already
		// committed file would be wasted I/O at best and, for an already
		// Verified target, a duplicate final write the first attempt
		// never needed to make (I4). This branch only applies on the
		// first attempt of this call; a retry loop that lands back here
		// after a failed verify falls through to a normal copy.
		if attempt == 1 {
			switch current.CopyState {
			case model.CopyVerified:
				return TargetResult{TargetID: tc.TargetID, CopyState: model.CopyVerified}
			case model.CopyFailedPermanent:
				// Exhausted its retry budget, or a hash mismatch, on a
				// previous run (I6: no further retries; I16: a Quarantined
				// job does not auto-recover). Recovery's plan for this
				// target is ActionNone, but Run always launches both
				// targets' goroutines, so this has to be re-derived here
				// rather than re-attempting a fresh copy with a reset
				// attempt budget.
				return TargetResult{TargetID: tc.TargetID, CopyState: model.CopyFailedPermanent, Err: terminalErrFor(current)}
			case model.CopyCopied, model.CopyVerifying:
				sourceHash := claim.resolve(stringOrEmpty(current.TargetHash))
				verifyState, verifyErr := o.verifyTarget(ctx, job, tc, current, sourceHash, attempt, backoff)
				if verifyState != model.CopyFailedRetryable {
					return TargetResult{TargetID: tc.TargetID, CopyState: verifyState, Err: verifyErr}
				}
				// Fall through to a normal copy attempt below.
			}
		}

		current, err = o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
			t.CopyState = model.CopyCopying
		}, map[string]any{"attempt": attempt})
		if err != nil {
			return TargetResult{TargetID: tc.TargetID, CopyState: model.CopyFailedPermanent, Err: err}
		}

		name := finalName(job.SourcePath)
		result, copyErr := tc.Copier.Copy(ctx, copier.Request{
			SourcePath:   job.SourcePath,
			ExpectedSize: job.ExpectedSize,
			TargetDir:    tc.TargetDir,
			TargetID:     tc.TargetID,
			FinalName:    name,
		})
		if copyErr != nil && result.FinalPath != "" {
			// The rename already committed (copier.Copy only returns
			// FinalPath alongside an error for a post-commit directory
			// fsync failure). The bytes at FinalPath are already correct,
			// so looping back into a full re-copy would burn one of this
			// target's limited attempts (I6) on work that doesn't need
			// redoing. Retry the fsync alone instead.
			if derr := tc.Copier.RetryDirSync(ctx, tc.TargetDir, 3, 200*time.Millisecond); derr != nil {
				o.log.Error(derr, "directory fsync still failing after retry; file is committed but its durability is unconfirmed", "target", tc.TargetID, "path", result.FinalPath)
			}
			copyErr = nil
		}
		if copyErr != nil {
			cat := retry.Classify(copyErr)
			final := !retry.Retryable(copyErr) || o.policy.Exhausted(attempt)
			newState := model.CopyFailedRetryable
			if final {
				newState = model.CopyFailedPermanent
			}
			current, _ = o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
				t.CopyState = newState
				t.Attempts = attempt
				t.LastErrorCat = cat
				t.LastErrorMsg = copyErr.Error()
			}, map[string]any{"error": copyErr.Error()})
			if final {
				return TargetResult{TargetID: tc.TargetID, CopyState: newState, Err: copyErr}
			}
			select {
			case <-ctx.Done():
				return TargetResult{TargetID: tc.TargetID, CopyState: model.CopyFailedRetryable, Err: ctx.Err()}
			case <-time.After(backoff.Next(attempt)):
			}
			continue
		}

		sourceHash := claim.resolve(result.Hash)

		current, err = o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
			t.CopyState = model.CopyCopied
			t.StagingPath = (copier.Request{TargetDir: tc.TargetDir, FinalName: name}).StagingPath()
			t.FinalPath = result.FinalPath
			t.TargetHash = &result.Hash
			t.Attempts = attempt
		}, nil)
		if err != nil {
			return TargetResult{TargetID: tc.TargetID, CopyState: model.CopyFailedPermanent, Err: err}
		}

		verifyState, verifyErr := o.verifyTarget(ctx, job, tc, current, sourceHash, attempt, backoff)
		if verifyState == model.CopyFailedRetryable {
			continue
		}
		return TargetResult{TargetID: tc.TargetID, CopyState: verifyState, Err: verifyErr}
	}
}

func (o *Orchestrator) verifyTarget(ctx context.Context, job model.FileJob, tc TargetConfig, current model.TargetOutcome, sourceHash string, attempt int, backoff *retry.Backoff) (model.CopyState, error) {
	current, err := o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
		t.CopyState = model.CopyVerifying
	}, nil)
	if err != nil {
		return model.CopyFailedPermanent, err
	}

	if tc.SkipVerify {
		// verify_after_copy: false for this target (config.TargetConfig).
		// The copy's own inline hash is trusted as-is; finalize's
		// allVerified check and the job's path to JobVerified are left
		// untouched, so a target only ever reaches CopyVerified, never a
		// separate "copied but unverified" terminal state.
		if _, uerr := o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
			t.CopyState = model.CopyVerified
		}, nil); uerr != nil {
			return model.CopyFailedPermanent, uerr
		}
		return model.CopyVerified, nil
	}

	verifyResult, verr := o.verifier.Verify(ctx, current.FinalPath, &sourceHash)
	match := verifyResult.Match
	if verr != nil {
		cat := retry.Classify(verr)
		final := !retry.Retryable(verr) || o.policy.Exhausted(attempt)
		newState := model.CopyFailedRetryable
		if final {
			newState = model.CopyFailedPermanent
		}
		if _, uerr := o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
			t.CopyState = newState
			t.LastErrorCat = cat
			t.LastErrorMsg = verr.Error()
		}, nil); uerr != nil {
			return model.CopyFailedPermanent, uerr
		}
		if !final {
			select {
			case <-ctx.Done():
				return model.CopyFailedRetryable, ctx.Err()
			case <-time.After(backoff.Next(attempt + 1)):
			}
		}
		return newState, verr
	}

	if !match {
		if _, uerr := o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
			t.CopyState = model.CopyFailedPermanent
			t.LastErrorCat = model.ErrorCategoryIntegrity
			t.LastErrorMsg = "hash mismatch against source"
		}, nil); uerr != nil {
			return model.CopyFailedPermanent, uerr
		}
		return model.CopyFailedPermanent, retry.ErrIntegrity
	}

	if _, uerr := o.store.UpdateTarget(ctx, job.ID, tc.TargetID, current.Version, func(t *model.TargetOutcome) {
		t.CopyState = model.CopyVerified
	}, nil); uerr != nil {
		return model.CopyFailedPermanent, uerr
	}
	return model.CopyVerified, nil
}

// terminalErrFor reconstructs the error a previously FailedPermanent
// target's last attempt produced, from the category/message persisted
// onto its row, so a caller re-entering via Run after a restart sees the
// same errors.Is(err, retry.ErrIntegrity) signal the original attempt did.
func terminalErrFor(t model.TargetOutcome) error {
	if t.LastErrorCat == model.ErrorCategoryIntegrity {
		return retry.ErrIntegrity
	}
	if t.LastErrorMsg == "" {
		return errors.New("target previously failed permanently")
	}
	return errors.New(t.LastErrorMsg)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func finalName(sourcePath string) string {
	for i := len(sourcePath) - 1; i >= 0; i-- {
		if sourcePath[i] == '/' || sourcePath[i] == '\\' {
			return sourcePath[i+1:]
		}
	}
	return sourcePath
}
