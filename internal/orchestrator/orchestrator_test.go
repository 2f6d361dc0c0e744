package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/johnnywatts/forker/internal/copier"
	"github.com/johnnywatts/forker/internal/hashsum"
	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/retry"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/verifier"
)

func setupJob(t *testing.T, st store.Store, sourceData []byte) (model.FileJob, string) {
	t.Helper()
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "slide.svs")
	if err := os.WriteFile(srcPath, sourceData, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	job := model.FileJob{
		ID:           "job-orch-1",
		SourcePath:   srcPath,
		ExpectedSize: int64(len(sourceData)),
		State:        model.JobInProgress,
	}
	targets := [2]model.TargetOutcome{
		{JobID: job.ID, TargetID: model.TargetA, CopyState: model.CopyPending},
		{JobID: job.ID, TargetID: model.TargetB, CopyState: model.CopyPending},
	}
	if err := st.InsertJob(context.Background(), job, targets); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return job, srcPath
}

func TestRunBothTargetsVerifySuccessfully(t *testing.T) {
	st := store.NewMemStore()
	job, _ := setupJob(t, st, []byte("dual target payload"))

	dirA := t.TempDir()
	dirB := t.TempDir()
	orch := New(st, verifier.New(0), retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3},
		[2]TargetConfig{
			{TargetID: model.TargetA, Copier: copier.New(0), TargetDir: dirA},
			{TargetID: model.TargetB, Copier: copier.New(0), TargetDir: dirB},
		}, logr.Discard())

	results := orch.Run(context.Background(), job)
	for _, r := range results {
		if r.CopyState != model.CopyVerified {
			t.Fatalf("target %s ended in %v (%v), want Verified", r.TargetID, r.CopyState, r.Err)
		}
	}

	_, targets, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	for _, tg := range targets {
		if tg.CopyState != model.CopyVerified {
			t.Fatalf("persisted target %s state = %v, want Verified", tg.TargetID, tg.CopyState)
		}
		if tg.TargetHash == nil {
			t.Fatalf("persisted target %s missing hash", tg.TargetID)
		}
	}
}

func TestRunOneTargetFailurePermanentDoesNotAffectOther(t *testing.T) {
	st := store.NewMemStore()
	job, _ := setupJob(t, st, []byte("payload"))

	dirA := t.TempDir()
	// TargetB's directory does not exist, so every copy attempt fails
	// with a permanent (non-retryable in this harness, since we cap
	// attempts at 1) error, while TargetA should still verify cleanly.
	missingDirB := filepath.Join(t.TempDir(), "missing")

	orch := New(st, verifier.New(0), retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 1},
		[2]TargetConfig{
			{TargetID: model.TargetA, Copier: copier.New(0), TargetDir: dirA},
			{TargetID: model.TargetB, Copier: copier.New(0), TargetDir: missingDirB},
		}, logr.Discard())

	results := orch.Run(context.Background(), job)

	var aResult, bResult TargetResult
	for _, r := range results {
		if r.TargetID == model.TargetA {
			aResult = r
		} else {
			bResult = r
		}
	}

	if aResult.CopyState != model.CopyVerified {
		t.Fatalf("TargetA state = %v (%v), want Verified", aResult.CopyState, aResult.Err)
	}
	if bResult.CopyState != model.CopyFailedPermanent {
		t.Fatalf("TargetB state = %v, want FailedPermanent", bResult.CopyState)
	}

	_, targets, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	for _, tg := range targets {
		if tg.TargetID == model.TargetA && tg.CopyState != model.CopyVerified {
			t.Fatalf("persisted TargetA state = %v, want Verified (independence violated)", tg.CopyState)
		}
	}
}

// targetByID finds the outcome for id among targets, failing the test if
// it is missing.
func targetByID(t *testing.T, targets []model.TargetOutcome, id model.TargetID) model.TargetOutcome {
	t.Helper()
	for _, tg := range targets {
		if tg.TargetID == id {
			return tg
		}
	}
	t.Fatalf("no target outcome for %s", id)
	return model.TargetOutcome{}
}

// A restart that resumes a job whose target already reached Verified must
// not touch the filesystem at all: TargetA's directory does not exist, so
// any attempted copy or re-verify would fail outright.
func TestRunResumesAlreadyVerifiedTargetWithoutIO(t *testing.T) {
	st := store.NewMemStore()
	job, _ := setupJob(t, st, []byte("resumed payload"))

	_, targets, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	a := targetByID(t, targets, model.TargetA)
	hash := "deadbeef"
	if _, err := st.UpdateTarget(context.Background(), job.ID, model.TargetA, a.Version, func(t *model.TargetOutcome) {
		t.CopyState = model.CopyVerified
		t.FinalPath = "/does/not/exist/slide.svs"
		t.TargetHash = &hash
	}, nil); err != nil {
		t.Fatalf("seed TargetA as Verified: %v", err)
	}

	missingDirA := filepath.Join(t.TempDir(), "missing")
	dirB := t.TempDir()
	orch := New(st, verifier.New(0), retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 1},
		[2]TargetConfig{
			{TargetID: model.TargetA, Copier: copier.New(0), TargetDir: missingDirA},
			{TargetID: model.TargetB, Copier: copier.New(0), TargetDir: dirB},
		}, logr.Discard())

	results := orch.Run(context.Background(), job)

	aResult := targetResultByID(t, results, model.TargetA)
	if aResult.CopyState != model.CopyVerified || aResult.Err != nil {
		t.Fatalf("resumed TargetA = %v (%v), want Verified with no error", aResult.CopyState, aResult.Err)
	}
	bResult := targetResultByID(t, results, model.TargetB)
	if bResult.CopyState != model.CopyVerified {
		t.Fatalf("TargetB = %v (%v), want Verified", bResult.CopyState, bResult.Err)
	}
}

// A restart that resumes a job whose target already exhausted its retry
// budget (or was quarantined for a hash mismatch) must not restart a
// fresh copy with a renewed attempt counter (I6, I16): TargetA's
// directory does not exist, so any attempted copy would fail outright if
// runTarget tried one.
func TestRunResumesFailedPermanentTargetWithoutIO(t *testing.T) {
	st := store.NewMemStore()
	job, _ := setupJob(t, st, []byte("resumed payload"))

	_, targets, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	a := targetByID(t, targets, model.TargetA)
	if _, err := st.UpdateTarget(context.Background(), job.ID, model.TargetA, a.Version, func(t *model.TargetOutcome) {
		t.CopyState = model.CopyFailedPermanent
		t.LastErrorCat = model.ErrorCategoryIntegrity
		t.LastErrorMsg = "hash mismatch against source"
	}, nil); err != nil {
		t.Fatalf("seed TargetA as FailedPermanent: %v", err)
	}

	missingDirA := filepath.Join(t.TempDir(), "missing")
	dirB := t.TempDir()
	orch := New(st, verifier.New(0), retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 1},
		[2]TargetConfig{
			{TargetID: model.TargetA, Copier: copier.New(0), TargetDir: missingDirA},
			{TargetID: model.TargetB, Copier: copier.New(0), TargetDir: dirB},
		}, logr.Discard())

	results := orch.Run(context.Background(), job)

	aResult := targetResultByID(t, results, model.TargetA)
	if aResult.CopyState != model.CopyFailedPermanent {
		t.Fatalf("resumed TargetA = %v (%v), want FailedPermanent (no re-attempt)", aResult.CopyState, aResult.Err)
	}
	if !errors.Is(aResult.Err, retry.ErrIntegrity) {
		t.Fatalf("resumed TargetA error = %v, want errors.Is(..., retry.ErrIntegrity) reconstructed from the persisted error category", aResult.Err)
	}
	bResult := targetResultByID(t, results, model.TargetB)
	if bResult.CopyState != model.CopyVerified {
		t.Fatalf("TargetB = %v (%v), want Verified", bResult.CopyState, bResult.Err)
	}
}

// A restart that resumes a job whose target already committed its final
// file (CopyCopied, crashed before the Verified write landed) must skip
// straight to verification instead of re-copying the file.
func TestRunResumesCopiedTargetByVerifyingOnly(t *testing.T) {
	st := store.NewMemStore()
	job, _ := setupJob(t, st, []byte("resumed copied payload"))

	dirA := t.TempDir()
	finalPath := filepath.Join(dirA, "slide.svs")
	if err := os.WriteFile(finalPath, []byte("resumed copied payload"), 0o644); err != nil {
		t.Fatalf("write committed file: %v", err)
	}
	digest, _, err := hashsum.HashReader(bytes.NewReader([]byte("resumed copied payload")))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}

	_, targets, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	a := targetByID(t, targets, model.TargetA)
	if _, err := st.UpdateTarget(context.Background(), job.ID, model.TargetA, a.Version, func(t *model.TargetOutcome) {
		t.CopyState = model.CopyCopied
		t.FinalPath = finalPath
		t.TargetHash = &digest
	}, nil); err != nil {
		t.Fatalf("seed TargetA as Copied: %v", err)
	}

	// TargetA's directory is left intact but its copier would write into
	// a staging path inside it; if runTarget mistakenly re-copies, the
	// source read still succeeds, so instead we assert on the outcome:
	// the committed file's content (and hash) must be exactly what was
	// written above, never replaced by a second copy pass.
	dirB := t.TempDir()
	orch := New(st, verifier.New(0), retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3},
		[2]TargetConfig{
			{TargetID: model.TargetA, Copier: copier.New(0), TargetDir: dirA},
			{TargetID: model.TargetB, Copier: copier.New(0), TargetDir: dirB},
		}, logr.Discard())

	results := orch.Run(context.Background(), job)

	aResult := targetResultByID(t, results, model.TargetA)
	if aResult.CopyState != model.CopyVerified || aResult.Err != nil {
		t.Fatalf("resumed TargetA = %v (%v), want Verified", aResult.CopyState, aResult.Err)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "resumed copied payload" {
		t.Fatalf("committed file content changed: %q", data)
	}
}

// A target configured with SkipVerify reaches CopyVerified without the
// verifier ever re-reading its committed file.
func TestRunSkipsVerificationWhenConfigured(t *testing.T) {
	st := store.NewMemStore()
	job, _ := setupJob(t, st, []byte("unverified target payload"))

	dirA := t.TempDir()
	dirB := t.TempDir()
	orch := New(st, verifier.New(0), retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3},
		[2]TargetConfig{
			{TargetID: model.TargetA, Copier: copier.New(0), TargetDir: dirA, SkipVerify: true},
			{TargetID: model.TargetB, Copier: copier.New(0), TargetDir: dirB},
		}, logr.Discard())

	results := orch.Run(context.Background(), job)
	for _, r := range results {
		if r.CopyState != model.CopyVerified || r.Err != nil {
			t.Fatalf("target %s ended in %v (%v), want Verified with no error", r.TargetID, r.CopyState, r.Err)
		}
	}

	_, targets, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	a := targetByID(t, targets, model.TargetA)
	if a.CopyState != model.CopyVerified {
		t.Fatalf("persisted TargetA state = %v, want Verified even with verification skipped", a.CopyState)
	}
}

func targetResultByID(t *testing.T, results [2]TargetResult, id model.TargetID) TargetResult {
	t.Helper()
	for _, r := range results {
		if r.TargetID == id {
			return r
		}
	}
	t.Fatalf("no target result for %s", id)
	return TargetResult{}
}
