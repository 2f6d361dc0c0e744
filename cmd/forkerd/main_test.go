package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnnywatts/forker/internal/config"
	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/recovery"
	"github.com/johnnywatts/forker/internal/store"
)

func TestLoadConfigFallsBackToDefaultsWhenMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Database.Path != config.Default().Database.Path {
		t.Errorf("expected Default() config, got database path %q", cfg.Database.Path)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forker.yaml")
	if err := os.WriteFile(path, []byte("database:\n  path: "+filepath.Join(dir, "forker.db")+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Database.Path != filepath.Join(dir, "forker.db") {
		t.Errorf("Database.Path = %q, want overridden value", cfg.Database.Path)
	}
}

func TestBuildTargetsRejectsADisabledTarget(t *testing.T) {
	cfg := config.Default()
	cfg.Targets[1].Enabled = false

	if _, err := buildTargets(cfg); err == nil {
		t.Fatal("expected an error when a target is disabled")
	}
}

func TestBuildTargetsMapsBothEnabledTargets(t *testing.T) {
	cfg := config.Default()
	cfg.Targets[0].Path = "/data/a"
	cfg.Targets[1].Path = "/data/b"

	got, err := buildTargets(cfg)
	if err != nil {
		t.Fatalf("buildTargets: %v", err)
	}
	if got[0].TargetID != model.TargetA || got[0].TargetDir != "/data/a" {
		t.Errorf("targets[0] = %+v, want TargetA at /data/a", got[0])
	}
	if got[1].TargetID != model.TargetB || got[1].TargetDir != "/data/b" {
		t.Errorf("targets[1] = %+v, want TargetB at /data/b", got[1])
	}
}

func TestApplyTargetPlansResetsACopyingTargetWithNoCommittedFile(t *testing.T) {
	st := store.NewMemStore()
	job := model.FileJob{ID: "job-1", SourcePath: "/src/slide.svs", ExpectedSize: 10, State: model.JobInProgress}
	targets := [2]model.TargetOutcome{
		{JobID: job.ID, TargetID: model.TargetA, CopyState: model.CopyCopying, StagingPath: "/staging/a.tmp"},
		{JobID: job.ID, TargetID: model.TargetB, CopyState: model.CopyPending},
	}
	if err := st.InsertJob(context.Background(), job, targets); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	jp := recovery.JobPlan{
		Job: job,
		Targets: [2]recovery.TargetPlan{
			{TargetID: model.TargetA, Action: recovery.ActionQueueForCopy, StagingToRemove: "/staging/a.tmp"},
			{TargetID: model.TargetB, Action: recovery.ActionNone},
		},
	}
	if err := applyTargetPlans(context.Background(), st, jp); err != nil {
		t.Fatalf("applyTargetPlans: %v", err)
	}

	_, got, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	a, _ := findTarget(got, model.TargetA)
	if a.CopyState != model.CopyPending {
		t.Fatalf("TargetA state = %v, want Pending after reset", a.CopyState)
	}
}

func TestApplyTargetPlansPromotesACommittedCopyingTarget(t *testing.T) {
	st := store.NewMemStore()
	dir := t.TempDir()
	finalPath := filepath.Join(dir, "slide.svs")
	if err := os.WriteFile(finalPath, []byte("committed bytes"), 0o644); err != nil {
		t.Fatalf("write committed file: %v", err)
	}

	job := model.FileJob{ID: "job-2", SourcePath: "/src/slide.svs", ExpectedSize: 16, State: model.JobInProgress}
	targets := [2]model.TargetOutcome{
		{JobID: job.ID, TargetID: model.TargetA, CopyState: model.CopyCopying},
		{JobID: job.ID, TargetID: model.TargetB, CopyState: model.CopyPending},
	}
	if err := st.InsertJob(context.Background(), job, targets); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	jp := recovery.JobPlan{
		Job: job,
		Targets: [2]recovery.TargetPlan{
			{TargetID: model.TargetA, Action: recovery.ActionQueueForVerify, FinalPath: finalPath},
			{TargetID: model.TargetB, Action: recovery.ActionNone},
		},
	}
	if err := applyTargetPlans(context.Background(), st, jp); err != nil {
		t.Fatalf("applyTargetPlans: %v", err)
	}

	_, got, err := st.GetJobWithTargets(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobWithTargets: %v", err)
	}
	a, _ := findTarget(got, model.TargetA)
	if a.CopyState != model.CopyCopied {
		t.Fatalf("TargetA state = %v, want Copied after promotion", a.CopyState)
	}
	if a.FinalPath != finalPath {
		t.Fatalf("TargetA FinalPath = %q, want %q", a.FinalPath, finalPath)
	}
	if a.TargetHash == nil || *a.TargetHash == "" {
		t.Fatal("expected a recomputed TargetHash for the promoted target")
	}
}

func TestTimeDaysToDuration(t *testing.T) {
	if got := timeDaysToDuration(2); got != 48*time.Hour {
		t.Errorf("timeDaysToDuration(2) = %v, want 48h", got)
	}
}
