// Command forkerd is the replication engine's host process: it loads
// configuration, opens the durable store, replays Recovery's startup
// plan, then drives newly discovered files through the controller until
// terminated.
//
// Grounded on the teacher's examples/sqlite_quickstart/main.go and
// examples/checkpoint/main.go wiring style: a plain main(), no CLI
// framework (forkerd takes its configuration from a YAML file and
// FORKER_-prefixed environment variables, per spec.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/johnnywatts/forker/internal/audit"
	"github.com/johnnywatts/forker/internal/config"
	"github.com/johnnywatts/forker/internal/controller"
	"github.com/johnnywatts/forker/internal/copier"
	"github.com/johnnywatts/forker/internal/discovery"
	"github.com/johnnywatts/forker/internal/hashsum"
	"github.com/johnnywatts/forker/internal/metrics"
	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/orchestrator"
	"github.com/johnnywatts/forker/internal/quarantine"
	"github.com/johnnywatts/forker/internal/recovery"
	"github.com/johnnywatts/forker/internal/store"
	"github.com/johnnywatts/forker/internal/telemetry"
	"github.com/johnnywatts/forker/internal/verifier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "forkerd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := "forker.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if v := os.Getenv("FORKER_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, syncLog, err := telemetry.New(telemetry.Config{Level: os.Getenv("FORKER_LOG_LEVEL")})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer syncLog() //nolint:errcheck // best-effort flush on exit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, tpShutdown, err := telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{ServiceName: "forkerd"})
	if err != nil {
		return fmt.Errorf("tracer provider: %w", err)
	}
	defer tpShutdown(context.Background()) //nolint:errcheck

	// Registered against the default registry; forkerd does not serve
	// /metrics itself — the host process mounts it (spec.md §6).
	collectors := metrics.New(prometheus.DefaultRegisterer)

	for _, dir := range []string{cfg.Directories.Source, cfg.Directories.Quarantine, filepath.Dir(cfg.Database.Path)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	st, err := store.OpenWithOptions(ctx, cfg.Database.Path, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	targets, err := buildTargets(cfg)
	if err != nil {
		return fmt.Errorf("targets: %w", err)
	}

	orch := orchestrator.New(st, verifier.New(cfg.Copy.MaxConcurrentVerifications), cfg.RetryPolicy(), targets, log.WithName("orchestrator"))
	qm := quarantine.New(st, nil, nil)
	dl := quarantine.NewDeadLetterManager(st, nil, nil)
	ctl := controller.New(st, orch, qm, dl, log.WithName("controller"))

	emitter := audit.NewMultiEmitter(
		audit.NewLogEmitter(log.WithName("audit")),
		audit.NewOTelEmitter(telemetry.Tracer(tp, "forker/audit")),
	)
	ctl.SetEmitter(emitter)
	ctl.SetMetrics(collectors)

	if err := resume(ctx, st, ctl, cfg, log); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if cfg.StateLog.Enabled && cfg.StateLog.AutoCleanup {
		recorder := audit.NewRecorder(st)
		policy := audit.RetentionPolicy{
			MaxAge:   timeDaysToDuration(cfg.StateLog.RetentionDays),
			MaxRows:  cfg.StateLog.MaxRecords,
			Interval: cfg.RetentionInterval(),
		}
		go recorder.Run(ctx, policy, func(err error) {
			log.Error(err, "audit retention trim failed")
		})
	}

	go pollGaugeMetrics(ctx, st, collectors)

	watcher := discovery.New(discovery.Config{
		SourceDir:               cfg.Directories.Source,
		RescanInterval:          cfg.RescanInterval(),
		MaxConcurrentCandidates: cfg.Monitoring.MaxConcurrentCandidates,
		Stability:               cfg.StabilityConfig(),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			log.Error(err, "discovery watcher stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range watcher.Events() {
			wg.Add(1)
			go func(ev discovery.Event) {
				defer wg.Done()
				if err := ctl.Submit(ctx, ev); err != nil {
					log.Error(err, "job submission failed", "path", ev.Path)
				}
			}(ev)
		}
	}()

	log.Info("forkerd started", "source", cfg.Directories.Source, "database", cfg.Database.Path)
	<-ctx.Done()
	log.Info("shutting down, waiting for in-flight jobs")
	wg.Wait()
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
		return config.Config{}, err
	}
	return config.Load(path)
}

// buildTargets maps the configured TargetA/TargetB slots onto the
// orchestrator's fixed two-target shape, each with its own bounded
// Copier.
func buildTargets(cfg config.Config) ([2]orchestrator.TargetConfig, error) {
	var targets [2]orchestrator.TargetConfig
	for i, t := range cfg.Targets {
		if !t.Enabled {
			return targets, fmt.Errorf("target %s is disabled; both targets must be enabled (two-target replication is not optional, see Non-goals)", t.ID)
		}
		targets[i] = orchestrator.TargetConfig{
			TargetID:   model.TargetID(t.ID),
			Copier:     copier.New(cfg.Copy.MaxConcurrentCopiesPerTarget),
			TargetDir:  t.Path,
			SkipVerify: !t.VerifyAfterCopy(),
		}
	}
	return targets, nil
}

// resume executes Recovery's startup plan: Recover itself is pure and
// never touches the store (internal/recovery's package doc), so every
// side effect it prescribes — staging cleanup, target state resets and
// promotions, and the job's recomputed top-level state — is applied
// here before re-entering Controller.Run for anything short of Verified.
func resume(ctx context.Context, st store.Store, ctl *controller.Controller, cfg config.Config, log logr.Logger) error {
	plan, err := recovery.New().Recover(ctx, st, cfg.EnabledTargetDirs())
	if err != nil {
		return err
	}
	if len(plan.Jobs) > 0 {
		log.Info("resuming jobs from startup recovery plan", "jobs", len(plan.Jobs))
	}

	for _, jp := range plan.Jobs {
		if err := applyTargetPlans(ctx, st, jp); err != nil {
			log.Error(err, "recovery plan application failed", "job", jp.Job.ID)
			continue
		}

		job, _, err := st.GetJobWithTargets(ctx, jp.Job.ID)
		if err != nil {
			log.Error(err, "re-reading job after recovery failed", "job", jp.Job.ID)
			continue
		}
		if job.State != jp.RecomputedState {
			job, err = st.UpdateJobState(ctx, jp.Job.ID, job.Version, jp.RecomputedState, map[string]any{"reason": "startup_recovery"})
			if err != nil {
				log.Error(err, "recomputed job state transition failed", "job", jp.Job.ID)
				continue
			}
		}

		if jp.RecomputedState == model.JobVerified {
			continue
		}
		go func(job model.FileJob) {
			if err := ctl.Run(ctx, job); err != nil {
				log.Error(err, "resumed job run failed", "job", job.ID)
			}
		}(job)
	}
	return nil
}

func applyTargetPlans(ctx context.Context, st store.Store, jp recovery.JobPlan) error {
	_, current, err := st.GetJobWithTargets(ctx, jp.Job.ID)
	if err != nil {
		return err
	}

	for _, tp := range jp.Targets {
		if tp.StagingToRemove != "" {
			os.Remove(tp.StagingToRemove) //nolint:errcheck // best-effort cleanup
		}

		cur, ok := findTarget(current, tp.TargetID)
		if !ok {
			continue
		}

		switch tp.Action {
		case recovery.ActionQueueForCopy:
			if cur.CopyState == model.CopyPending {
				continue
			}
			if _, err := st.UpdateTarget(ctx, jp.Job.ID, tp.TargetID, cur.Version, func(t *model.TargetOutcome) {
				t.CopyState = model.CopyPending
				t.StagingPath = ""
				t.FinalPath = ""
				t.TargetHash = nil
			}, map[string]any{"reason": "startup_recovery_reset"}); err != nil {
				return err
			}

		case recovery.ActionQueueForVerify:
			if cur.CopyState != model.CopyCopying {
				continue
			}
			// The rename committed before the crash, but the follow-up
			// write that would have recorded Copied+TargetHash never
			// landed. Recompute the hash from the committed bytes now so
			// the resumed orchestrator has something to verify against.
			var hash *string
			if digest, _, err := hashsum.HashFile(tp.FinalPath); err == nil {
				hash = &digest
			}
			if _, err := st.UpdateTarget(ctx, jp.Job.ID, tp.TargetID, cur.Version, func(t *model.TargetOutcome) {
				t.CopyState = model.CopyCopied
				t.FinalPath = tp.FinalPath
				t.TargetHash = hash
			}, map[string]any{"reason": "startup_recovery_promote"}); err != nil {
				return err
			}

		case recovery.ActionNone:
			// Verified or FailedPermanent; nothing to do.
		}
	}
	return nil
}

func findTarget(targets []model.TargetOutcome, id model.TargetID) (model.TargetOutcome, bool) {
	for _, t := range targets {
		if t.TargetID == id {
			return t, true
		}
	}
	return model.TargetOutcome{}, false
}

func timeDaysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// pollGaugeMetrics keeps the jobs_in_progress, queue_depth, and
// quarantine_entries gauges current. The store has no push-based
// subscription mechanism (internal/controller and internal/orchestrator
// emit events, not counts), so a short poll is the simplest way to keep
// these gauges honest without threading a metrics.Collectors reference
// through every state-transition call site.
func pollGaugeMetrics(ctx context.Context, st store.Store, c *metrics.Collectors) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inProgress, _ := st.FindJobsByState(ctx, model.JobInProgress)
			c.SetJobsInProgress(len(inProgress))

			queued, _ := st.FindJobsByState(ctx, model.JobQueued)
			discovered, _ := st.FindJobsByState(ctx, model.JobDiscovered)
			c.SetQueueDepth(len(queued) + len(discovered))

			quarantined, _ := st.ListQuarantineEntries(ctx, model.QuarantineActive)
			c.SetQuarantineEntries(len(quarantined))
		}
	}
}
