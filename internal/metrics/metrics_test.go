package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetJobsInProgress(3)
	c.SetQueueDepth(7)
	c.SetQuarantineEntries(1)
	c.ObserveCopyDuration("A", 2*time.Second)
	c.ObserveVerifyDuration("B", time.Second)
	c.IncJobOutcome("verified")
	c.IncCopyRetry("A")
	c.IncVerifyFailure("B")
	c.IncQuarantineEvent()
	c.IncDeadLetterEvent()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"forker_jobs_in_progress",
		"forker_queue_depth",
		"forker_quarantine_entries",
		"forker_copy_duration_seconds",
		"forker_verify_duration_seconds",
		"forker_jobs_total",
		"forker_copy_retries_total",
		"forker_verify_failures_total",
		"forker_quarantine_events_total",
		"forker_dead_letter_events_total",
	} {
		if !names[want] {
			t.Errorf("expected metric family %q to be registered", want)
		}
	}
}

func TestDisableSuppressesRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Disable()
	c.SetJobsInProgress(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var g *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "forker_jobs_in_progress" {
			g = f
		}
	}
	if g == nil || len(g.Metric) == 0 {
		t.Fatal("expected the gauge to still be registered even while disabled")
	}
	if g.Metric[0].GetGauge().GetValue() != 0 {
		t.Errorf("expected Disable to suppress Set, got value %v", g.Metric[0].GetGauge().GetValue())
	}
}
