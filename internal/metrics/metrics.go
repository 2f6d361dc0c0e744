// Package metrics provides the Prometheus collectors for the replication
// pipeline. forkerd registers them against a Registerer supplied by the
// host process; it does not itself expose an HTTP endpoint (the host
// mounts /metrics, per cmd/forkerd's wiring).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors (T-style grouping, mirroring the teacher's PrometheusMetrics)
// exposes the pipeline's Prometheus-compatible instrumentation, all
// namespaced with "forker_".
//
// Gauges: jobs_in_progress, queue_depth, quarantine_entries.
// Histograms: copy_duration_seconds (labels: target), verify_duration_seconds.
// Counters: jobs_total (label: outcome), copy_retries_total (label: target),
// verify_failures_total (label: target), quarantine_events_total,
// dead_letter_events_total.
//
// Thread-safe: every method is a direct call into the underlying
// prometheus collector, which is itself safe for concurrent use.
type Collectors struct {
	jobsInProgress    prometheus.Gauge
	queueDepth        prometheus.Gauge
	quarantineEntries prometheus.Gauge

	copyDuration   *prometheus.HistogramVec
	verifyDuration *prometheus.HistogramVec

	jobsTotal        *prometheus.CounterVec
	copyRetries      *prometheus.CounterVec
	verifyFailures   *prometheus.CounterVec
	quarantineEvents prometheus.Counter
	deadLetterEvents prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// New registers and returns the pipeline's metric collectors against
// registry. A nil registry uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Collectors {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	c := &Collectors{enabled: true}

	c.jobsInProgress = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "forker",
		Name:      "jobs_in_progress",
		Help:      "Number of jobs currently being copied or verified",
	})

	c.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "forker",
		Name:      "queue_depth",
		Help:      "Number of jobs waiting to start copying (Discovered or Queued)",
	})

	c.quarantineEntries = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "forker",
		Name:      "quarantine_entries",
		Help:      "Number of quarantine entries awaiting manual review",
	})

	c.copyDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forker",
		Name:      "copy_duration_seconds",
		Help:      "Wall-clock duration of a single target copy attempt",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"target"})

	c.verifyDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forker",
		Name:      "verify_duration_seconds",
		Help:      "Wall-clock duration of a single target verify pass",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"target"})

	c.jobsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Name:      "jobs_total",
		Help:      "Cumulative count of jobs reaching a terminal outcome",
	}, []string{"outcome"}) // outcome: verified, failed, quarantined

	c.copyRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Name:      "copy_retries_total",
		Help:      "Cumulative count of copy attempts beyond the first, per target",
	}, []string{"target"})

	c.verifyFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forker",
		Name:      "verify_failures_total",
		Help:      "Cumulative count of hash mismatches detected during verify, per target",
	}, []string{"target"})

	c.quarantineEvents = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forker",
		Name:      "quarantine_events_total",
		Help:      "Cumulative count of jobs moved into quarantine",
	})

	c.deadLetterEvents = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forker",
		Name:      "dead_letter_events_total",
		Help:      "Cumulative count of dead-letter entries recorded",
	})

	return c
}

func (c *Collectors) isEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Disable stops metric recording. Intended for tests that want a
// Collectors value without registry side effects leaking between cases.
func (c *Collectors) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
}

// Enable re-enables metric recording after Disable.
func (c *Collectors) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

// SetJobsInProgress records the number of jobs in the InProgress state.
func (c *Collectors) SetJobsInProgress(n int) {
	if !c.isEnabled() {
		return
	}
	c.jobsInProgress.Set(float64(n))
}

// SetQueueDepth records the number of jobs waiting to start copying
// (Discovered or Queued).
func (c *Collectors) SetQueueDepth(n int) {
	if !c.isEnabled() {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SetQuarantineEntries records the current quarantine backlog size.
func (c *Collectors) SetQuarantineEntries(n int) {
	if !c.isEnabled() {
		return
	}
	c.quarantineEntries.Set(float64(n))
}

// ObserveCopyDuration records how long one target's copy attempt took.
func (c *Collectors) ObserveCopyDuration(target string, d time.Duration) {
	if !c.isEnabled() {
		return
	}
	c.copyDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ObserveVerifyDuration records how long one target's verify pass took.
func (c *Collectors) ObserveVerifyDuration(target string, d time.Duration) {
	if !c.isEnabled() {
		return
	}
	c.verifyDuration.WithLabelValues(target).Observe(d.Seconds())
}

// IncJobOutcome records a job reaching a terminal state.
func (c *Collectors) IncJobOutcome(outcome string) {
	if !c.isEnabled() {
		return
	}
	c.jobsTotal.WithLabelValues(outcome).Inc()
}

// IncCopyRetry records a retried copy attempt for target.
func (c *Collectors) IncCopyRetry(target string) {
	if !c.isEnabled() {
		return
	}
	c.copyRetries.WithLabelValues(target).Inc()
}

// IncVerifyFailure records a hash mismatch for target.
func (c *Collectors) IncVerifyFailure(target string) {
	if !c.isEnabled() {
		return
	}
	c.verifyFailures.WithLabelValues(target).Inc()
}

// IncQuarantineEvent records a job entering quarantine.
func (c *Collectors) IncQuarantineEvent() {
	if !c.isEnabled() {
		return
	}
	c.quarantineEvents.Inc()
}

// IncDeadLetterEvent records a dead-letter entry being recorded.
func (c *Collectors) IncDeadLetterEvent() {
	if !c.isEnabled() {
		return
	}
	c.deadLetterEvents.Inc()
}

// JobsTotalFor returns the jobs_total counter for one outcome label, for
// assertions with prometheus/client_golang/prometheus/testutil.
func (c *Collectors) JobsTotalFor(outcome string) prometheus.Counter {
	return c.jobsTotal.WithLabelValues(outcome)
}
