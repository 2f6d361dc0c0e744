// Package stability decides whether a candidate file has finished being
// written before Discovery hands it to the pipeline. It never mutates the
// file: a size sample is a stat, a lock probe is an open-then-immediate-close.
//
// The detector is side-effect-free and does not own timers itself —
// Discovery drives one independent goroutine per candidate, each calling
// Check on its own ticker, so the detector stays trivially testable and
// the scheduling model (goroutine-per-candidate vs a shared worker pool)
// stays Discovery's decision.
package stability

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// Outcome is the result of one stability evaluation tick.
type Outcome string

const (
	// Stable means the file is ready to copy; Check also returns a
	// populated Ready.
	Stable Outcome = "Stable"
	// StillGrowing means the size changed since the last sample, or the
	// file has not aged past MinAge yet. The caller should tick again
	// after CheckInterval.
	StillGrowing Outcome = "StillGrowing"
	// Locked means size and age both look stable but the exclusive-open
	// probe failed, implying a writer still holds the file open. The
	// caller should tick again; repeated Locked outcomes count toward
	// MaxChecks like StillGrowing does.
	Locked Outcome = "Locked"
	// Abandoned is terminal: MaxChecks consecutive non-stable ticks
	// elapsed, or the file disappeared mid-evaluation. The path is only
	// re-evaluable after a fresh discovery event.
	Abandoned Outcome = "Abandoned"
)

// Ready describes a file the detector considers safe to copy.
type Ready struct {
	Path      string
	Size      int64
	FirstSeen time.Time
	LastCheck time.Time
}

// Config holds the detector's tunables, all with the spec's documented
// defaults.
type Config struct {
	MinAge        time.Duration
	CheckInterval time.Duration
	MaxChecks     int
}

// DefaultConfig returns min_age_seconds=5, check_interval_seconds=2,
// max_checks=10.
func DefaultConfig() Config {
	return Config{
		MinAge:        5 * time.Second,
		CheckInterval: 2 * time.Second,
		MaxChecks:     10,
	}
}

// State is the per-candidate memory a caller threads across successive
// Check calls. Zero value is ready to use for a brand new candidate.
type State struct {
	FirstSeen  time.Time
	lastSize   int64
	haveSample bool
	checks     int
}

// Detector evaluates candidate paths against Config. Stateless and safe
// for concurrent use across many candidates; all per-candidate state
// lives in the State value the caller passes in.
type Detector struct {
	cfg Config
	// statFn and openExclusiveFn are overridden in tests to avoid
	// depending on real filesystem timing.
	statFn          func(path string) (os.FileInfo, error)
	openExclusiveFn func(path string) error
}

// NewDetector creates a Detector using the real filesystem.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:             cfg,
		statFn:          os.Stat,
		openExclusiveFn: probeExclusiveOpen,
	}
}

// probeExclusiveOpen attempts to open path for read-write without
// truncating or writing, and immediately closes it. Success is an
// opportunistic signal that no other process holds the file open for
// writing; it is not a guarantee on platforms without mandatory locking.
func probeExclusiveOpen(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// Check performs exactly one sample-and-probe tick against state, mutating
// it in place, and returns the outcome of this tick plus a Ready value
// when the outcome is Stable.
func (d *Detector) Check(state *State, path string) (Outcome, *Ready, error) {
	if state.FirstSeen.IsZero() {
		state.FirstSeen = time.Now()
	}

	info, err := d.statFn(path)
	now := time.Now()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Abandoned, nil, nil
		}
		return "", nil, err
	}

	state.checks++

	sizeStable := state.haveSample && info.Size() == state.lastSize
	state.lastSize = info.Size()
	state.haveSample = true

	if sizeStable && now.Sub(info.ModTime()) >= d.cfg.MinAge {
		if lockErr := d.openExclusiveFn(path); lockErr == nil {
			return Stable, &Ready{
				Path:      path,
				Size:      info.Size(),
				FirstSeen: state.FirstSeen,
				LastCheck: now,
			}, nil
		}
		if state.checks >= d.cfg.MaxChecks {
			return Abandoned, nil, nil
		}
		return Locked, nil, nil
	}

	if state.checks >= d.cfg.MaxChecks {
		return Abandoned, nil, nil
	}
	return StillGrowing, nil, nil
}

// Interval returns the configured delay a caller should wait between
// successive Check calls for the same candidate.
func (d *Detector) Interval() time.Duration {
	return d.cfg.CheckInterval
}
