package stability

import (
	"errors"
	"os"
	"testing"
	"time"
)

func fakeInfo(size int64, modTime time.Time) os.FileInfo {
	return fakeFileInfo{size: size, modTime: modTime}
}

type fakeFileInfo struct {
	size    int64
	modTime time.Time
}

func (f fakeFileInfo) Name() string       { return "candidate.svs" }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0 }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

func newTestDetector(cfg Config, sizes []int64, modTimes []time.Time, lockErrs []error) *Detector {
	call := 0
	return &Detector{
		cfg: cfg,
		statFn: func(string) (os.FileInfo, error) {
			i := call
			call++
			if i >= len(sizes) {
				i = len(sizes) - 1
			}
			return fakeInfo(sizes[i], modTimes[i]), nil
		},
		openExclusiveFn: func(string) error {
			i := call - 1
			if i < len(lockErrs) {
				return lockErrs[i]
			}
			return nil
		},
	}
}

func TestCheckStillGrowingOnFirstSample(t *testing.T) {
	cfg := DefaultConfig()
	d := newTestDetector(cfg, []int64{100}, []time.Time{time.Now()}, nil)
	var st State
	outcome, ready, err := d.Check(&st, "/in/candidate.svs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != StillGrowing {
		t.Fatalf("got %v, want StillGrowing (no prior sample)", outcome)
	}
	if ready != nil {
		t.Fatalf("did not expect Ready on first sample")
	}
}

func TestCheckStillGrowingWhenSizeChanges(t *testing.T) {
	cfg := DefaultConfig()
	old := time.Now().Add(-time.Hour)
	d := newTestDetector(cfg, []int64{100, 200}, []time.Time{old, old}, nil)
	var st State
	if _, _, err := d.Check(&st, "/in/candidate.svs"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	outcome, _, err := d.Check(&st, "/in/candidate.svs")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if outcome != StillGrowing {
		t.Fatalf("got %v, want StillGrowing (size changed)", outcome)
	}
}

func TestCheckStableRequiresAge(t *testing.T) {
	cfg := DefaultConfig()
	recent := time.Now()
	d := newTestDetector(cfg, []int64{100, 100}, []time.Time{recent, recent}, nil)
	var st State
	if _, _, err := d.Check(&st, "/in/candidate.svs"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	outcome, ready, err := d.Check(&st, "/in/candidate.svs")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if outcome != StillGrowing || ready != nil {
		t.Fatalf("got %v/%v, want StillGrowing/nil (file too young)", outcome, ready)
	}
}

func TestCheckStableWhenSizeAndAgeAndLockAllPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAge = 1 * time.Millisecond
	old := time.Now().Add(-time.Hour)
	d := newTestDetector(cfg, []int64{100, 100}, []time.Time{old, old}, nil)
	var st State
	if _, _, err := d.Check(&st, "/in/candidate.svs"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	outcome, ready, err := d.Check(&st, "/in/candidate.svs")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if outcome != Stable {
		t.Fatalf("got %v, want Stable", outcome)
	}
	if ready == nil || ready.Size != 100 {
		t.Fatalf("Ready not populated correctly: %+v", ready)
	}
}

func TestCheckLockedWhenProbeFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAge = 1 * time.Millisecond
	old := time.Now().Add(-time.Hour)
	lockErr := errors.New("file in use")
	d := newTestDetector(cfg, []int64{100, 100}, []time.Time{old, old}, []error{nil, lockErr})
	var st State
	if _, _, err := d.Check(&st, "/in/candidate.svs"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	outcome, ready, err := d.Check(&st, "/in/candidate.svs")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if outcome != Locked {
		t.Fatalf("got %v, want Locked", outcome)
	}
	if ready != nil {
		t.Fatal("Locked must not produce a Ready value")
	}
}

func TestCheckAbandonedAfterMaxChecks(t *testing.T) {
	cfg := Config{MinAge: time.Hour, CheckInterval: time.Millisecond, MaxChecks: 3}
	recent := time.Now()
	d := newTestDetector(cfg, []int64{100, 100, 100}, []time.Time{recent, recent, recent}, nil)
	var st State
	var last Outcome
	for i := 0; i < 3; i++ {
		outcome, _, err := d.Check(&st, "/in/candidate.svs")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		last = outcome
	}
	if last != Abandoned {
		t.Fatalf("got %v after MaxChecks ticks, want Abandoned", last)
	}
}

func TestCheckAbandonedWhenFileDisappears(t *testing.T) {
	cfg := DefaultConfig()
	d := &Detector{
		cfg:             cfg,
		statFn:          func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
		openExclusiveFn: func(string) error { return nil },
	}
	var st State
	outcome, ready, err := d.Check(&st, "/in/gone.svs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Abandoned || ready != nil {
		t.Fatalf("got %v/%v, want Abandoned/nil", outcome, ready)
	}
}

func TestCheckPropagatesStatError(t *testing.T) {
	boom := errors.New("permission denied")
	d := &Detector{
		cfg:             DefaultConfig(),
		statFn:          func(string) (os.FileInfo, error) { return nil, boom },
		openExclusiveFn: func(string) error { return nil },
	}
	var st State
	_, _, err := d.Check(&st, "/in/candidate.svs")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped %v", err, boom)
	}
}

func TestIntervalReturnsConfiguredValue(t *testing.T) {
	cfg := Config{CheckInterval: 7 * time.Second}
	d := NewDetector(cfg)
	if d.Interval() != 7*time.Second {
		t.Fatalf("got %v, want 7s", d.Interval())
	}
}
