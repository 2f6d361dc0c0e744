// Package discovery watches a source directory for new files and drives
// each candidate through the stability detector, emitting FileReady
// exactly once per candidate. It combines an fsnotify watcher (for live
// creation/rename events) with a periodic rescan (to catch events the
// watcher missed or files present before startup), feeding both into one
// deduplicating queue keyed by device+inode where the platform exposes it.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/johnnywatts/forker/internal/stability"
)

// Event is the FileReady signal handed to the Controller.
type Event struct {
	Path      string
	Size      int64
	FirstSeen time.Time
	LastCheck time.Time
}

// Config configures the watcher/rescan/candidate pipeline.
type Config struct {
	SourceDir            string
	RescanInterval       time.Duration
	MaxConcurrentCandidates int
	Stability            stability.Config
}

// DefaultConfig returns a 30s rescan interval and 256 concurrent
// candidates, with the stability package's documented defaults.
func DefaultConfig(sourceDir string) Config {
	return Config{
		SourceDir:               sourceDir,
		RescanInterval:          30 * time.Second,
		MaxConcurrentCandidates: 256,
		Stability:               stability.DefaultConfig(),
	}
}

// Watcher discovers candidate files and reports stable ones on Events.
// Each running candidate owns its own goroutine and timer so cancellation
// is prompt and independent of how many other candidates are in flight
// (mirroring the teacher's worker-goroutine-plus-shared-cancel-context
// shape in graph/engine.go's runConcurrent).
type Watcher struct {
	cfg      Config
	detector *stability.Detector
	events   chan Event

	mu      sync.Mutex
	active  map[string]struct{} // paths with a running candidate loop
	sem     chan struct{}       // bounds MaxConcurrentCandidates

	wg sync.WaitGroup
}

// New creates a Watcher. Call Run to start it; Events delivers FileReady
// notifications until Run returns.
func New(cfg Config) *Watcher {
	if cfg.MaxConcurrentCandidates <= 0 {
		cfg.MaxConcurrentCandidates = 256
	}
	return &Watcher{
		cfg:      cfg,
		detector: stability.NewDetector(cfg.Stability),
		events:   make(chan Event, 64),
		active:   make(map[string]struct{}),
		sem:      make(chan struct{}, cfg.MaxConcurrentCandidates),
	}
}

// Events returns the channel FileReady notifications are delivered on. It
// is closed once Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run blocks until ctx is cancelled, watching cfg.SourceDir. All candidate
// loops observe ctx and return promptly on cancellation; no event is sent
// after ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.SourceDir); err != nil {
		return err
	}

	w.rescan(ctx)

	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.consider(ctx, ev.Name)
			}

		case _, ok := <-fw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			// fsnotify watch errors do not stop discovery; the periodic
			// rescan is the fallback path for anything the watcher missed.

		case <-ticker.C:
			w.rescan(ctx)
		}
	}
}

func (w *Watcher) rescan(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.SourceDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.consider(ctx, filepath.Join(w.cfg.SourceDir, e.Name()))
	}
}

// consider deduplicates path against in-flight candidates and, if it is
// new, spawns its stability loop. Dedup key comes from dedupeKey: the
// file's device+inode identity where the platform exposes it (so a rename
// that keeps the same inode does not spawn a second loop), otherwise the
// filepath.Clean form of path.
func (w *Watcher) consider(ctx context.Context, path string) {
	key := dedupeKey(path)

	w.mu.Lock()
	if _, exists := w.active[key]; exists {
		w.mu.Unlock()
		return
	}
	w.active[key] = struct{}{}
	w.mu.Unlock()

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.active, key)
		w.mu.Unlock()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			<-w.sem
			w.mu.Lock()
			delete(w.active, key)
			w.mu.Unlock()
		}()
		w.runCandidate(ctx, path)
	}()
}

func (w *Watcher) runCandidate(ctx context.Context, path string) {
	var state stability.State
	interval := w.detector.Interval()

	for {
		outcome, ready, err := w.detector.Check(&state, path)
		if err != nil {
			return
		}
		switch outcome {
		case stability.Stable:
			select {
			case w.events <- Event{Path: ready.Path, Size: ready.Size, FirstSeen: ready.FirstSeen, LastCheck: ready.LastCheck}:
			case <-ctx.Done():
			}
			return
		case stability.Abandoned:
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func dedupeKey(path string) string {
	clean := filepath.Clean(path)
	if id, ok := fileID(clean); ok {
		return id
	}
	return clean
}

// fileID reports a platform device+inode identity string when the
// underlying fs.FileInfo exposes one (linux/darwin via syscall.Stat_t).
// It returns ok=false on platforms or errors where no such identity is
// available, falling back to path-based dedup.
func fileID(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	return statIdentity(info)
}
