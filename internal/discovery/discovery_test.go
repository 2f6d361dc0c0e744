package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnnywatts/forker/internal/stability"
)

func TestWatcherEmitsReadyForStableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slide.svs")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cfg := DefaultConfig(dir)
	cfg.RescanInterval = 20 * time.Millisecond
	cfg.Stability = stability.Config{
		MinAge:        1 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
		MaxChecks:     20,
	}
	w := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("got path %q, want %q", ev.Path, path)
		}
		if ev.Size != int64(len("payload")) {
			t.Fatalf("got size %d, want %d", ev.Size, len("payload"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FileReady event")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestWatcherStopsEmittingAfterCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.RescanInterval = 10 * time.Millisecond
	w := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}

	// Events channel must be closed, never sent to, after Run returns.
	_, open := <-w.Events()
	if open {
		t.Fatal("events channel still open after Run returned")
	}
}

func TestDedupeKeySamePathIsStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.svs")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	k1 := dedupeKey(path)
	k2 := dedupeKey(path)
	if k1 != k2 {
		t.Fatalf("dedupeKey not stable across calls: %q vs %q", k1, k2)
	}
}

func TestDedupeKeyDiffersForDifferentFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.svs")
	p2 := filepath.Join(dir, "b.svs")
	if err := os.WriteFile(p1, []byte("x"), 0o644); err != nil {
		t.Fatalf("write p1: %v", err)
	}
	if err := os.WriteFile(p2, []byte("y"), 0o644); err != nil {
		t.Fatalf("write p2: %v", err)
	}
	if dedupeKey(p1) == dedupeKey(p2) {
		t.Fatal("distinct files produced the same dedupe key")
	}
}
