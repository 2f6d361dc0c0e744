// Package copier streams one source file to one target directory,
// computing SHA-256 inline, and commits the result with a single atomic
// rename. No partial file is ever visible at the final path (I4).
package copier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/johnnywatts/forker/internal/hashsum"
	"github.com/johnnywatts/forker/internal/model"
)

// stagingSuffix names the temporary file a copy is streamed into before
// the atomic rename commits it at final_path.
const stagingSuffix = ".forker-tmp"

// Request describes one copy task.
type Request struct {
	SourcePath   string
	ExpectedSize int64 // 0 means unknown/unverified
	TargetDir    string
	TargetID     model.TargetID
	FinalName    string
}

// StagingPath returns the temporary path a Request streams into.
func (r Request) StagingPath() string {
	return filepath.Join(r.TargetDir, r.FinalName+stagingSuffix)
}

// FinalPath returns the committed destination path.
func (r Request) FinalPath() string {
	return filepath.Join(r.TargetDir, r.FinalName)
}

// Result reports a completed copy.
type Result struct {
	FinalPath string
	Hash      string
	Bytes     int64
	Duration  time.Duration
}

// Copier runs copy Requests under a bounded concurrency cap, shared across
// all callers (one Copier per target, per spec.md §4.5's per-target cap).
type Copier struct {
	sem *semaphore.Weighted
}

// New creates a Copier allowing up to maxConcurrent copies in flight at
// once. maxConcurrent <= 0 means unbounded.
func New(maxConcurrent int) *Copier {
	if maxConcurrent <= 0 {
		return &Copier{}
	}
	return &Copier{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Copy streams req.SourcePath into req.StagingPath(), then atomically
// renames it to req.FinalPath() as the single commit point. On any
// failure the staging file is removed on a best-effort basis and the
// final path is left untouched.
func (c *Copier) Copy(ctx context.Context, req Request) (Result, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		defer c.sem.Release(1)
	}

	start := time.Now()
	staging := req.StagingPath()

	// A stale staging file from a prior crashed attempt is truncated by
	// O_TRUNC below; no separate removal step is required.
	src, err := os.Open(req.SourcePath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	dst, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, err
	}

	hash, n, copyErr := hashsum.TeeHash(src, dst)
	if copyErr != nil {
		dst.Close()
		os.Remove(staging)
		return Result{}, copyErr
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(staging)
		return Result{}, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(staging)
		return Result{}, err
	}

	final := req.FinalPath()
	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return Result{}, err
	}

	if err := syncDir(req.TargetDir); err != nil {
		// The rename already committed; a directory-entry fsync failure
		// is reported but the file is not rolled back, matching the
		// spec's "commit point is the rename" contract.
		return Result{FinalPath: final, Hash: hash, Bytes: n, Duration: time.Since(start)}, fmt.Errorf("commit succeeded but directory fsync failed: %w", err)
	}

	return Result{FinalPath: final, Hash: hash, Bytes: n, Duration: time.Since(start)}, nil
}

// RetryDirSync retries the target directory's fsync up to attempts times,
// sleeping delay between tries. Used after Copy reports a committed
// rename whose directory-entry fsync failed, so the retry targets only
// the fsync rather than re-running the whole copy.
func (c *Copier) RetryDirSync(ctx context.Context, dir string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = syncDir(dir); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// syncDir fsyncs the directory entry after a rename, which some
// filesystems require for the rename's durability to survive a crash.
// Windows has no equivalent operation and os.Open on a directory there
// does not support Sync, so this is a no-op there.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
