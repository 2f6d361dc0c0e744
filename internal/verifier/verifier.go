// Package verifier rehashes a copied file and compares it against the
// job's source hash. It never mutates the file it reads and never writes
// to the store itself — callers persist the resulting state transition.
package verifier

import (
	"context"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/johnnywatts/forker/internal/hashsum"
)

// Result is the outcome of one verification pass.
type Result struct {
	ComputedHash string
	Match        bool
	Bytes        int64
}

// Verifier rehashes files under a bounded concurrency cap
// (max_concurrent_verifications).
type Verifier struct {
	sem *semaphore.Weighted
}

// New creates a Verifier allowing up to maxConcurrent rehashes in flight
// at once. maxConcurrent <= 0 means unbounded.
func New(maxConcurrent int) *Verifier {
	if maxConcurrent <= 0 {
		return &Verifier{}
	}
	return &Verifier{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Verify opens path for shared read and compares its SHA-256 digest
// against expectedHash. A nil expectedHash means no comparison is
// possible yet (e.g. the source-hash race has not resolved); Verify
// returns Match=false in that case without treating it as an error — the
// caller decides how to proceed.
func (v *Verifier) Verify(ctx context.Context, path string, expectedHash *string) (Result, error) {
	if v.sem != nil {
		if err := v.sem.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		defer v.sem.Release(1)
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	digest, n, err := hashsum.HashReader(f)
	if err != nil {
		return Result{}, err
	}

	match := expectedHash != nil && digest == *expectedHash
	return Result{ComputedHash: digest, Match: match, Bytes: n}, nil
}
