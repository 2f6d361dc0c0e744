// Package retry classifies failures into retry categories and computes
// backoff delays for the copy and verification pipelines.
//
// Classification is deliberately done by sentinel error / stdlib error
// code, not by concrete exception type — a failing database driver and a
// failing filesystem call both collapse into the same small set of
// categories the rest of the system reasons about.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"time"

	"github.com/johnnywatts/forker/internal/model"
)

// Category is one of the failure buckets Classify returns: the five from
// the spec's retry table plus Storage and Cancellation.
type Category = model.ErrorCategory

const (
	CategoryTransientIO   = model.ErrorCategoryTransientIO
	CategoryPermanentIO   = model.ErrorCategoryPermanentIO
	CategoryConfiguration = model.ErrorCategoryConfiguration
	CategoryIntegrity     = model.ErrorCategoryIntegrity
	CategoryStorage       = model.ErrorCategoryStorage
	CategoryCancellation  = model.ErrorCategoryCancellation
	CategoryUnknown       = model.ErrorCategoryUnknown
)

// Sentinel errors producing components wrap with %w so Classify can
// recognize them regardless of the concrete underlying error.
var (
	// ErrIntegrity marks a hash mismatch. Never retried; always routes to
	// quarantine.
	ErrIntegrity = errors.New("integrity violation: hash mismatch")
	// ErrConfiguration marks an invalid argument or invalid operation.
	// Surfaced at startup or job admission; never auto-retried.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrStorage marks a durable-store failure (disk full, I/O error on
	// the database file); store.ErrStorageFailure matches it. The
	// enclosing transaction fails and nothing retries it in-process; a job
	// left non-terminal is picked up again by Recovery at the next startup.
	ErrStorage = errors.New("storage failure")
)

// Retryable reports whether Classify(err) would return a category that
// the copy/verify pipeline should retry locally (as opposed to failing
// permanently or routing to quarantine/manual investigation).
func Retryable(err error) bool {
	switch Classify(err) {
	case CategoryTransientIO, CategoryCancellation:
		return true
	default:
		return false
	}
}

// Classify maps an error to one of the categories in the spec's retry
// table (§4.8 / §7). Order of checks matters: more specific sentinels are
// checked before the general fs.PathError fallbacks.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, ErrIntegrity):
		return CategoryIntegrity
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	case errors.Is(err, ErrStorage):
		return CategoryStorage
	case errors.Is(err, context.Canceled):
		return CategoryCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransientIO
	case errors.Is(err, fs.ErrNotExist):
		return CategoryPermanentIO
	case errors.Is(err, fs.ErrPermission):
		return CategoryPermanentIO
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		// A PathError not already matched above (e.g. ENOSPC, EIO) is
		// treated as transient: the underlying condition may clear.
		return CategoryTransientIO
	}

	return CategoryUnknown
}

// Policy configures exponential backoff with full jitter and a maximum
// attempt count, per spec.md §4.8.
type Policy struct {
	// BaseDelay is the starting delay before the first retry. Default 1s.
	BaseDelay time.Duration
	// Factor is the exponential growth factor applied per attempt.
	// Default 2.0.
	Factor float64
	// MaxDelay caps the computed delay before jitter. Default 60s.
	MaxDelay time.Duration
	// MaxAttempts is the total number of attempts allowed, including the
	// first. Default 3. Once reached the failure is permanent (I6).
	MaxAttempts int
}

// DefaultPolicy returns the spec's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		Factor:      2.0,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 3,
	}
}

// Validate reports a Configuration-category error for a nonsensical
// policy. It is checked once at startup, never during a hot retry path.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be >= 1", ErrConfiguration)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: BaseDelay must be positive", ErrConfiguration)
	}
	if p.Factor < 1 {
		return fmt.Errorf("%w: Factor must be >= 1", ErrConfiguration)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: MaxDelay must be >= BaseDelay", ErrConfiguration)
	}
	return nil
}

// Exhausted reports whether attempts already made (1-based, including the
// first try) have reached the configured cap (I6).
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Backoff computes a monotonic, non-decreasing sequence of retry delays
// using full jitter (spec.md's "full jitter" backoff): the exponential
// term is only a cap, and the actual delay is drawn uniformly from
// [0, cap] rather than the cap plus a small independent jitter term.
//
// It is grounded on the teacher's graph/policy.go computeBackoff, which
// computes delay = min(base*2^attempt, maxDelay) + jitter(0, base)
// independently per attempt. Both that formula and full jitter fail to
// guarantee I13 (delay(n+1) >= delay(n)) on their own: once the
// exponential cap saturates at MaxDelay, two consecutive attempts draw
// independently and the later one can roll smaller than the earlier
// one. Backoff closes that gap by remembering the previous delay and
// flooring the new one at it.
//
// Backoff is not safe for concurrent use by multiple goroutines tracking
// the same attempt sequence; callers hold one Backoff per TargetOutcome.
type Backoff struct {
	policy Policy
	rng    *rand.Rand
	prev   time.Duration
}

// NewBackoff creates a Backoff for a single retry sequence. If rng is
// nil, a time-seeded source is used (non-deterministic; fine for
// production, tests should pass their own rng).
func NewBackoff(policy Policy, rng *rand.Rand) *Backoff {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{policy: policy, rng: rng}
}

// Next returns the delay to wait before the given attempt (1-based:
// attempt 1 is the delay before the second try, i.e. the first retry).
// Successive calls must be made with a non-decreasing attempt sequence.
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exp := float64(b.policy.BaseDelay) * pow(b.policy.Factor, float64(attempt-1))
	ceiling := time.Duration(exp)
	if b.policy.MaxDelay > 0 && ceiling > b.policy.MaxDelay {
		ceiling = b.policy.MaxDelay
	}
	if ceiling < 0 {
		ceiling = 0
	}

	delay := time.Duration(b.rng.Int63n(int64(ceiling) + 1))

	if delay < b.prev {
		delay = b.prev
	}
	b.prev = delay
	return delay
}

// pow is a tiny float exponent helper so this package does not need to
// import math for a single call site with an obvious implementation.
func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
