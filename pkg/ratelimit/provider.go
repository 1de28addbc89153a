// Package ratelimit enforces per-user request quotas with fixed time
// windows.
//
// Admission decisions come from pluggable providers:
//
//   - RedisProvider: the shared-store counter giving strict cross-replica
//     guarantees. The increment-and-compare is a single atomic Redis INCR,
//     so two concurrent requests can never both take the last slot.
//
//   - LocalProvider: an in-process fixed-window counter. Used as the
//     best-effort fallback when the shared store is unreachable and the
//     resolver is configured fail-open.
//
// The Resolver wires the two together with a configurable failure policy:
// fail-open (admit on store outage, counting locally) or fail-closed
// (deny). Default is fail-open: a deterministic billing error during an
// outage is more tolerable than blocked service.
package ratelimit

import (
	"context"
	"time"
)

// Context carries the per-request information needed for an admission check.
type Context struct {
	UserID string
	// Limit overrides the provider's default quota when positive
	// (per-user limits come from account provisioning).
	Limit int
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Provider names which provider made this decision.
	Provider string
}

// Provider is a source of admission decisions.
// Errors indicate provider failures (store unreachable), not denials.
type Provider interface {
	// Name returns a human-readable name for logging.
	Name() string

	// Check atomically consumes one slot from the user's window and
	// reports whether the request is admitted.
	Check(ctx context.Context, rc Context) (*Decision, error)
}
