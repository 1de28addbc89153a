package ratelimit

import (
	"context"

	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/observability/metrics"
)

// Resolver combines the shared-store provider with the local fallback and
// applies the configured failure policy.
//
//   - Primary healthy: its decision is final.
//   - Primary errors, fail-open: the request is checked against the local
//     fallback counter and the bypass is logged. Accounting accuracy is
//     degraded (each replica counts alone) but service stays up.
//   - Primary errors, fail-closed: the request is denied.
type Resolver struct {
	primary  Provider
	fallback Provider
	failOpen bool
}

// NewResolver creates a resolver. fallback may be nil; with fail-open and
// no fallback, store outages admit unconditionally.
func NewResolver(primary, fallback Provider, failOpen bool) *Resolver {
	return &Resolver{primary: primary, fallback: fallback, failOpen: failOpen}
}

// FailOpen reports the configured failure policy.
func (r *Resolver) FailOpen() bool {
	if r == nil {
		return false
	}
	return r.failOpen
}

// Admit performs the admission check for one request. The returned
// Decision always has Provider set to whichever provider decided.
func (r *Resolver) Admit(ctx context.Context, rc Context) *Decision {
	if r == nil || r.primary == nil {
		return &Decision{Allowed: true, Provider: "none"}
	}

	d, err := r.primary.Check(ctx, rc)
	if err == nil {
		metrics.RateLimitDecisionsTotal.WithLabelValues(d.Provider, result(d)).Inc()
		return d
	}

	if !r.failOpen {
		logging.Warnf("Rate limit store unavailable, fail-closed policy denies user %s: %v", rc.UserID, err)
		metrics.RateLimitDecisionsTotal.WithLabelValues(r.primary.Name(), "error_denied").Inc()
		return &Decision{Allowed: false, Provider: r.primary.Name()}
	}

	logging.Warnf("Rate limit store unavailable, failing open for user %s: %v", rc.UserID, err)

	if r.fallback == nil {
		metrics.RateLimitDecisionsTotal.WithLabelValues(r.primary.Name(), "error_admitted").Inc()
		return &Decision{Allowed: true, Provider: r.primary.Name()}
	}

	d, ferr := r.fallback.Check(ctx, rc)
	if ferr != nil {
		// The local provider cannot actually fail; guard anyway.
		metrics.RateLimitDecisionsTotal.WithLabelValues(r.fallback.Name(), "error_admitted").Inc()
		return &Decision{Allowed: true, Provider: r.fallback.Name()}
	}
	metrics.RateLimitDecisionsTotal.WithLabelValues(d.Provider, result(d)).Inc()
	return d
}

func result(d *Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}
