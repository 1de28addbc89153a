// Package feedback accepts thumbs ratings on finalized exchanges and
// keeps per-variant approval aggregates.
//
// The ledger of rateable exchanges and the aggregates live in the shared
// store, not in process memory: an exchange streamed by one replica can
// be rated through another, and each exchange accepts exactly one rating
// no matter which replica it lands on.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/keyur7523/promptLab/pkg/exchange"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/observability/metrics"
	"github.com/keyur7523/promptLab/pkg/persistence"
)

var (
	// ErrUnknownExchange covers both a missing exchange and one owned by a
	// different identity; the two are indistinguishable to the caller so
	// ownership is not probeable.
	ErrUnknownExchange = errors.New("exchange not found")
	// ErrDuplicateRating rejects a second rating for the same exchange.
	ErrDuplicateRating = errors.New("exchange already rated")
	// ErrInvalidRating rejects anything other than +1 or -1.
	ErrInvalidRating = errors.New("rating must be +1 or -1")
)

// Entry is what the ledger remembers about a rateable exchange.
type Entry struct {
	UserID  string `json:"user_id"`
	Variant string `json:"variant"`
}

// Backend is the shared state behind the aggregator.
type Backend interface {
	// RegisterExchange makes an exchange rateable.
	RegisterExchange(ctx context.Context, exchangeID string, e Entry) error
	// LookupExchange returns the entry for an exchange, if registered.
	LookupExchange(ctx context.Context, exchangeID string) (Entry, bool, error)
	// MarkRated records that an exchange has been rated; false means it
	// already was. The check and the mark are one atomic step.
	MarkRated(ctx context.Context, exchangeID string) (bool, error)
	// IncrVariant bumps the aggregate counters for a variant.
	IncrVariant(ctx context.Context, variant string, up bool) error
	// VariantCounts returns the aggregate counters for every variant.
	VariantCounts(ctx context.Context) (map[string]Counts, error)
}

// Counts is the raw tally for one variant.
type Counts struct {
	Up   int64
	Down int64
}

// VariantStats is the read-side aggregate for one variant.
type VariantStats struct {
	Variant string `json:"variant"`
	Total   int64  `json:"total"`
	Up      int64  `json:"up"`
	Down    int64  `json:"down"`
	// ApprovalRate is up/total in percent; 0 when there are no ratings.
	ApprovalRate float64 `json:"approval_rate"`
}

// Options tunes the degraded-variant signal.
type Options struct {
	// ControlVariant anchors the degraded comparison.
	ControlVariant string
	// DegradedThreshold is how many percentage points below control a
	// variant's approval rate must fall to be flagged.
	DegradedThreshold float64
	// MinSamples is the rating count below which a variant is never
	// flagged, to keep early noise out of the signal.
	MinSamples int
}

// Aggregator validates and records ratings.
type Aggregator struct {
	backend Backend
	writer  *persistence.Writer
	opts    Options
}

// NewAggregator builds an aggregator. writer may be nil when durable
// feedback storage is disabled.
func NewAggregator(backend Backend, writer *persistence.Writer, opts Options) *Aggregator {
	return &Aggregator{backend: backend, writer: writer, opts: opts}
}

// Register makes a finalized exchange rateable by its owner.
func (a *Aggregator) Register(ctx context.Context, e *exchange.Exchange) {
	err := a.backend.RegisterExchange(ctx, e.ID, Entry{UserID: e.UserID, Variant: e.Variant})
	if err != nil {
		// The exchange simply cannot be rated; everything else proceeds.
		logging.Warnf("Registering exchange %s for feedback failed: %v", e.ID, err)
	}
}

// Record applies one rating. Typed errors distinguish the rejection
// cases; any other error is a backend failure.
func (a *Aggregator) Record(ctx context.Context, exchangeID, raterID string, rating int, comment string) error {
	if rating != 1 && rating != -1 {
		return ErrInvalidRating
	}

	entry, ok, err := a.backend.LookupExchange(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("look up exchange %s: %w", exchangeID, err)
	}
	if !ok || entry.UserID != raterID {
		return ErrUnknownExchange
	}

	fresh, err := a.backend.MarkRated(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("mark exchange %s rated: %w", exchangeID, err)
	}
	if !fresh {
		return ErrDuplicateRating
	}

	up := rating == 1
	if err := a.backend.IncrVariant(ctx, entry.Variant, up); err != nil {
		// The rating is already claimed; losing the counter bump is the
		// lesser evil versus double counting on retry.
		logging.Errorf("Aggregate bump for variant %s lost: %v", entry.Variant, err)
	}

	direction := "down"
	if up {
		direction = "up"
	}
	metrics.FeedbackTotal.WithLabelValues(entry.Variant, direction).Inc()

	if a.writer != nil {
		a.writer.EnqueueFeedback(exchange.NewFeedbackRecord(exchangeID, raterID, rating, comment, entry.Variant))
	}
	return nil
}

// Stats returns per-variant aggregates sorted by variant name.
func (a *Aggregator) Stats(ctx context.Context) ([]VariantStats, error) {
	counts, err := a.backend.VariantCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load feedback aggregates: %w", err)
	}

	out := make([]VariantStats, 0, len(counts))
	for variant, c := range counts {
		s := VariantStats{Variant: variant, Up: c.Up, Down: c.Down, Total: c.Up + c.Down}
		if s.Total > 0 {
			s.ApprovalRate = float64(s.Up) / float64(s.Total) * 100
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out, nil
}

// Degraded lists variants whose approval rate trails the control variant
// by at least the configured threshold, with enough samples on both
// sides to mean something.
func (a *Aggregator) Degraded(ctx context.Context) ([]string, error) {
	stats, err := a.Stats(ctx)
	if err != nil {
		return nil, err
	}

	var control *VariantStats
	for i := range stats {
		if stats[i].Variant == a.opts.ControlVariant {
			control = &stats[i]
			break
		}
	}
	if control == nil || control.Total < int64(a.opts.MinSamples) {
		return nil, nil
	}

	var degraded []string
	for _, s := range stats {
		if s.Variant == a.opts.ControlVariant || s.Total < int64(a.opts.MinSamples) {
			continue
		}
		if control.ApprovalRate-s.ApprovalRate >= a.opts.DegradedThreshold {
			degraded = append(degraded, s.Variant)
		}
	}
	return degraded, nil
}
