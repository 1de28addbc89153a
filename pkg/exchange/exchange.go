// Package exchange defines the unit of accounting for one chat turn
// and the feedback record attached to it after the fact.
package exchange

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an exchange.
type Status string

const (
	// StatusInFlight: the stream is open and accounting fields are still
	// being accumulated.
	StatusInFlight Status = "in_flight"
	// StatusCompleted: the stream ended normally and full accounting
	// metadata was emitted.
	StatusCompleted Status = "complete"
	// StatusErrored: the provider or pipeline failed mid-stream; counts
	// are partial.
	StatusErrored Status = "errored"
	// StatusDisconnected: the caller went away before finalization;
	// partial accounting is recorded best-effort, not billed.
	StatusDisconnected Status = "disconnected"
)

// Exchange is one chat exchange and its accounting record. It is owned
// and mutated exclusively by the orchestrator driving its stream, and
// becomes immutable once finalized.
type Exchange struct {
	ID             string
	UserID         string
	ConversationID string

	ExperimentKey string
	Variant       string
	PromptVersion int64

	Model    string
	Prompt   string // the user message of this turn
	Response string // accumulated assistant output

	TokensIn  int
	TokensOut int
	LatencyMs int64
	CostUSD   float64

	Status    Status
	ErrorKind string

	StartedAt   time.Time
	FinalizedAt time.Time

	finalized atomic.Bool
}

// New creates an in-flight exchange. The id is assigned at stream start
// and returned to the caller in the terminal metadata so feedback can
// reference it.
func New(userID, conversationID, model, prompt string) *Exchange {
	return &Exchange{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Model:          model,
		Prompt:         prompt,
		Status:         StatusInFlight,
		StartedAt:      time.Now(),
	}
}

// Finalize transitions the exchange to a terminal status exactly once.
// It returns false if the exchange was already finalized, in which case
// the caller must not emit a terminal event or mutate further; the
// write-once guarantee for accounting fields hangs on this guard.
func (e *Exchange) Finalize(status Status) bool {
	if !e.finalized.CompareAndSwap(false, true) {
		return false
	}
	e.Status = status
	e.FinalizedAt = time.Now()
	e.LatencyMs = e.FinalizedAt.Sub(e.StartedAt).Milliseconds()
	return true
}

// Finalized reports whether a terminal transition already happened.
func (e *Exchange) Finalized() bool {
	return e.finalized.Load()
}

// FeedbackRecord is a single rating for a finalized exchange. One per
// exchange: later ratings are rejected, never overwritten.
type FeedbackRecord struct {
	ID         string
	ExchangeID string
	RaterID    string
	// Rating is +1 (thumbs up) or -1 (thumbs down).
	Rating    int
	Comment   string
	Variant   string
	CreatedAt time.Time
}

// NewFeedbackRecord builds a record with a fresh id and timestamp.
func NewFeedbackRecord(exchangeID, raterID string, rating int, comment, variant string) *FeedbackRecord {
	return &FeedbackRecord{
		ID:         uuid.NewString(),
		ExchangeID: exchangeID,
		RaterID:    raterID,
		Rating:     rating,
		Comment:    comment,
		Variant:    variant,
		CreatedAt:  time.Now(),
	}
}
