// Package persistence stores finalized exchanges and feedback durably.
//
// Writes happen off the request path through an async queue: stream
// finalization enqueues and returns, and a background writer drains the
// queue into the store. A failed write is logged with the record's id so
// it can be traced, never dropped silently.
package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/keyur7523/promptLab/pkg/exchange"
)

// Store persists exchanges and feedback. Implementations must be safe
// for concurrent use.
type Store interface {
	// SaveExchange upserts a finalized exchange by id.
	SaveExchange(ctx context.Context, e *exchange.Exchange) error
	// SaveFeedback inserts one feedback record.
	SaveFeedback(ctx context.Context, f *exchange.FeedbackRecord) error
	// RecentExchanges returns the last limit completed exchanges of a
	// conversation in chronological order, for prompt history replay.
	RecentExchanges(ctx context.Context, conversationID string, limit int) ([]*exchange.Exchange, error)
	// Close releases the underlying connections.
	Close() error
}

// MemoryStore is an in-process Store for tests and single-replica
// development runs without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange.Exchange
	feedback  []*exchange.FeedbackRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exchanges: make(map[string]*exchange.Exchange)}
}

func (s *MemoryStore) SaveExchange(ctx context.Context, e *exchange.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.exchanges[e.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveFeedback(ctx context.Context, f *exchange.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.feedback = append(s.feedback, &cp)
	return nil
}

func (s *MemoryStore) RecentExchanges(ctx context.Context, conversationID string, limit int) ([]*exchange.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*exchange.Exchange
	for _, e := range s.exchanges {
		if e.ConversationID == conversationID && e.Status == exchange.StatusCompleted {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Exchange returns a stored exchange by id, or nil. Test helper.
func (s *MemoryStore) Exchange(id string) *exchange.Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exchanges[id]
}

// ExchangeIDs returns the ids of all stored exchanges. Test helper.
func (s *MemoryStore) ExchangeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.exchanges))
	for id := range s.exchanges {
		out = append(out, id)
	}
	return out
}

// Feedback returns all stored feedback records. Test helper.
func (s *MemoryStore) Feedback() []*exchange.FeedbackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*exchange.FeedbackRecord, len(s.feedback))
	copy(out, s.feedback)
	return out
}

func (s *MemoryStore) Close() error { return nil }
