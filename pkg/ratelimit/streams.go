package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/keyur7523/promptLab/pkg/observability/logging"
)

// ErrTooManyStreams is returned when a user is at their concurrent
// stream cap.
var ErrTooManyStreams = errors.New("too many concurrent streams")

// streamTTL expires a user's active-stream set as a safety net for
// cleanup failures (crashed replica mid-stream).
const streamTTL = 5 * time.Minute

// StreamLimiter caps concurrent open streams per user across replicas,
// tracked as a Redis set of stream ids. Admission quota bounds request
// rate; this bounds simultaneous resource use.
type StreamLimiter struct {
	client redis.Cmdable
	limit  int
}

// NewStreamLimiter returns a limiter allowing up to limit concurrent
// streams per user.
func NewStreamLimiter(client redis.Cmdable, limit int) *StreamLimiter {
	return &StreamLimiter{client: client, limit: limit}
}

func (s *StreamLimiter) key(userID string) string {
	return fmt.Sprintf("streams:active:%s", userID)
}

// Acquire registers a new stream for the user, returning its id for
// Release. Returns ErrTooManyStreams at the cap. Store failures log and
// admit: the stream cap is a resource guard, not a billing boundary.
func (s *StreamLimiter) Acquire(ctx context.Context, userID string) (string, error) {
	streamID := uuid.NewString()
	key := s.key(userID)

	// Register first, then count. The transaction makes the add and the
	// count atomic and the count includes this registration, so two
	// acquires racing for the last slot can never both land under the
	// cap; the loser backs its entry out.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, streamID)
	active := pipe.SCard(ctx, key)
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warnf("Stream limiter store unavailable, admitting user %s: %v", userID, err)
		return streamID, nil
	}
	if active.Val() > int64(s.limit) {
		s.Release(userID, streamID)
		return "", ErrTooManyStreams
	}
	return streamID, nil
}

// Release removes a stream from the user's active set. Uses a background
// context so release still happens after the request context is canceled
// by a client disconnect.
func (s *StreamLimiter) Release(userID, streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.client.SRem(ctx, s.key(userID), streamID).Err(); err != nil {
		logging.Warnf("Stream limiter release failed for user %s: %v", userID, err)
	}
}

// Active returns the user's current open stream count (best effort).
func (s *StreamLimiter) Active(ctx context.Context, userID string) int64 {
	n, err := s.client.SCard(ctx, s.key(userID)).Result()
	if err != nil {
		return 0
	}
	return n
}
