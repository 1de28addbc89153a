package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	exchangeKeyPrefix = "feedback:exchange:"
	ratedKeyPrefix    = "feedback:rated:"
	countsKey         = "feedback:counts"

	// Exchanges stay rateable this long after finalization.
	exchangeTTL = 7 * 24 * time.Hour
)

// RedisBackend keeps the ledger and aggregates in Redis, shared across
// replicas.
type RedisBackend struct {
	client redis.Cmdable
}

// NewRedisBackend wraps a Redis client.
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) RegisterExchange(ctx context.Context, exchangeID string, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, exchangeKeyPrefix+exchangeID, payload, exchangeTTL).Err()
}

func (b *RedisBackend) LookupExchange(ctx context.Context, exchangeID string) (Entry, bool, error) {
	raw, err := b.client.Get(ctx, exchangeKeyPrefix+exchangeID).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, true, nil
}

func (b *RedisBackend) MarkRated(ctx context.Context, exchangeID string) (bool, error) {
	// SETNX makes concurrent duplicate ratings race safely: exactly one
	// caller wins the claim.
	return b.client.SetNX(ctx, ratedKeyPrefix+exchangeID, "1", exchangeTTL).Result()
}

func (b *RedisBackend) IncrVariant(ctx context.Context, variant string, up bool) error {
	field := variant + ":down"
	if up {
		field = variant + ":up"
	}
	return b.client.HIncrBy(ctx, countsKey, field, 1).Err()
}

func (b *RedisBackend) VariantCounts(ctx context.Context) (map[string]Counts, error) {
	fields, err := b.client.HGetAll(ctx, countsKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]Counts)
	for field, raw := range fields {
		variant, direction, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		c := out[variant]
		if direction == "up" {
			c.Up += n
		} else {
			c.Down += n
		}
		out[variant] = c
	}
	return out, nil
}

// MemoryBackend is a single-process Backend for tests and development.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
	rated   map[string]bool
	counts  map[string]Counts
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]Entry),
		rated:   make(map[string]bool),
		counts:  make(map[string]Counts),
	}
}

func (b *MemoryBackend) RegisterExchange(ctx context.Context, exchangeID string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[exchangeID] = e
	return nil
}

func (b *MemoryBackend) LookupExchange(ctx context.Context, exchangeID string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[exchangeID]
	return e, ok, nil
}

func (b *MemoryBackend) MarkRated(ctx context.Context, exchangeID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rated[exchangeID] {
		return false, nil
	}
	b.rated[exchangeID] = true
	return true, nil
}

func (b *MemoryBackend) IncrVariant(ctx context.Context, variant string, up bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counts[variant]
	if up {
		c.Up++
	} else {
		c.Down++
	}
	b.counts[variant] = c
	return nil
}

func (b *MemoryBackend) VariantCounts(ctx context.Context) (map[string]Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Counts, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out, nil
}
