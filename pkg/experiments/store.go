package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Store is the durable backing for experiment definitions plus the
// invalidation broadcast that tells every replica to reload.
type Store interface {
	// LoadAll returns every stored experiment.
	LoadAll(ctx context.Context) ([]Experiment, error)
	// Save writes one experiment definition.
	Save(ctx context.Context, exp Experiment) error
	// PublishInvalidation tells all replicas their snapshot is stale.
	PublishInvalidation(ctx context.Context) error
	// SubscribeInvalidations delivers a signal per invalidation until
	// ctx is canceled.
	SubscribeInvalidations(ctx context.Context) (<-chan struct{}, error)
}

const experimentsHashKey = "promptlab:experiments"

// RedisStore keeps experiment definitions in a Redis hash (field = key,
// value = JSON) and broadcasts invalidations over pub/sub.
type RedisStore struct {
	client  *redis.Client
	channel string
}

// NewRedisStore returns a store publishing invalidations on channel.
func NewRedisStore(client *redis.Client, channel string) *RedisStore {
	return &RedisStore{client: client, channel: channel}
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]Experiment, error) {
	raw, err := s.client.HGetAll(ctx, experimentsHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loading experiments: %w", err)
	}

	exps := make([]Experiment, 0, len(raw))
	for key, blob := range raw {
		var exp Experiment
		if err := json.Unmarshal([]byte(blob), &exp); err != nil {
			return nil, fmt.Errorf("decoding experiment %q: %w", key, err)
		}
		exps = append(exps, exp)
	}
	// HGetAll order is unspecified; sort for deterministic auto-select.
	sort.Slice(exps, func(i, j int) bool { return exps[i].Key < exps[j].Key })
	return exps, nil
}

func (s *RedisStore) Save(ctx context.Context, exp Experiment) error {
	blob, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encoding experiment %q: %w", exp.Key, err)
	}
	if err := s.client.HSet(ctx, experimentsHashKey, exp.Key, blob).Err(); err != nil {
		return fmt.Errorf("saving experiment %q: %w", exp.Key, err)
	}
	return nil
}

func (s *RedisStore) PublishInvalidation(ctx context.Context) error {
	if err := s.client.Publish(ctx, s.channel, "invalidate").Err(); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}

func (s *RedisStore) SubscribeInvalidations(ctx context.Context) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	// Confirm the subscription before returning so no invalidation
	// published after this call is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to invalidations: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer sub.Close()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// Coalesce bursts; one pending signal is enough.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// MemoryStore is an in-process Store for tests and single-replica
// development runs.
type MemoryStore struct {
	mu   sync.Mutex
	exps map[string]Experiment
	subs []chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exps: make(map[string]Experiment)}
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exps := make([]Experiment, 0, len(s.exps))
	for _, exp := range s.exps {
		exps = append(exps, exp)
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i].Key < exps[j].Key })
	return exps, nil
}

func (s *MemoryStore) Save(_ context.Context, exp Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exps[exp.Key] = exp
	return nil
}

func (s *MemoryStore) PublishInvalidation(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) SubscribeInvalidations(_ context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs = append(s.subs, ch)
	return ch, nil
}
