package experiments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	r := NewRegistry(store, Options{
		ControlVariant:  "control",
		ControlPrompt:   "You are a helpful assistant.",
		RefreshInterval: time.Hour, // backstop irrelevant in tests
	})
	require.NoError(t, r.Refresh(context.Background()))
	return r
}

func TestRegistryAssignNoExperiments(t *testing.T) {
	r := newTestRegistry(t, NewMemoryStore())

	a := r.Assign("u1")
	require.True(t, a.Control)
	require.Equal(t, "control", a.Variant)
	require.Equal(t, -1, a.Bucket)
}

func TestRegistryAssignActiveExperiment(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRegistry(t, store)

	_, err := r.Upsert(context.Background(), Experiment{
		Key:    "prompt_style",
		Active: true,
		Variants: []Variant{
			{Name: "A", Prompt: "Be detailed.", Weight: 80},
			{Name: "B", Prompt: "Be concise.", Weight: 20},
		},
	})
	require.NoError(t, err)

	a := r.Assign("u1")
	require.False(t, a.Control)
	require.Equal(t, "prompt_style", a.ExperimentKey)
	require.Contains(t, []string{"A", "B"}, a.Variant)
	require.GreaterOrEqual(t, a.Bucket, 0)
	require.Less(t, a.Bucket, 100)

	// Deterministic across repeated calls.
	for i := 0; i < 20; i++ {
		require.Equal(t, a, r.Assign("u1"))
	}
}

func TestRegistryAssignMatchesBucketRanges(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRegistry(t, store)

	exp, err := r.Upsert(context.Background(), Experiment{
		Key:    "prompt_style",
		Active: true,
		Variants: []Variant{
			{Name: "A", Weight: 80},
			{Name: "B", Weight: 20},
		},
	})
	require.NoError(t, err)

	a := r.Assign("u1")
	bucket := Bucket("u1", "prompt_style", exp.Version)
	if bucket < 80 {
		require.Equal(t, "A", a.Variant)
	} else {
		require.Equal(t, "B", a.Variant)
	}
	require.Equal(t, bucket, a.Bucket)
}

func TestRegistryKillForcesControl(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRegistry(t, store)

	_, err := r.Upsert(context.Background(), Experiment{
		Key:    "prompt_style",
		Active: true,
		Variants: []Variant{
			{Name: "A", Weight: 100},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "A", r.Assign("u1").Variant)

	require.NoError(t, r.Kill(context.Background(), "prompt_style"))

	// Every user goes to control, regardless of bucket.
	for i, user := range []string{"u1", "u2", "u3", "alpha", "beta"} {
		a := r.Assign(user)
		require.True(t, a.Control, "user %d should be on control after kill", i)
		require.Equal(t, "control", a.Variant)
	}
}

func TestRegistryKillUnknownExperiment(t *testing.T) {
	r := newTestRegistry(t, NewMemoryStore())
	require.Error(t, r.Kill(context.Background(), "missing"))
}

func TestRegistryUpsertBumpsVersion(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRegistry(t, store)

	exp := Experiment{
		Key:    "prompt_style",
		Active: true,
		Variants: []Variant{
			{Name: "A", Weight: 100},
		},
	}
	first, err := r.Upsert(context.Background(), exp)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)

	second, err := r.Upsert(context.Background(), exp)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Version)
}

func TestRegistryUpsertRejectsInvalid(t *testing.T) {
	r := newTestRegistry(t, NewMemoryStore())

	_, err := r.Upsert(context.Background(), Experiment{
		Key:      "bad",
		Variants: []Variant{{Name: "A", Weight: 10}},
	})
	require.Error(t, err)
}

func TestRegistryInvalidationPropagates(t *testing.T) {
	store := NewMemoryStore()

	// Two registries over one store stand in for two replicas.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := newTestRegistry(t, store)
	reader := NewRegistry(store, Options{
		ControlVariant:  "control",
		RefreshInterval: time.Hour,
	})
	require.NoError(t, reader.Start(ctx))

	_, err := writer.Upsert(context.Background(), Experiment{
		Key:    "prompt_style",
		Active: true,
		Variants: []Variant{
			{Name: "A", Weight: 100},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reader.Snapshot().Get("prompt_style") != nil
	}, 2*time.Second, 10*time.Millisecond, "invalidation did not reach the second replica")
}

// failingStore wraps MemoryStore with a switchable LoadAll failure.
type failingStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *failingStore) LoadAll(ctx context.Context) ([]Experiment, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("store unavailable")
	}
	return s.MemoryStore.LoadAll(ctx)
}

func TestRegistryServesLastKnownGoodOnStoreFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	store.Save(context.Background(), Experiment{
		Key:     "prompt_style",
		Active:  true,
		Version: 1,
		Variants: []Variant{
			{Name: "A", Weight: 100},
		},
	})

	r := newTestRegistry(t, store)
	require.NotNil(t, r.Snapshot().Get("prompt_style"))

	store.setFail(true)
	require.Error(t, r.Refresh(context.Background()))

	// The stale snapshot keeps serving.
	a := r.Assign("u1")
	require.Equal(t, "A", a.Variant)
}

func TestRegistryRecoversAfterStartupOutage(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
	store.MemoryStore.Save(context.Background(), Experiment{
		Key:     "prompt_style",
		Active:  true,
		Version: 1,
		Variants: []Variant{
			{Name: "A", Weight: 100},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(store, Options{
		ControlVariant:  "control",
		RefreshInterval: 20 * time.Millisecond,
	})
	require.Error(t, r.Start(ctx), "the failed initial load still surfaces")
	require.True(t, r.Assign("u1").Control, "control serves while the store is down")

	// Once the store heals the periodic refresh must pick up the
	// experiments without a restart.
	store.setFail(false)
	require.Eventually(t, func() bool {
		return r.Assign("u1").Variant == "A"
	}, 2*time.Second, 10*time.Millisecond, "registry never recovered after the store healed")
}
