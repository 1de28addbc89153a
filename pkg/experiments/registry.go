package experiments

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/observability/metrics"
)

// Snapshot is one immutable, consistent view of every experiment. The
// registry swaps snapshots wholesale and never edits one in place, so a
// request reads exactly one version of the world with no locking.
type Snapshot struct {
	byKey    map[string]*Experiment
	ordered  []string
	loadedAt time.Time
}

// Get returns the experiment for key, or nil.
func (s *Snapshot) Get(key string) *Experiment {
	if s == nil {
		return nil
	}
	return s.byKey[key]
}

// Keys returns all experiment keys in deterministic order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	return s.ordered
}

// LoadedAt reports when this snapshot was read from the store.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Registry holds the current experiment state and keeps it fresh across
// replicas: invalidation broadcasts trigger an immediate reload, with a
// periodic refresh as backstop. On store failure the last-known-good
// snapshot keeps serving.
type Registry struct {
	store Store

	controlVariant string
	controlPrompt  string
	// activeKey pins the experiment evaluated for chat; empty
	// auto-selects the first active one in key order.
	activeKey string
	refresh   time.Duration

	snap      atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
}

// Options configures a Registry.
type Options struct {
	ControlVariant  string
	ControlPrompt   string
	ActiveKey       string
	RefreshInterval time.Duration
}

// NewRegistry creates a registry over store. Call Start to load the first
// snapshot and begin watching for invalidations.
func NewRegistry(store Store, opts Options) *Registry {
	r := &Registry{
		store:          store,
		controlVariant: opts.ControlVariant,
		controlPrompt:  opts.ControlPrompt,
		activeKey:      opts.ActiveKey,
		refresh:        opts.RefreshInterval,
	}
	r.snap.Store(&Snapshot{byKey: map[string]*Experiment{}})
	return r
}

// Start loads the initial snapshot and launches the watch loop. The loop
// always launches, even when the initial load or the subscription fails,
// so a replica started during a store outage converges once the store
// heals instead of serving control forever. The loop exits when ctx is
// canceled.
func (r *Registry) Start(ctx context.Context) error {
	loadErr := r.Refresh(ctx)

	invalidations, err := r.store.SubscribeInvalidations(ctx)
	if err != nil {
		// The watch loop retries the subscription; until it succeeds the
		// periodic refresh bounds staleness.
		logging.Warnf("Experiment invalidation subscribe failed, relying on periodic refresh: %v", err)
		invalidations = nil
	}

	go r.watch(ctx, invalidations)

	if loadErr != nil {
		return fmt.Errorf("initial experiment load: %w", loadErr)
	}
	return nil
}

func (r *Registry) watch(ctx context.Context, invalidations <-chan struct{}) {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-invalidations:
			if !ok {
				invalidations = nil
				continue
			}
			r.refreshLogged(ctx, "invalidation")
		case <-ticker.C:
			r.refreshLogged(ctx, "periodic")
			if invalidations == nil {
				if ch, err := r.store.SubscribeInvalidations(ctx); err == nil {
					logging.Infof("Experiment invalidation subscription established")
					invalidations = ch
				}
			}
		}
	}
}

func (r *Registry) refreshLogged(ctx context.Context, reason string) {
	if err := r.Refresh(ctx); err != nil {
		logging.Warnf("Experiment refresh (%s) failed, serving last-known-good snapshot: %v", reason, err)
	}
}

// Refresh reloads the snapshot from the store. On failure the previous
// snapshot stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	exps, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	byKey := make(map[string]*Experiment, len(exps))
	ordered := make([]string, 0, len(exps))
	for i := range exps {
		byKey[exps[i].Key] = &exps[i]
		ordered = append(ordered, exps[i].Key)
	}
	r.snap.Store(&Snapshot{byKey: byKey, ordered: ordered, loadedAt: time.Now()})
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// control builds the unconditional control assignment.
func (r *Registry) control(experimentKey string, version int64) Assignment {
	return Assignment{
		ExperimentKey: experimentKey,
		Variant:       r.controlVariant,
		Prompt:        r.controlPrompt,
		Version:       version,
		Bucket:        -1,
		Control:       true,
	}
}

// Assign evaluates the active experiment for userID against the current
// snapshot. A killed or missing experiment yields the control variant,
// checked before any hashing, so a kill covers 100% of traffic the moment
// the snapshot updates.
func (r *Registry) Assign(userID string) Assignment {
	snap := r.Snapshot()

	exp := r.selectExperiment(snap)
	if exp == nil {
		return r.control("", 0)
	}
	if !exp.Active {
		return r.control(exp.Key, exp.Version)
	}

	bucket := Bucket(userID, exp.Key, exp.Version)
	v := pick(exp.Variants, bucket)
	if v == nil {
		return r.control(exp.Key, exp.Version)
	}

	metrics.VariantAssignmentsTotal.WithLabelValues(exp.Key, v.Name).Inc()
	return Assignment{
		ExperimentKey: exp.Key,
		Variant:       v.Name,
		Prompt:        v.Prompt,
		Version:       exp.Version,
		Bucket:        bucket,
	}
}

// selectExperiment picks the experiment chat requests run under.
func (r *Registry) selectExperiment(snap *Snapshot) *Experiment {
	if r.activeKey != "" {
		return snap.Get(r.activeKey)
	}
	for _, key := range snap.Keys() {
		if exp := snap.Get(key); exp != nil && exp.Active {
			return exp
		}
	}
	return nil
}

// Upsert publishes a new or updated experiment definition. The version is
// always bumped past the stored one, reshuffling bucket membership on
// purpose. The invalidation broadcast propagates the change to every
// replica.
func (r *Registry) Upsert(ctx context.Context, exp Experiment) (Experiment, error) {
	if err := exp.Validate(); err != nil {
		return Experiment{}, err
	}

	if existing := r.Snapshot().Get(exp.Key); existing != nil {
		exp.Version = existing.Version + 1
	} else if exp.Version <= 0 {
		exp.Version = 1
	}

	if err := r.store.Save(ctx, exp); err != nil {
		return Experiment{}, err
	}
	r.invalidate(ctx)
	return exp, nil
}

// Kill flips the experiment's kill switch: all traffic goes to control.
// The version is left untouched so reactivating restores the previous
// bucket membership.
func (r *Registry) Kill(ctx context.Context, key string) error {
	exp := r.Snapshot().Get(key)
	if exp == nil {
		return fmt.Errorf("experiment %q not found", key)
	}

	killed := *exp
	killed.Active = false
	if err := r.store.Save(ctx, killed); err != nil {
		return err
	}
	r.invalidate(ctx)
	logging.Warnf("Experiment %q killed, all traffic now on control variant", key)
	return nil
}

func (r *Registry) invalidate(ctx context.Context) {
	// Update the local snapshot synchronously so this replica observes
	// its own write immediately; others learn via the broadcast.
	r.refreshLogged(ctx, "local-write")
	if err := r.store.PublishInvalidation(ctx); err != nil {
		logging.Warnf("Experiment invalidation publish failed; peers converge on periodic refresh: %v", err)
	}
}
