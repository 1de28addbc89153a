// Package experiments implements prompt A/B experiments: a registry of
// experiment definitions with fast cross-replica invalidation, and a
// deterministic variant assigner that needs no stored assignments.
package experiments

import (
	"errors"
	"fmt"
)

// Variant is one arm of an experiment.
type Variant struct {
	Name string `json:"name" yaml:"name"`
	// Prompt is the system prompt template served to users in this variant.
	Prompt string `json:"prompt" yaml:"prompt"`
	// Weight is the traffic share in percent. Weights across an
	// experiment's variants must sum to exactly 100.
	Weight int `json:"weight" yaml:"weight"`
}

// Experiment is an A/B experiment definition. Instances are immutable
// once published: mutation goes through Registry.Upsert, which bumps
// Version and replaces the whole definition.
type Experiment struct {
	Key         string `json:"key" yaml:"key"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Variants are evaluated in declared order when mapping buckets to
	// cumulative weight ranges, so ties are never ambiguous.
	Variants []Variant `json:"variants" yaml:"variants"`
	Active   bool      `json:"active" yaml:"active"`
	// Version is monotonic, bumped on every prompt or weight change.
	// It feeds the assignment hash, so bumping intentionally reshuffles
	// bucket membership.
	Version int64 `json:"version" yaml:"version"`
}

// Validate checks an experiment definition before it is published.
func (e *Experiment) Validate() error {
	if e.Key == "" {
		return errors.New("experiment key must not be empty")
	}
	if len(e.Variants) == 0 {
		return fmt.Errorf("experiment %q has no variants", e.Key)
	}

	total := 0
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.Name == "" {
			return fmt.Errorf("experiment %q has a variant with no name", e.Key)
		}
		if seen[v.Name] {
			return fmt.Errorf("experiment %q has duplicate variant %q", e.Key, v.Name)
		}
		seen[v.Name] = true
		if v.Weight < 0 {
			return fmt.Errorf("experiment %q variant %q has negative weight", e.Key, v.Name)
		}
		total += v.Weight
	}
	if total != 100 {
		return fmt.Errorf("experiment %q variant weights sum to %d, must be 100", e.Key, total)
	}
	return nil
}

// Assignment is the outcome of evaluating an experiment for one user.
type Assignment struct {
	ExperimentKey string
	Variant       string
	// Prompt is the system prompt for the assigned variant.
	Prompt string
	// Version is the experiment version the assignment was computed
	// against; it is recorded on the exchange so results can be
	// attributed to the exact prompt that ran.
	Version int64
	// Bucket is the hash bucket in [0,100); -1 when bucketing was
	// bypassed (kill switch or no experiment).
	Bucket int
	// Control is true when the control variant was served
	// unconditionally rather than by bucket.
	Control bool
}
