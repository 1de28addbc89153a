package experiments

import (
	"strconv"
	"testing"
)

// ── Bucket determinism ──

func TestBucketDeterministic(t *testing.T) {
	first := Bucket("user_123", "prompt_style", 1)
	for i := 0; i < 100; i++ {
		if got := Bucket("user_123", "prompt_style", 1); got != first {
			t.Fatalf("Bucket not stable: %d != %d", got, first)
		}
	}
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := Bucket("user", "exp", int64(i))
		if b < 0 || b >= 100 {
			t.Fatalf("Bucket = %d, want [0,100)", b)
		}
	}
}

func TestBucketVersionReshuffles(t *testing.T) {
	// Bumping the version must move at least some users; with 200 users
	// the probability of zero movement is negligible.
	moved := 0
	for i := 0; i < 200; i++ {
		user := "user_" + strconv.Itoa(i)
		if Bucket(user, "prompt_style", 1) != Bucket(user, "prompt_style", 2) {
			moved++
		}
	}
	if moved == 0 {
		t.Error("version bump reshuffled no users")
	}
}

func TestBucketSensitiveToAllInputs(t *testing.T) {
	base := Bucket("u1", "exp", 1)
	distinct := 0
	if Bucket("u2", "exp", 1) != base {
		distinct++
	}
	if Bucket("u1", "other", 1) != base {
		distinct++
	}
	if Bucket("u1", "exp", 2) != base {
		distinct++
	}
	// With a 1/100 collision chance per comparison, all three matching
	// base would indicate the inputs are being ignored.
	if distinct == 0 {
		t.Error("bucket appears insensitive to user, experiment, and version")
	}
}

func TestBucketRoughlyUniform(t *testing.T) {
	counts := make([]int, 100)
	const n = 20000
	for i := 0; i < n; i++ {
		counts[Bucket("user_"+strconv.Itoa(i), "exp", 1)]++
	}
	// Expected 200 per bucket; allow generous slack.
	for b, c := range counts {
		if c < 100 || c > 300 {
			t.Errorf("bucket %d has %d assignments, expected near 200", b, c)
		}
	}
}

// ── pick: cumulative weight ranges ──

func TestPickCumulativeRanges(t *testing.T) {
	variants := []Variant{
		{Name: "A", Weight: 80},
		{Name: "B", Weight: 20},
	}

	tests := []struct {
		bucket int
		want   string
	}{
		{0, "A"},
		{42, "A"},
		{79, "A"},
		{80, "B"},
		{99, "B"},
	}
	for _, tc := range tests {
		if got := pick(variants, tc.bucket); got.Name != tc.want {
			t.Errorf("pick(%d) = %q, want %q", tc.bucket, got.Name, tc.want)
		}
	}
}

func TestPickDeclaredOrder(t *testing.T) {
	// Same weights, different declared order: ranges follow the order.
	forward := []Variant{{Name: "A", Weight: 50}, {Name: "B", Weight: 50}}
	reverse := []Variant{{Name: "B", Weight: 50}, {Name: "A", Weight: 50}}

	if pick(forward, 10).Name != "A" || pick(reverse, 10).Name != "B" {
		t.Error("bucket ranges must follow declared variant order")
	}
}

func TestPickZeroWeightVariantNeverSelected(t *testing.T) {
	variants := []Variant{
		{Name: "A", Weight: 100},
		{Name: "dark", Weight: 0},
	}
	for b := 0; b < 100; b++ {
		if pick(variants, b).Name == "dark" {
			t.Fatalf("zero-weight variant selected at bucket %d", b)
		}
	}
}

// ── Experiment validation ──

func TestExperimentValidate(t *testing.T) {
	tests := []struct {
		name    string
		exp     Experiment
		wantErr bool
	}{
		{
			name: "valid",
			exp: Experiment{Key: "e", Variants: []Variant{
				{Name: "control", Weight: 50}, {Name: "b", Weight: 50},
			}},
		},
		{
			name:    "empty key",
			exp:     Experiment{Variants: []Variant{{Name: "a", Weight: 100}}},
			wantErr: true,
		},
		{
			name:    "no variants",
			exp:     Experiment{Key: "e"},
			wantErr: true,
		},
		{
			name: "weights not 100",
			exp: Experiment{Key: "e", Variants: []Variant{
				{Name: "a", Weight: 60}, {Name: "b", Weight: 60},
			}},
			wantErr: true,
		},
		{
			name: "duplicate variant",
			exp: Experiment{Key: "e", Variants: []Variant{
				{Name: "a", Weight: 50}, {Name: "a", Weight: 50},
			}},
			wantErr: true,
		},
		{
			name: "negative weight",
			exp: Experiment{Key: "e", Variants: []Variant{
				{Name: "a", Weight: 120}, {Name: "b", Weight: -20},
			}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.exp.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
