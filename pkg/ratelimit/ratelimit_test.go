package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ── window ids ──

func TestWindowIDGranularity(t *testing.T) {
	at := time.Date(2024, 1, 30, 9, 59, 59, 0, time.UTC)

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202401300959"},
		{time.Hour, "2024013009"},
		{24 * time.Hour, "20240130"},
	}
	for _, tc := range tests {
		if got := windowID(at, tc.window); got != tc.want {
			t.Errorf("windowID(%v) = %q, want %q", tc.window, got, tc.want)
		}
	}
}

func TestWindowIDChangesAtBoundary(t *testing.T) {
	before := time.Date(2024, 1, 30, 9, 59, 59, 0, time.UTC)
	after := time.Date(2024, 1, 30, 10, 0, 1, 0, time.UTC)

	if windowID(before, time.Hour) == windowID(after, time.Hour) {
		t.Error("hour window id must roll over at the boundary")
	}
}

func TestWindowEnd(t *testing.T) {
	at := time.Date(2024, 1, 30, 9, 59, 59, 0, time.UTC)
	want := time.Date(2024, 1, 30, 10, 0, 0, 0, time.UTC)
	if got := windowEnd(at, time.Hour); !got.Equal(want) {
		t.Errorf("windowEnd = %v, want %v", got, want)
	}
}

func TestWindowIDCustomGranularity(t *testing.T) {
	at := time.Date(2024, 1, 30, 9, 0, 10, 0, time.UTC)
	if windowID(at, 30*time.Second) == windowID(at.Add(30*time.Second), 30*time.Second) {
		t.Error("custom window id must differ across buckets")
	}
	if windowID(at, 30*time.Second) != windowID(at.Add(5*time.Second), 30*time.Second) {
		t.Error("custom window id must be stable within a bucket")
	}
}

// ── LocalProvider ──

func TestLocalProviderQuota(t *testing.T) {
	p := NewLocalProvider(3, time.Hour)
	rc := Context{UserID: "u1"}

	for i := 0; i < 3; i++ {
		d, err := p.Check(context.Background(), rc)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	d, _ := p.Check(context.Background(), rc)
	if d.Allowed {
		t.Error("request over quota should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denied decision RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestLocalProviderPerUserIsolation(t *testing.T) {
	p := NewLocalProvider(1, time.Hour)

	d1, _ := p.Check(context.Background(), Context{UserID: "u1"})
	d2, _ := p.Check(context.Background(), Context{UserID: "u2"})
	if !d1.Allowed || !d2.Allowed {
		t.Error("different users must not share a window counter")
	}
}

func TestLocalProviderLimitOverride(t *testing.T) {
	p := NewLocalProvider(100, time.Hour)
	rc := Context{UserID: "u1", Limit: 1}

	p.Check(context.Background(), rc)
	d, _ := p.Check(context.Background(), rc)
	if d.Allowed {
		t.Error("per-user limit override should apply")
	}
	if d.Limit != 1 {
		t.Errorf("Limit = %d, want 1", d.Limit)
	}
}

func TestLocalProviderConcurrentAdmission(t *testing.T) {
	const limit = 50
	p := NewLocalProvider(limit, time.Hour)

	var wg sync.WaitGroup
	results := make(chan bool, limit+5)
	for i := 0; i < limit+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.Check(context.Background(), Context{UserID: "u1"})
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			results <- d.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed, denied := 0, 0
	for ok := range results {
		if ok {
			allowed++
		} else {
			denied++
		}
	}
	if allowed != limit || denied != 5 {
		t.Errorf("admitted %d / denied %d, want %d / 5", allowed, denied, limit)
	}
}

// ── Resolver ──

type mockProvider struct {
	name     string
	decision *Decision
	err      error
	calls    int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Check(_ context.Context, _ Context) (*Decision, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.decision, nil
}

func TestResolverNil(t *testing.T) {
	var r *Resolver
	d := r.Admit(context.Background(), Context{UserID: "u1"})
	if !d.Allowed {
		t.Error("nil resolver should admit")
	}
	if r.FailOpen() {
		t.Error("nil resolver FailOpen should be false")
	}
}

func TestResolverPrimaryDecides(t *testing.T) {
	primary := &mockProvider{name: "primary", decision: &Decision{Allowed: false, Provider: "primary"}}
	fallback := &mockProvider{name: "fallback", decision: &Decision{Allowed: true, Provider: "fallback"}}

	r := NewResolver(primary, fallback, true)
	d := r.Admit(context.Background(), Context{UserID: "u1"})
	if d.Allowed {
		t.Error("primary denial must be final")
	}
	if fallback.calls != 0 {
		t.Error("fallback must not run when primary is healthy")
	}
}

func TestResolverFailOpenUsesFallback(t *testing.T) {
	primary := &mockProvider{name: "primary", err: errors.New("store down")}
	fallback := &mockProvider{name: "fallback", decision: &Decision{Allowed: true, Provider: "fallback"}}

	r := NewResolver(primary, fallback, true)
	d := r.Admit(context.Background(), Context{UserID: "u1"})
	if !d.Allowed {
		t.Error("fail-open should admit via fallback")
	}
	if d.Provider != "fallback" {
		t.Errorf("Provider = %q, want fallback", d.Provider)
	}
}

func TestResolverFailOpenFallbackStillCounts(t *testing.T) {
	primary := &mockProvider{name: "primary", err: errors.New("store down")}
	fallback := NewLocalProvider(2, time.Hour)

	r := NewResolver(primary, fallback, true)
	rc := Context{UserID: "u1"}

	first := r.Admit(context.Background(), rc)
	second := r.Admit(context.Background(), rc)
	third := r.Admit(context.Background(), rc)
	if !first.Allowed || !second.Allowed {
		t.Error("fallback should admit within its quota")
	}
	if third.Allowed {
		t.Error("fail-open is best-effort counted, not unlimited")
	}
}

func TestResolverFailClosedDenies(t *testing.T) {
	primary := &mockProvider{name: "primary", err: errors.New("store down")}

	r := NewResolver(primary, nil, false)
	d := r.Admit(context.Background(), Context{UserID: "u1"})
	if d.Allowed {
		t.Error("fail-closed should deny on store failure")
	}
}

func TestResolverFailOpenWithoutFallback(t *testing.T) {
	primary := &mockProvider{name: "primary", err: errors.New("store down")}

	r := NewResolver(primary, nil, true)
	d := r.Admit(context.Background(), Context{UserID: "u1"})
	if !d.Allowed {
		t.Error("fail-open without fallback should admit")
	}
}
