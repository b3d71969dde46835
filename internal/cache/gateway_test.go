package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reviewpulse/statcache/internal/circuit"
	"github.com/reviewpulse/statcache/internal/metrics"
	staterrors "github.com/reviewpulse/statcache/pkg/errors"
	"github.com/reviewpulse/statcache/pkg/stat"
)

// fakePrimary is an in-memory PrimaryBackend with switchable failure modes.
type fakePrimary struct {
	mu   sync.Mutex
	data map[string][]byte

	failing bool

	getCalls    int
	setCalls    int
	deleteCalls int
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{data: make(map[string][]byte)}
}

func (f *fakePrimary) fail(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = on
}

func (f *fakePrimary) backendErr() error {
	return staterrors.New(staterrors.ErrCodeBackendUnavailable, "connection refused")
}

func (f *fakePrimary) Get(ctx context.Context, rawKey string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failing {
		return nil, false, f.backendErr()
	}
	data, ok := f.data[rawKey]
	return data, ok, nil
}

func (f *fakePrimary) Set(ctx context.Context, rawKey string, rawValue []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failing {
		return f.backendErr()
	}
	f.data[rawKey] = rawValue
	return nil
}

func (f *fakePrimary) Delete(ctx context.Context, rawKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failing {
		return f.backendErr()
	}
	delete(f.data, rawKey)
	return nil
}

func (f *fakePrimary) calls() (get, set, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.setCalls, f.deleteCalls
}

func newTestGateway(t *testing.T, primary PrimaryBackend) (*Gateway, *metrics.Reliability) {
	t.Helper()

	rel := metrics.NewReliability()
	g := NewGateway(primary, NewFallbackCache(100, time.Minute), rel, GatewayOptions{
		Breaker: circuit.Config{
			Window:           10,
			FailureThreshold: 2,
			Cooldown:         time.Hour,
		},
	})
	t.Cleanup(g.Close)
	return g, rel
}

func testSnapshot(n int) stat.Snapshot {
	return stat.Snapshot{
		Key:        testKey(n),
		Payload:    []byte(`{"avg":4.2,"count":37}`),
		ComputedAt: time.Now(),
		Version:    1,
	}
}

func defaultPolicy() stat.TTLPolicy {
	return stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour}
}

func TestGateway_SetThenGetPrimary(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	ctx := context.Background()

	snap := testSnapshot(1)
	g.Set(ctx, snap, defaultPolicy())

	entry, ok, source := g.Get(ctx, snap.Key)
	if !ok {
		t.Fatal("Get should hit after Set")
	}
	if source != SourcePrimary {
		t.Errorf("source = %v, want %v", source, SourcePrimary)
	}
	if string(entry.Payload) != string(snap.Payload) {
		t.Errorf("payload = %s, want %s", entry.Payload, snap.Payload)
	}

	if got := rel.Count(metrics.BackendPrimary, metrics.OpSet, metrics.OutcomeSuccess); got != 1 {
		t.Errorf("primary set success count = %d, want 1", got)
	}
	if got := rel.Count(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeSuccess); got != 1 {
		t.Errorf("primary get success count = %d, want 1", got)
	}
}

func TestGateway_EncodedEntryRoundTrips(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, _ := newTestGateway(t, primary)
	ctx := context.Background()

	snap := testSnapshot(1)
	g.Set(ctx, snap, defaultPolicy())

	raw, ok := primary.data[snap.Key.String()]
	if !ok {
		t.Fatal("primary should hold the encoded entry under the canonical key")
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if entry.Key != snap.Key {
		t.Errorf("decoded key = %v, want %v", entry.Key, snap.Key)
	}
	if !entry.HardExpiry.After(entry.SoftExpiry) {
		t.Error("hard expiry should exceed soft expiry")
	}
}

func TestGateway_FallbackServesWhenPrimaryFails(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	ctx := context.Background()

	snap := testSnapshot(1)
	g.Set(ctx, snap, defaultPolicy())

	primary.fail(true)

	_, ok, source := g.Get(ctx, snap.Key)
	if !ok {
		t.Fatal("fallback should serve when the primary errors")
	}
	if source != SourceFallback {
		t.Errorf("source = %v, want %v", source, SourceFallback)
	}
	if got := rel.Count(metrics.BackendFallback, metrics.OpGet, metrics.OutcomeSuccess); got != 1 {
		t.Errorf("fallback get success count = %d, want 1", got)
	}
}

func TestGateway_MissRecordsSuccessOnHealthyPrimary(t *testing.T) {
	t.Parallel()

	g, rel := newTestGateway(t, newFakePrimary())

	_, ok, source := g.Get(context.Background(), testKey(42))
	if ok {
		t.Fatal("Get should miss for an unknown key")
	}
	if source != SourceNone {
		t.Errorf("source = %v, want %v", source, SourceNone)
	}
	if got := rel.Count(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeFailure); got != 0 {
		t.Errorf("a clean miss must not count as a failure, got %d", got)
	}
}

func TestGateway_ErrorWithNoFallbackCountsFailure(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	primary.fail(true)

	_, ok, _ := g.Get(context.Background(), testKey(7))
	if ok {
		t.Fatal("Get should miss when both tiers come up empty")
	}
	if got := rel.Count(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeFailure); got != 1 {
		t.Errorf("primary get failure count = %d, want 1", got)
	}
}

func TestGateway_BreakerOpensAndSkipsPrimary(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	ctx := context.Background()

	primary.fail(true)
	key := testKey(1)

	// Threshold is 2: two failing reads trip the breaker.
	g.Get(ctx, key)
	g.Get(ctx, key)

	if got := g.BreakerStats().State; got != circuit.StateOpen {
		t.Fatalf("breaker state = %v, want %v", got, circuit.StateOpen)
	}

	getsBefore, _, _ := primary.calls()
	g.Get(ctx, key)
	getsAfter, _, _ := primary.calls()

	if getsAfter != getsBefore {
		t.Error("an open breaker must short-circuit primary reads")
	}
	if got := rel.Count(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeRoutedToFallback); got == 0 {
		t.Error("short-circuited misses should count as routed_to_fallback")
	}
}

func TestGateway_SetWithOpenBreakerWritesFallbackOnly(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	ctx := context.Background()

	primary.fail(true)
	g.Get(ctx, testKey(1))
	g.Get(ctx, testKey(1))

	_, setsBefore, _ := primary.calls()
	snap := testSnapshot(2)
	g.Set(ctx, snap, defaultPolicy())
	_, setsAfter, _ := primary.calls()

	if setsAfter != setsBefore {
		t.Error("an open breaker must skip the primary write")
	}
	if _, ok := g.fallback.Get(snap.Key); !ok {
		t.Error("fallback must still be written when the breaker is open")
	}
	if got := rel.Count(metrics.BackendFallback, metrics.OpSet, metrics.OutcomeSuccess); got != 1 {
		t.Errorf("fallback set success count = %d, want 1", got)
	}
}

func TestGateway_SetRetriesOnceThenDrops(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	ctx := context.Background()

	primary.fail(true)

	snap := testSnapshot(1)
	g.Set(ctx, snap, defaultPolicy())

	_, sets, _ := primary.calls()
	if sets != 2 {
		t.Errorf("primary set attempts = %d, want 2 (one retry)", sets)
	}
	if got := rel.Count(metrics.BackendPrimary, metrics.OpSet, metrics.OutcomeFailure); got != 1 {
		t.Errorf("primary set failure count = %d, want 1", got)
	}
	if _, ok := g.fallback.Get(snap.Key); !ok {
		t.Error("fallback write must survive a dropped primary write")
	}
}

func TestGateway_DeleteRemovesBothTiers(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, rel := newTestGateway(t, primary)
	ctx := context.Background()

	snap := testSnapshot(1)
	g.Set(ctx, snap, defaultPolicy())
	g.Delete(ctx, snap.Key)

	if _, ok, _ := g.Get(ctx, snap.Key); ok {
		t.Error("Get should miss after Delete")
	}
	if _, ok := primary.data[snap.Key.String()]; ok {
		t.Error("primary should no longer hold the deleted key")
	}
	if got := rel.Count(metrics.BackendPrimary, metrics.OpDelete, metrics.OutcomeSuccess); got != 1 {
		t.Errorf("primary delete success count = %d, want 1", got)
	}
}

func TestGateway_ReliabilitySnapshotTracksBreaker(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, _ := newTestGateway(t, primary)
	ctx := context.Background()

	snapBefore := g.ReliabilitySnapshot()
	if !snapBefore.Available || snapBefore.FallbackActive {
		t.Errorf("healthy system should report available=true fallback_active=false, got %+v", snapBefore)
	}

	primary.fail(true)
	g.Get(ctx, testKey(1))
	g.Get(ctx, testKey(1))

	snapAfter := g.ReliabilitySnapshot()
	if snapAfter.Available {
		t.Error("open breaker should report available=false")
	}
	if !snapAfter.FallbackActive {
		t.Error("open breaker should report fallback_active=true")
	}
	if snapAfter.LastFailureTime == nil {
		t.Error("failures should stamp last_failure_time")
	}
}

func TestGateway_SnapshotCountsEntries(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, newFakePrimary())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		g.Set(ctx, testSnapshot(i), defaultPolicy())
	}

	snap := g.ReliabilitySnapshot()
	if snap.FallbackCacheEntries != 3 {
		t.Errorf("fallback_cache_entries = %d, want 3", snap.FallbackCacheEntries)
	}
}

func TestGateway_ApplyJitterBounds(t *testing.T) {
	t.Parallel()

	g := &Gateway{jitter: 0.1}
	base := time.Hour

	for i := 0; i < 100; i++ {
		ttl := g.applyJitter(base)
		if ttl < time.Duration(float64(base)*0.9) || ttl > time.Duration(float64(base)*1.1) {
			t.Fatalf("jittered ttl %v outside ±10%% of %v", ttl, base)
		}
	}

	if got := (&Gateway{}).applyJitter(base); got != base {
		t.Errorf("zero jitter should leave ttl unchanged, got %v", got)
	}
}

func TestGateway_CorruptPrimaryEntryFallsThrough(t *testing.T) {
	t.Parallel()

	primary := newFakePrimary()
	g, _ := newTestGateway(t, primary)
	ctx := context.Background()

	key := testKey(1)
	primary.data[key.String()] = []byte("not json")

	entry := testEntry(key, time.Hour, 24*time.Hour)
	g.fallback.Set(key, entry)

	got, ok, source := g.Get(ctx, key)
	if !ok || source != SourceFallback {
		t.Fatalf("corrupt primary data should fall through to fallback, ok=%v source=%v", ok, source)
	}
	if string(got.Payload) != string(entry.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, entry.Payload)
	}
}
