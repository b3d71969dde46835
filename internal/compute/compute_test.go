package compute

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/reviewpulse/statcache/internal/cache"
	"github.com/reviewpulse/statcache/internal/circuit"
	"github.com/reviewpulse/statcache/internal/metrics"
	staterrors "github.com/reviewpulse/statcache/pkg/errors"
	"github.com/reviewpulse/statcache/pkg/stat"
)

type memPrimary struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemPrimary() *memPrimary {
	return &memPrimary{data: make(map[string][]byte)}
}

func (m *memPrimary) Get(ctx context.Context, rawKey string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[rawKey]
	return data, ok, nil
}

func (m *memPrimary) Set(ctx context.Context, rawKey string, rawValue []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rawKey] = rawValue
	return nil
}

func (m *memPrimary) Delete(ctx context.Context, rawKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, rawKey)
	return nil
}

type countingSource struct {
	mu      sync.Mutex
	calls   int
	payload []byte
	err     error
	delay   time.Duration
}

func (s *countingSource) Compute(ctx context.Context, key stat.Key) ([]byte, int64, error) {
	s.mu.Lock()
	s.calls++
	payload, err, delay := s.payload, s.err, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if err != nil {
		return nil, 0, err
	}
	return payload, 3, nil
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingSource) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func newTestEngine(t *testing.T, source stat.AggregationSource, timeout time.Duration) (*Engine, *cache.Gateway) {
	t.Helper()

	gw := cache.NewGateway(newMemPrimary(), cache.NewFallbackCache(100, time.Minute),
		metrics.NewReliability(), cache.GatewayOptions{
			Breaker: circuit.Config{Window: 10, FailureThreshold: 5, Cooldown: time.Minute},
		})
	t.Cleanup(gw.Close)

	policy := func(string) stat.TTLPolicy {
		return stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour}
	}
	e := NewEngine(gw, source, policy, Options{Timeout: timeout})
	t.Cleanup(e.Close)
	return e, gw
}

func computeKey() stat.Key {
	return stat.Key{StatType: "rating_distribution", Scope: "product:17", Window: "30d"}
}

func TestEngine_MissComputesAndCaches(t *testing.T) {
	t.Parallel()

	source := &countingSource{payload: []byte(`{"5":120,"4":48}`)}
	e, _ := newTestEngine(t, source, time.Second)
	ctx := context.Background()

	snap, fresh, err := e.GetOrCompute(ctx, computeKey())
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if fresh.Stale {
		t.Error("a just-computed snapshot must not be stale")
	}
	if string(snap.Payload) != string(source.payload) {
		t.Errorf("payload = %s, want %s", snap.Payload, source.payload)
	}
	if snap.Version != 1 {
		t.Errorf("version = %d, want 1", snap.Version)
	}

	// Second read is a cache hit; the source is not consulted again.
	_, _, err = e.GetOrCompute(ctx, computeKey())
	if err != nil {
		t.Fatalf("GetOrCompute (hit): %v", err)
	}
	if got := source.callCount(); got != 1 {
		t.Errorf("source calls = %d, want 1", got)
	}
}

func TestEngine_ConcurrentMissesShareOneComputation(t *testing.T) {
	t.Parallel()

	source := &countingSource{payload: []byte(`{"avg":4.6}`), delay: 50 * time.Millisecond}
	e, _ := newTestEngine(t, source, time.Second)

	const callers = 50
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = e.GetOrCompute(context.Background(), computeKey())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := source.callCount(); got != 1 {
		t.Errorf("source calls = %d, want exactly 1 for %d concurrent callers", got, callers)
	}
}

func TestEngine_StaleServedThenRefreshed(t *testing.T) {
	t.Parallel()

	source := &countingSource{payload: []byte(`{"avg":4.8}`)}
	e, gw := newTestEngine(t, source, time.Second)
	ctx := context.Background()

	// Seed an entry whose soft TTL has already lapsed.
	stale := stat.Snapshot{
		Key:        computeKey(),
		Payload:    []byte(`{"avg":4.1}`),
		ComputedAt: time.Now().Add(-2 * time.Hour),
		Version:    3,
	}
	gw.Set(ctx, stale, stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour})

	snap, fresh, err := e.GetOrCompute(ctx, computeKey())
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if !fresh.Stale {
		t.Error("an entry past its soft TTL must be reported stale")
	}
	if string(snap.Payload) != string(stale.Payload) {
		t.Error("the stale payload must be served immediately, not the recomputed one")
	}

	waitForRefreshes(t, e)

	snap, fresh, err = e.GetOrCompute(ctx, computeKey())
	if err != nil {
		t.Fatalf("GetOrCompute after refresh: %v", err)
	}
	if fresh.Stale {
		t.Error("entry should be fresh after the background refresh")
	}
	if string(snap.Payload) != string(source.payload) {
		t.Errorf("payload = %s, want refreshed %s", snap.Payload, source.payload)
	}
	if snap.Version != stale.Version+1 {
		t.Errorf("version = %d, want %d", snap.Version, stale.Version+1)
	}
}

func TestEngine_StaleRereadsDoNotPileUpRefreshes(t *testing.T) {
	t.Parallel()

	source := &countingSource{payload: []byte(`{}`), delay: 100 * time.Millisecond}
	e, gw := newTestEngine(t, source, time.Second)
	ctx := context.Background()

	stale := stat.Snapshot{
		Key:        computeKey(),
		Payload:    []byte(`{}`),
		ComputedAt: time.Now().Add(-2 * time.Hour),
		Version:    1,
	}
	gw.Set(ctx, stale, stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour})

	for i := 0; i < 20; i++ {
		if _, _, err := e.GetOrCompute(ctx, computeKey()); err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
	}

	waitForRefreshes(t, e)

	if got := source.callCount(); got != 1 {
		t.Errorf("source calls = %d, want 1 deduplicated background refresh", got)
	}
}

func TestEngine_RefreshFailureKeepsStaleEntry(t *testing.T) {
	t.Parallel()

	source := &countingSource{err: stderr.New("aggregation backend down")}
	e, gw := newTestEngine(t, source, time.Second)
	ctx := context.Background()

	stale := stat.Snapshot{
		Key:        computeKey(),
		Payload:    []byte(`{"avg":3.9}`),
		ComputedAt: time.Now().Add(-2 * time.Hour),
		Version:    1,
	}
	gw.Set(ctx, stale, stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour})

	if _, _, err := e.GetOrCompute(ctx, computeKey()); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	waitForRefreshes(t, e)

	snap, fresh, err := e.GetOrCompute(ctx, computeKey())
	if err != nil {
		t.Fatal("the stale entry must survive a failed refresh")
	}
	if !fresh.Stale {
		t.Error("entry should still be stale after a failed refresh")
	}
	if string(snap.Payload) != string(stale.Payload) {
		t.Error("stale payload must be preserved unchanged")
	}
}

func TestEngine_MissWithFailedComputeIsUnavailable(t *testing.T) {
	t.Parallel()

	source := &countingSource{err: stderr.New("aggregation backend down")}
	e, _ := newTestEngine(t, source, time.Second)

	_, _, err := e.GetOrCompute(context.Background(), computeKey())
	if err == nil {
		t.Fatal("a miss with a failed computation must error")
	}
	if !staterrors.IsCode(err, staterrors.ErrCodeStatUnavailable) {
		t.Errorf("error code = %v, want %v", staterrors.CodeOf(err), staterrors.ErrCodeStatUnavailable)
	}
}

func TestEngine_ComputeTimeout(t *testing.T) {
	t.Parallel()

	source := &countingSource{payload: []byte(`{}`), delay: time.Second}
	e, _ := newTestEngine(t, source, 20*time.Millisecond)

	_, _, err := e.GetOrCompute(context.Background(), computeKey())
	if err == nil {
		t.Fatal("a computation exceeding its timeout must error")
	}
	if !stderr.Is(err, context.DeadlineExceeded) {
		t.Errorf("error chain should carry the deadline cause, got %v", err)
	}
}

func TestEngine_RefreshForcesRecompute(t *testing.T) {
	t.Parallel()

	source := &countingSource{payload: []byte(`{"n":1}`)}
	e, _ := newTestEngine(t, source, time.Second)
	ctx := context.Background()

	if _, _, err := e.GetOrCompute(ctx, computeKey()); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}

	if err := e.Refresh(ctx, computeKey()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := source.callCount(); got != 2 {
		t.Errorf("source calls = %d, want 2 (Refresh ignores freshness)", got)
	}

	snap, _, err := e.GetOrCompute(ctx, computeKey())
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2 after forced refresh", snap.Version)
	}
}

func TestEngine_RefreshPropagatesComputeError(t *testing.T) {
	t.Parallel()

	source := &countingSource{err: stderr.New("boom")}
	e, _ := newTestEngine(t, source, time.Second)

	err := e.Refresh(context.Background(), computeKey())
	if err == nil {
		t.Fatal("Refresh must surface computation failures")
	}
	if !staterrors.IsCode(err, staterrors.ErrCodeComputeFailure) {
		t.Errorf("error code = %v, want %v", staterrors.CodeOf(err), staterrors.ErrCodeComputeFailure)
	}
}

func waitForRefreshes(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.InFlight() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background refreshes did not finish in time")
}
