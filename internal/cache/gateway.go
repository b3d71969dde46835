package cache

import (
	"context"
	"math/rand"
	"time"

	"github.com/reviewpulse/statcache/internal/circuit"
	"github.com/reviewpulse/statcache/internal/metrics"
	"github.com/reviewpulse/statcache/pkg/retry"
	"github.com/reviewpulse/statcache/pkg/stat"
	"github.com/reviewpulse/statcache/pkg/utils"
)

// Source identifies which tier served a gateway read.
type Source int

const (
	SourceNone Source = iota
	SourcePrimary
	SourceFallback
)

// String returns the source label used in logs.
func (s Source) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceFallback:
		return "fallback"
	default:
		return "none"
	}
}

// PrimaryBackend is the contract the gateway needs from the primary tier.
type PrimaryBackend interface {
	Get(ctx context.Context, rawKey string) ([]byte, bool, error)
	Set(ctx context.Context, rawKey string, rawValue []byte, ttl time.Duration) error
	Delete(ctx context.Context, rawKey string) error
}

// GatewayOptions configures a cache gateway.
type GatewayOptions struct {
	Breaker       circuit.Config
	JitterPercent float64
	Logger        *utils.Logger
}

// Gateway unifies the primary and fallback cache tiers behind one
// get/set/delete API. It exclusively owns the circuit breaker and is the
// only writer of reliability counters. Cache failures degrade service
// freshness; they never propagate to callers.
type Gateway struct {
	primary  PrimaryBackend
	fallback *FallbackCache
	breaker  *circuit.Breaker
	rel      *metrics.Reliability
	retryer  *retry.Retryer
	logger   *utils.Logger
	jitter   float64

	cancelSub func()
}

// NewGateway wires the two cache tiers, the breaker and the reliability
// tracker together.
func NewGateway(primary PrimaryBackend, fallback *FallbackCache, rel *metrics.Reliability, opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = utils.Discard()
	}

	g := &Gateway{
		primary:  primary,
		fallback: fallback,
		breaker:  circuit.NewBreaker("primary-cache", opts.Breaker, logger),
		rel:      rel,
		// StoreWriteFailure policy: retried once, then dropped.
		retryer: retry.New(retry.Config{
			MaxAttempts:  2,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Jitter:       true,
		}),
		logger: logger.WithComponent("cache-gateway"),
		jitter: opts.JitterPercent,
	}

	rel.SetEntryCountFunc(fallback.Len)

	cancel, err := g.breaker.Subscribe(func(t circuit.Transition) {
		rel.SetBreakerState(t.To != circuit.StateOpen, t.To != circuit.StateClosed)
	})
	if err == nil {
		g.cancelSub = cancel
	}

	return g
}

// Get returns the entry for key, trying the primary tier first when the
// breaker permits and falling through to the fallback tier otherwise.
func (g *Gateway) Get(ctx context.Context, key stat.Key) (stat.Entry, bool, Source) {
	raw := key.String()

	allowErr := g.breaker.Allow()
	primaryErred := false

	if allowErr == nil {
		data, found, err := g.primary.Get(ctx, raw)
		switch {
		case err != nil:
			g.breaker.OnFailure()
			g.rel.MarkPrimaryFailure()
			primaryErred = true
			g.logger.Warn("primary get failed for %s: %v", raw, err)
		case found:
			g.breaker.OnSuccess()
			entry, decErr := decodeEntry(data)
			if decErr == nil && entry.Usable(time.Now()) {
				g.rel.Record(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeSuccess)
				return entry, true, SourcePrimary
			}
			if decErr != nil {
				g.logger.Warn("corrupt primary entry for %s: %v", raw, decErr)
			}
		default:
			g.breaker.OnSuccess()
		}
	}

	if entry, ok := g.fallback.Get(key); ok {
		g.rel.Record(metrics.BackendFallback, metrics.OpGet, metrics.OutcomeSuccess)
		return entry, true, SourceFallback
	}

	switch {
	case primaryErred:
		g.rel.Record(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeFailure)
	case allowErr != nil:
		g.rel.Record(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeRoutedToFallback)
	default:
		// Clean miss on a healthy primary.
		g.rel.Record(metrics.BackendPrimary, metrics.OpGet, metrics.OutcomeSuccess)
	}
	return stat.Entry{}, false, SourceNone
}

// Set stores a freshly computed snapshot in both tiers. The fallback tier is
// always written as insurance; the primary tier only when the breaker
// permits. Primary write failures are counted and logged, never returned:
// cache population is best-effort.
func (g *Gateway) Set(ctx context.Context, snap stat.Snapshot, policy stat.TTLPolicy) {
	entry := policy.Entry(snap)
	g.fallback.Set(snap.Key, entry)

	if err := g.breaker.Allow(); err != nil {
		g.rel.Record(metrics.BackendFallback, metrics.OpSet, metrics.OutcomeSuccess)
		return
	}

	raw := snap.Key.String()
	data, err := encodeEntry(entry)
	if err != nil {
		g.breaker.OnSuccess()
		g.rel.Record(metrics.BackendPrimary, metrics.OpSet, metrics.OutcomeFailure)
		g.logger.Error("encode entry for %s: %v", raw, err)
		return
	}

	ttl := g.applyJitter(time.Until(entry.HardExpiry))
	writeErr := g.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return g.primary.Set(ctx, raw, data, ttl)
	})
	if writeErr != nil {
		g.breaker.OnFailure()
		g.rel.MarkPrimaryFailure()
		g.rel.Record(metrics.BackendPrimary, metrics.OpSet, metrics.OutcomeFailure)
		g.logger.Warn("primary set dropped for %s: %v", raw, writeErr)
		return
	}

	g.breaker.OnSuccess()
	g.rel.Record(metrics.BackendPrimary, metrics.OpSet, metrics.OutcomeSuccess)
}

// Delete removes the key from both tiers, best-effort. It never errors.
func (g *Gateway) Delete(ctx context.Context, key stat.Key) {
	g.fallback.Delete(key)

	if err := g.breaker.Allow(); err != nil {
		g.rel.Record(metrics.BackendFallback, metrics.OpDelete, metrics.OutcomeSuccess)
		return
	}

	raw := key.String()
	if err := g.primary.Delete(ctx, raw); err != nil {
		g.breaker.OnFailure()
		g.rel.MarkPrimaryFailure()
		g.rel.Record(metrics.BackendPrimary, metrics.OpDelete, metrics.OutcomeFailure)
		g.logger.Warn("primary delete failed for %s: %v", raw, err)
		return
	}

	g.breaker.OnSuccess()
	g.rel.Record(metrics.BackendPrimary, metrics.OpDelete, metrics.OutcomeSuccess)
}

// ReliabilitySnapshot returns the dashboard reliability view, with the
// availability flags refreshed from the breaker's current state.
func (g *Gateway) ReliabilitySnapshot() metrics.Snapshot {
	state := g.breaker.State()
	g.rel.SetBreakerState(state != circuit.StateOpen, state != circuit.StateClosed)
	return g.rel.GetSnapshot()
}

// BreakerStats exposes the breaker counters for the admin surface.
func (g *Gateway) BreakerStats() circuit.Stats {
	return g.breaker.GetStats()
}

// FallbackKeys enumerates the keys currently held by the fallback tier.
func (g *Gateway) FallbackKeys() []stat.Key {
	return g.fallback.Keys()
}

// PruneExpired drops fallback entries past hard expiry, returning the count
// removed. The primary tier prunes itself through native key TTLs.
func (g *Gateway) PruneExpired() int {
	return g.fallback.SweepExpired()
}

// Close releases the gateway's resources. The primary backend's connection
// is owned by the caller and is not closed here.
func (g *Gateway) Close() {
	if g.cancelSub != nil {
		g.cancelSub()
	}
	g.fallback.Close()
}

func (g *Gateway) applyJitter(ttl time.Duration) time.Duration {
	if g.jitter <= 0 || ttl <= 0 {
		return ttl
	}
	// [-p, +p] spread so hot keys written together do not expire together
	delta := (rand.Float64()*2 - 1) * g.jitter
	adj := float64(ttl) * (1 + delta)
	if adj < float64(time.Second) {
		adj = float64(time.Second)
	}
	return time.Duration(adj)
}
