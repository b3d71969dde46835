package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/reviewpulse/statcache/internal/circuit"
	"github.com/reviewpulse/statcache/internal/metrics"
	"github.com/reviewpulse/statcache/pkg/stat"
)

func benchKey(n int) stat.Key {
	return stat.Key{
		StatType: "sentiment_trend",
		Scope:    fmt.Sprintf("product:%d", n),
		Window:   "7d",
	}
}

func BenchmarkFallbackCache_Get(b *testing.B) {
	c := NewFallbackCache(2000, time.Minute)
	defer c.Close()

	for i := 0; i < 1000; i++ {
		key := benchKey(i)
		c.Set(key, testEntry(key, time.Hour, 24*time.Hour))
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Get(benchKey(i % 1000))
			i++
		}
	})
}

func BenchmarkFallbackCache_Set(b *testing.B) {
	c := NewFallbackCache(2000, time.Minute)
	defer c.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := benchKey(i % 1000)
		c.Set(key, testEntry(key, time.Hour, 24*time.Hour))
	}
}

func BenchmarkGateway_Get(b *testing.B) {
	primary := newFakePrimary()
	g := NewGateway(primary, NewFallbackCache(2000, time.Minute),
		metrics.NewReliability(), GatewayOptions{
			Breaker: circuit.Config{Window: 20, FailureThreshold: 5, Cooldown: time.Minute},
		})
	defer g.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		snap := stat.Snapshot{
			Key:        benchKey(i),
			Payload:    []byte(`{"avg":4.2}`),
			ComputedAt: time.Now(),
			Version:    1,
		}
		g.Set(ctx, snap, stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour})
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			g.Get(ctx, benchKey(i%1000))
			i++
		}
	})
}
