// Package compute produces statistics snapshots on demand, collapsing
// concurrent requests for the same key into a single aggregation run and
// refreshing stale entries in the background.
package compute

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/reviewpulse/statcache/internal/cache"
	staterrors "github.com/reviewpulse/statcache/pkg/errors"
	"github.com/reviewpulse/statcache/pkg/stat"
	"github.com/reviewpulse/statcache/pkg/utils"
)

// PolicyFunc resolves the TTL policy for a stat type.
type PolicyFunc func(statType string) stat.TTLPolicy

// Options configures a compute engine.
type Options struct {
	// Timeout bounds a single aggregation run.
	Timeout time.Duration
	Logger  *utils.Logger
}

// Engine sits between the cache gateway and the aggregation source. Reads
// come from cache whenever a usable entry exists; a stale entry is served
// immediately while one background refresh recomputes it, and a miss blocks
// all callers on one shared computation.
type Engine struct {
	gateway   *cache.Gateway
	source    stat.AggregationSource
	policyFor PolicyFunc
	timeout   time.Duration
	logger    *utils.Logger

	group      singleflight.Group
	refreshing sync.Map // key string -> struct{}, in-flight background refreshes
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// NewEngine creates a compute engine.
func NewEngine(gateway *cache.Gateway, source stat.AggregationSource, policyFor PolicyFunc, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.Discard()
	}
	return &Engine{
		gateway:   gateway,
		source:    source,
		policyFor: policyFor,
		timeout:   opts.Timeout,
		logger:    logger.WithComponent("compute"),
	}
}

// GetOrCompute returns the snapshot for key, computing it when no usable
// cache entry exists. A stale entry is returned immediately with
// Freshness.Stale set while a background refresh runs; only a miss with a
// failed computation surfaces an error.
func (e *Engine) GetOrCompute(ctx context.Context, key stat.Key) (stat.Snapshot, stat.Freshness, error) {
	entry, ok, _ := e.gateway.Get(ctx, key)
	now := time.Now()

	if ok && entry.Fresh(now) {
		return entry.Snapshot, stat.Freshness{ComputedAt: entry.ComputedAt, Stale: false}, nil
	}

	if ok {
		e.triggerRefresh(key, entry.Version)
		return entry.Snapshot, stat.Freshness{ComputedAt: entry.ComputedAt, Stale: true}, nil
	}

	snap, err := e.compute(ctx, key, 0)
	if err != nil {
		return stat.Snapshot{}, stat.Freshness{}, staterrors.New(staterrors.ErrCodeStatUnavailable,
			"statistic unavailable: no cached value and computation failed").
			WithComponent("compute").
			WithOperation("get_or_compute").
			WithContext("key", key.String()).
			WithCause(err)
	}
	return snap, stat.Freshness{ComputedAt: snap.ComputedAt, Stale: false}, nil
}

// Refresh recomputes and stores the snapshot for key regardless of the
// cached entry's freshness. Used by scheduled refresh jobs.
func (e *Engine) Refresh(ctx context.Context, key stat.Key) error {
	prev := int64(0)
	if entry, ok, _ := e.gateway.Get(ctx, key); ok {
		prev = entry.Version
	}
	_, err := e.compute(ctx, key, prev)
	return err
}

// InFlight reports how many background refreshes are currently running.
func (e *Engine) InFlight() int {
	n := 0
	e.refreshing.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close waits for in-flight background refreshes to finish. New refreshes
// are no longer started.
func (e *Engine) Close() {
	e.closed.Store(true)
	e.wg.Wait()
}

// triggerRefresh starts at most one background recomputation per key. A
// refresh failure keeps the stale entry in place; serving stale beats
// serving nothing.
func (e *Engine) triggerRefresh(key stat.Key, prevVersion int64) {
	if e.closed.Load() {
		return
	}

	k := key.String()
	if _, loaded := e.refreshing.LoadOrStore(k, struct{}{}); loaded {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.refreshing.Delete(k)

		if _, err := e.compute(context.Background(), key, prevVersion); err != nil {
			e.logger.Warn("background refresh failed for %s, serving stale: %v", k, err)
		}
	}()
}

// compute runs the aggregation for key through singleflight so concurrent
// callers share one run, then writes the result to both cache tiers. The run
// is detached from the caller's cancellation: a shared computation must not
// die because the first requester hung up.
func (e *Engine) compute(ctx context.Context, key stat.Key, prevVersion int64) (stat.Snapshot, error) {
	v, err, _ := e.group.Do(key.String(), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		payload, costMs, err := e.source.Compute(runCtx, key)
		if err != nil {
			return nil, e.wrapComputeError(key, err)
		}

		snap := stat.Snapshot{
			Key:           key,
			Payload:       payload,
			ComputedAt:    time.Now(),
			ComputeCostMs: costMs,
			Version:       prevVersion + 1,
		}
		e.gateway.Set(runCtx, snap, e.policyFor(key.StatType))
		return snap, nil
	})
	if err != nil {
		return stat.Snapshot{}, err
	}
	return v.(stat.Snapshot), nil
}

func (e *Engine) wrapComputeError(key stat.Key, err error) error {
	code := staterrors.ErrCodeComputeFailure
	if stderr.Is(err, context.DeadlineExceeded) {
		code = staterrors.ErrCodeComputeTimeout
	}
	return staterrors.New(code, "aggregation failed").
		WithComponent("compute").
		WithOperation("compute").
		WithContext("key", key.String()).
		WithCause(err)
}
