// Package service assembles the statistics cache into a single embeddable
// component with an explicit lifecycle: construct, start, use, close.
package service

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/reviewpulse/statcache/internal/cache"
	"github.com/reviewpulse/statcache/internal/circuit"
	"github.com/reviewpulse/statcache/internal/compute"
	"github.com/reviewpulse/statcache/internal/config"
	"github.com/reviewpulse/statcache/internal/lock"
	"github.com/reviewpulse/statcache/internal/metrics"
	"github.com/reviewpulse/statcache/internal/scheduler"
	staterrors "github.com/reviewpulse/statcache/pkg/errors"
	"github.com/reviewpulse/statcache/pkg/stat"
	"github.com/reviewpulse/statcache/pkg/utils"
)

// The prune job is built in; refresh jobs need a caller-supplied enumerator.
const pruneJobName = "prune_stale_stats"

// Options carries the caller-supplied pieces the configuration cannot
// express.
type Options struct {
	// Enumerators maps refresh job names from the configuration to the
	// functions that decide which keys each run recomputes.
	Enumerators map[string]scheduler.KeyEnumerator

	// Backend overrides the primary cache backend. Tests inject an
	// in-memory implementation here; production leaves it nil and the
	// service dials the configured address.
	Backend cache.PrimaryBackend

	Logger *utils.Logger
}

// Service is the statistics cache. One instance per process; all state is
// owned by the instance and released by Close.
type Service struct {
	cfg    *config.Configuration
	logger *utils.Logger

	primary *cache.PrimaryStore // nil when Options.Backend was injected
	gateway *cache.Gateway
	engine  *compute.Engine
	sched   *scheduler.Scheduler
	rel     *metrics.Reliability

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a service from a validated configuration and an aggregation
// source. Nothing runs until Start.
func New(cfg *config.Configuration, source stat.AggregationSource, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, staterrors.New(staterrors.ErrCodeConfigValidation, "invalid configuration").
			WithComponent("service").WithCause(err)
	}

	logger := opts.Logger
	if logger == nil {
		level, _ := utils.ParseLogLevel(cfg.Global.LogLevel)
		logger = utils.NewLogger(level, os.Stderr)
	}

	rel := metrics.NewReliability()
	if cfg.Admin.EnableMetrics {
		if err := rel.EnablePrometheus("statcache"); err != nil {
			return nil, staterrors.New(staterrors.ErrCodeInternalError, "metrics exporter setup failed").
				WithComponent("service").WithCause(err)
		}
	}

	var (
		primary *cache.PrimaryStore
		backend = opts.Backend
	)
	if backend == nil {
		primary = cache.NewPrimaryStore(cache.PrimaryOptions{
			Address:     cfg.Primary.Address,
			Password:    cfg.Primary.Password,
			DB:          cfg.Primary.DB,
			KeyPrefix:   cfg.Primary.KeyPrefix,
			DialTimeout: cfg.Primary.DialTimeout,
			OpTimeout:   cfg.Primary.OpTimeout,
		})
		backend = primary
	}

	fallback := cache.NewFallbackCache(cfg.Fallback.MaxEntries, cfg.Fallback.CleanupInterval)
	gateway := cache.NewGateway(backend, fallback, rel, cache.GatewayOptions{
		Breaker: circuit.Config{
			Window:           cfg.Breaker.Window,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		},
		JitterPercent: cfg.TTL.JitterPt,
		Logger:        logger,
	})

	engine := compute.NewEngine(gateway, source, cfg.TTL.PolicyFor, compute.Options{
		Timeout: cfg.Compute.Timeout,
		Logger:  logger,
	})

	var locks *lock.Manager
	if cfg.Primary.LockEnabled && primary != nil {
		locks = lock.NewManager(primary.Client(), cfg.Primary.KeyPrefix+"lock:", cfg.Primary.LockTTL)
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger.WithComponent("service"),
		primary: primary,
		gateway: gateway,
		engine:  engine,
		sched:   scheduler.New(locks, logger),
		rel:     rel,
	}

	if err := s.registerJobs(opts.Enumerators); err != nil {
		gateway.Close()
		if primary != nil {
			_ = primary.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) registerJobs(enumerators map[string]scheduler.KeyEnumerator) error {
	for name, jobCfg := range s.cfg.Jobs {
		var fn scheduler.JobFunc
		switch {
		case name == pruneJobName:
			fn = scheduler.PruneJob(s.gateway, s.logger)
		case enumerators[name] != nil:
			fn = scheduler.RefreshJob(s.engine, enumerators[name], s.logger)
		default:
			s.logger.Warn("job %s configured without an enumerator, skipping", name)
			continue
		}
		if err := s.sched.Register(name, jobCfg, fn); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the refresh scheduler. Safe to call once; later calls are
// no-ops.
func (s *Service) Start() error {
	var err error
	started := false
	s.startOnce.Do(func() {
		err = s.sched.Start()
		started = true
	})
	if !started {
		return staterrors.New(staterrors.ErrCodeAlreadyStarted, "service already started").
			WithComponent("service")
	}
	return err
}

// GetStat returns the payload for one statistic along with its freshness.
// A stale payload with Freshness.Stale set is a normal answer, not an error.
func (s *Service) GetStat(ctx context.Context, statType, scope, window string) ([]byte, stat.Freshness, error) {
	key := stat.Key{StatType: statType, Scope: scope, Window: window}
	if err := key.Validate(); err != nil {
		return nil, stat.Freshness{}, staterrors.New(staterrors.ErrCodeInvalidKey, "invalid stat key").
			WithComponent("service").WithOperation("get_stat").WithCause(err)
	}

	snap, fresh, err := s.engine.GetOrCompute(ctx, key)
	if err != nil {
		return nil, stat.Freshness{}, err
	}
	return snap.Payload, fresh, nil
}

// InvalidateStat drops the cached value for one statistic from both tiers.
// The next read recomputes it.
func (s *Service) InvalidateStat(ctx context.Context, statType, scope, window string) error {
	key := stat.Key{StatType: statType, Scope: scope, Window: window}
	if err := key.Validate(); err != nil {
		return staterrors.New(staterrors.ErrCodeInvalidKey, "invalid stat key").
			WithComponent("service").WithOperation("invalidate_stat").WithCause(err)
	}
	s.gateway.Delete(ctx, key)
	return nil
}

// TriggerRefresh starts one off-schedule run of the named job and returns
// its run id.
func (s *Service) TriggerRefresh(jobType string) (string, error) {
	return s.sched.RunNow(jobType)
}

// JobStatus returns the record of one refresh job.
func (s *Service) JobStatus(jobType string) (scheduler.Record, error) {
	return s.sched.JobStatus(jobType)
}

// Jobs returns all refresh job records ordered by priority.
func (s *Service) Jobs() []scheduler.Record {
	return s.sched.Jobs()
}

// ReliabilitySnapshot returns the dashboard reliability view.
func (s *Service) ReliabilitySnapshot() metrics.Snapshot {
	return s.gateway.ReliabilitySnapshot()
}

// BreakerStats returns the circuit breaker counters.
func (s *Service) BreakerStats() circuit.Stats {
	return s.gateway.BreakerStats()
}

// MetricsHandler returns the Prometheus scrape handler, or nil when metrics
// are disabled.
func (s *Service) MetricsHandler() http.Handler {
	return s.rel.Handler()
}

// Ping reports whether the primary backend is reachable right now. With an
// injected test backend it reports breaker health instead.
func (s *Service) Ping(ctx context.Context) error {
	if s.primary != nil {
		return s.primary.Ping(ctx)
	}
	if s.gateway.BreakerStats().State == circuit.StateOpen {
		return staterrors.New(staterrors.ErrCodeBackendUnavailable, "primary cache unavailable").
			WithComponent("service")
	}
	return nil
}

// Close stops background work and releases connections. Idempotent.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sched.Stop()
		s.engine.Close()
		s.gateway.Close()
		if s.primary != nil {
			err = s.primary.Close()
		}
		s.logger.Info("service closed")
	})
	return err
}
