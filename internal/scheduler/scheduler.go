// Package scheduler runs the periodic refresh jobs that keep popular
// statistics warm and prune dead fallback entries.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reviewpulse/statcache/internal/config"
	"github.com/reviewpulse/statcache/internal/lock"
	staterrors "github.com/reviewpulse/statcache/pkg/errors"
	"github.com/reviewpulse/statcache/pkg/utils"
)

// Status is the lifecycle state of one job.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// JobFunc is the work one scheduled job performs. It must honor ctx; the
// scheduler cancels it at the job's max duration.
type JobFunc func(ctx context.Context) error

// Record is the observable state of one registered job.
type Record struct {
	JobType        string     `json:"job_type"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	LastRunID      string     `json:"last_run_id,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms"`
	LastError      string     `json:"last_error,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}

type job struct {
	name string
	cfg  config.JobConfig
	fn   JobFunc

	mu      sync.Mutex
	running bool
	record  Record
}

// Scheduler owns the job loops. Jobs are registered before Start; each runs
// on its own interval, never overlapping itself. An optional lock manager
// keeps multi-replica deployments from running the same job twice.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	cancel  context.CancelFunc

	locks  *lock.Manager
	logger *utils.Logger
	runSeq atomic.Uint64
	wg     sync.WaitGroup
}

// New creates a scheduler. locks may be nil for single-process deployments.
func New(locks *lock.Manager, logger *utils.Logger) *Scheduler {
	if logger == nil {
		logger = utils.Discard()
	}
	return &Scheduler{
		jobs:   make(map[string]*job),
		locks:  locks,
		logger: logger.WithComponent("scheduler"),
	}
}

// Register adds a job. All registration happens before Start.
func (s *Scheduler) Register(name string, cfg config.JobConfig, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return staterrors.New(staterrors.ErrCodeAlreadyStarted, "cannot register jobs after start").
			WithComponent("scheduler").WithContext("job", name)
	}
	if _, exists := s.jobs[name]; exists {
		return staterrors.Newf(staterrors.ErrCodeInvalidConfig, "job %q registered twice", name)
	}

	s.jobs[name] = &job{
		name: name,
		cfg:  cfg,
		fn:   fn,
		record: Record{
			JobType:  name,
			Priority: cfg.Priority,
			Status:   StatusIdle,
		},
	}
	return nil
}

// Start launches one loop per registered job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return staterrors.New(staterrors.ErrCodeAlreadyStarted, "scheduler already started").
			WithComponent("scheduler")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}

	s.logger.Info("scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop cancels all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow triggers one off-schedule run of the named job and returns its run
// id. A job already running is not queued behind itself.
func (s *Scheduler) RunNow(name string) (string, error) {
	s.mu.Lock()
	j, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return "", staterrors.Newf(staterrors.ErrCodeJobNotFound, "unknown job %q", name).
			WithComponent("scheduler")
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return "", staterrors.Newf(staterrors.ErrCodeJobRunning, "job %q is already running", name).
			WithComponent("scheduler")
	}
	j.running = true
	j.mu.Unlock()

	runID := s.nextRunID(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(context.Background(), j, runID)
	}()
	return runID, nil
}

// JobStatus returns the record for one job.
func (s *Scheduler) JobStatus(name string) (Record, error) {
	s.mu.Lock()
	j, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return Record{}, staterrors.Newf(staterrors.ErrCodeJobNotFound, "unknown job %q", name).
			WithComponent("scheduler")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record, nil
}

// Jobs returns all job records ordered by priority, then name.
func (s *Scheduler) Jobs() []Record {
	s.mu.Lock()
	records := make([]Record, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		records = append(records, j.record)
		j.mu.Unlock()
	}
	s.mu.Unlock()

	sort.Slice(records, func(a, b int) bool {
		if records[a].Priority != records[b].Priority {
			return records[a].Priority < records[b].Priority
		}
		return records[a].JobType < records[b].JobType
	})
	return records
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	next := time.Now().Add(j.cfg.Interval)
	j.mu.Lock()
	j.record.NextRunAt = &next
	j.mu.Unlock()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.running {
				// Previous run overran its interval; skip this tick.
				j.mu.Unlock()
				continue
			}
			j.running = true
			j.mu.Unlock()

			s.runOnce(ctx, j, s.nextRunID(j.name))

			next := time.Now().Add(j.cfg.Interval)
			j.mu.Lock()
			j.record.NextRunAt = &next
			j.mu.Unlock()
		}
	}
}

// runOnce executes the job body. Callers have already claimed j.running.
func (s *Scheduler) runOnce(ctx context.Context, j *job, runID string) {
	start := time.Now()

	j.mu.Lock()
	j.record.Status = StatusRunning
	j.record.LastRunID = runID
	j.mu.Unlock()

	finish := func(status Status, errMsg string) {
		j.mu.Lock()
		j.running = false
		j.record.Status = status
		j.record.LastRunAt = &start
		j.record.LastDurationMs = time.Since(start).Milliseconds()
		j.record.LastError = errMsg
		j.mu.Unlock()
	}

	runCtx := ctx
	if j.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.cfg.MaxDuration)
		defer cancel()
	}

	if s.locks != nil {
		mutex := s.locks.Mutex("job:" + j.name)
		acquired, err := mutex.TryAcquire(runCtx)
		if err != nil {
			s.logger.Warn("job %s (%s): lock acquisition failed: %v", j.name, runID, err)
			finish(StatusFailed, err.Error())
			return
		}
		if !acquired {
			s.logger.Debug("job %s (%s): held by another process, skipping", j.name, runID)
			finish(StatusIdle, "")
			return
		}
		defer func() {
			if err := mutex.Release(context.Background()); err != nil {
				s.logger.Warn("job %s (%s): lock release failed: %v", j.name, runID, err)
			}
		}()
	}

	s.logger.Debug("job %s (%s): starting", j.name, runID)
	if err := j.fn(runCtx); err != nil {
		s.logger.Warn("job %s (%s) failed after %v: %v", j.name, runID, time.Since(start), err)
		finish(StatusFailed, err.Error())
		return
	}

	s.logger.Info("job %s (%s) completed in %v", j.name, runID, time.Since(start))
	finish(StatusIdle, "")
}

func (s *Scheduler) nextRunID(name string) string {
	return fmt.Sprintf("%s-%d", name, s.runSeq.Add(1))
}
