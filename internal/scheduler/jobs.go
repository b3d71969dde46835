package scheduler

import (
	"context"
	stderr "errors"
	"fmt"

	"github.com/reviewpulse/statcache/pkg/stat"
	"github.com/reviewpulse/statcache/pkg/utils"
)

// KeyEnumerator yields the keys a refresh job should recompute on this run.
// Enumeration runs fresh on every run; popularity shifts between runs.
type KeyEnumerator func(ctx context.Context) ([]stat.Key, error)

// Refresher recomputes and re-caches a single statistic.
type Refresher interface {
	Refresh(ctx context.Context, key stat.Key) error
}

// Pruner drops entries past hard expiry, returning the count removed.
type Pruner interface {
	PruneExpired() int
}

// RefreshJob builds a job body that enumerates keys and recomputes each one.
// Individual key failures do not abort the run; the job reports them
// together at the end.
func RefreshJob(r Refresher, enumerate KeyEnumerator, logger *utils.Logger) JobFunc {
	if logger == nil {
		logger = utils.Discard()
	}
	return func(ctx context.Context) error {
		keys, err := enumerate(ctx)
		if err != nil {
			return fmt.Errorf("enumerate keys: %w", err)
		}

		var failures []error
		refreshed := 0
		for _, key := range keys {
			if ctx.Err() != nil {
				failures = append(failures, fmt.Errorf("aborted after %d of %d keys: %w",
					refreshed, len(keys), ctx.Err()))
				break
			}
			if err := r.Refresh(ctx, key); err != nil {
				logger.Warn("refresh %s: %v", key.String(), err)
				failures = append(failures, fmt.Errorf("%s: %w", key.String(), err))
				continue
			}
			refreshed++
		}

		logger.Debug("refreshed %d/%d keys", refreshed, len(keys))
		return stderr.Join(failures...)
	}
}

// PruneJob builds a job body that sweeps dead entries out of the fallback
// tier.
func PruneJob(p Pruner, logger *utils.Logger) JobFunc {
	if logger == nil {
		logger = utils.Discard()
	}
	return func(ctx context.Context) error {
		removed := p.PruneExpired()
		if removed > 0 {
			logger.Info("pruned %d expired entries", removed)
		}
		return nil
	}
}
