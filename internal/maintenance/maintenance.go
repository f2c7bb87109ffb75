// Package maintenance runs periodic housekeeping for the job ledger.
package maintenance

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/pkg/file"
	"github.com/MimeLyc/anidub/pkg/icron"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// IdempotencyPruner drops idempotency keys created before cutoff.
type IdempotencyPruner interface {
	PruneIdempotency(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	CronExpr       string
	IdempotencyTTL time.Duration
	WorkRoot       string
	// WorkDirAge is how long a work dir must be untouched before it is swept.
	WorkDirAge time.Duration
}

// Report summarizes one maintenance run.
type Report struct {
	PrunedKeys  int64
	RemovedDirs int
}

type Service struct {
	store  jobs.Store
	pruner IdempotencyPruner
	opts   Options
	cron   *cron.Cron
	group  singleflight.Group
	now    func() time.Time
}

func NewService(store jobs.Store, pruner IdempotencyPruner, c *cron.Cron, opts Options) *Service {
	if opts.WorkDirAge <= 0 {
		opts.WorkDirAge = time.Hour
	}
	return &Service{
		store:  store,
		pruner: pruner,
		opts:   opts,
		cron:   c,
		now:    time.Now,
	}
}

// Schedule registers the run on the cron engine. The caller starts and stops it.
func (s *Service) Schedule(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.opts.CronExpr, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Error("Maintenance failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	if info, err := icron.GetTriggerInfo(s.opts.CronExpr, s.now()); err == nil {
		log.Info("Maintenance scheduled (%s), next run at %s (in %s)",
			info.Expression, info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

// RunOnce prunes expired idempotency keys and sweeps stale work dirs.
// Concurrent calls share one run.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	v, err, _ := s.group.Do("run", func() (any, error) {
		return s.run(ctx)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (s *Service) run(ctx context.Context) (Report, error) {
	var report Report
	now := s.now()

	if s.pruner != nil && s.opts.IdempotencyTTL > 0 {
		n, err := s.pruner.PruneIdempotency(ctx, now.Add(-s.opts.IdempotencyTTL))
		if err != nil {
			return report, fmt.Errorf("prune idempotency keys: %w", err)
		}
		report.PrunedKeys = n
	}

	removed, err := s.sweepWorkDirs(ctx, now.Add(-s.opts.WorkDirAge))
	report.RemovedDirs = removed
	if err != nil {
		return report, err
	}
	log.Info("Maintenance done: pruned %d idempotency keys, removed %d work dirs", report.PrunedKeys, report.RemovedDirs)
	return report, nil
}

// sweepWorkDirs removes work dirs of terminal or unknown jobs. Dirs of
// queued, running or paused jobs hold checkpoints and are kept.
func (s *Service) sweepWorkDirs(ctx context.Context, cutoff time.Time) (int, error) {
	if s.opts.WorkRoot == "" {
		return 0, nil
	}
	candidates, err := file.FindOlderThan(s.opts.WorkRoot, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list work dirs: %w", err)
	}

	removed := 0
	for _, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		id := filepath.Base(dir)
		job, err := s.store.Get(ctx, id)
		if err != nil {
			log.Warn("Maintenance: look up job %s: %v", id, err)
			continue
		}
		if job != nil && !job.State.Terminal() {
			continue
		}
		if err := file.RemoveAll(dir); err != nil {
			log.Warn("Maintenance: remove %s: %v", dir, err)
			continue
		}
		removed++
	}
	return removed, nil
}
