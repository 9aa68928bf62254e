package app

import (
	"context"
	"time"

	"github.com/mx-space/newsletter/internal/modules/digest"
	pkgcron "github.com/mx-space/newsletter/internal/pkg/cron"
	"go.uber.org/zap"
)

const (
	pruneInterval  = 24 * time.Hour
	runHistoryKeep = 30 * 24 * time.Hour
)

// registerCronJobs registers all scheduled background jobs.
func (a *App) registerCronJobs() error {
	cronLogger := a.logger.Named("CronService")
	jobs := make([]pkgcron.Job, 0, 4)

	if a.cfg.Digest.EnableCron {
		jobs = append(jobs, pkgcron.Job{
			Name:        "digest_dispatch",
			Description: "Send digests to subscribers whose delivery time falls in this window",
			Interval:    a.cfg.Digest.Interval,
			Fn: func(ctx context.Context) error {
				_, err := a.dispatcher.Dispatch(ctx, digest.RunOptions{}, digest.TriggerCron)
				return err
			},
		})
	} else {
		cronLogger.Info("digest cron disabled, waiting for external triggers")
	}

	if p := a.stores.noncePruner; p != nil {
		retention := a.cfg.Capability.NonceRetention
		jobs = append(jobs, pkgcron.Job{
			Name:        "prune_nonces",
			Description: "Delete consumed nonces whose links expired before the retention window",
			Interval:    pruneInterval,
			Fn: func(ctx context.Context) error {
				n, err := p.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				cronLogger.Info("pruned nonces", zap.Int64("deleted", n), zap.String("store", a.stores.kind))
				return nil
			},
		})
	}

	if p := a.stores.markPruner; p != nil {
		jobs = append(jobs, pkgcron.Job{
			Name:        "prune_delivery_marks",
			Description: "Delete expired per-day delivery marks",
			Interval:    pruneInterval,
			Fn: func(ctx context.Context) error {
				n, err := p.Prune(ctx, time.Now())
				if err != nil {
					return err
				}
				cronLogger.Info("pruned delivery marks", zap.Int64("deleted", n))
				return nil
			},
		})
	}

	jobs = append(jobs, pkgcron.Job{
		Name:        "prune_digest_runs",
		Description: "Drop digest run history older than 30 days",
		Interval:    pruneInterval,
		Fn: func(ctx context.Context) error {
			n, err := a.taskSvc.Prune(ctx, digest.TaskTypeDigestRun, time.Now().Add(-runHistoryKeep))
			if err != nil {
				return err
			}
			if n > 0 {
				cronLogger.Info("pruned digest runs", zap.Int64("deleted", n))
			}
			return nil
		},
	})

	for _, job := range jobs {
		if err := a.sched.Register(job); err != nil {
			return err
		}
	}
	return nil
}
