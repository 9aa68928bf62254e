package digest

import (
	"context"
	"time"

	"github.com/mx-space/newsletter/internal/pkg/taskqueue"
	"go.uber.org/zap"
)

// TaskTypeDigestRun is the task type every run is recorded under.
const TaskTypeDigestRun = "digest_run"

// Trigger names where a run came from.
const (
	TriggerCron = "cron"
	TriggerHTTP = "http"
)

// RunStore keeps run history; *taskqueue.Service satisfies it.
type RunStore interface {
	Start(ctx context.Context, taskType string, payload interface{}) (*taskqueue.Task, error)
	Finish(ctx context.Context, id string, result interface{}, runErr error) error
	List(ctx context.Context, taskType string, page, size int) ([]*taskqueue.Task, int64, error)
}

type runPayload struct {
	Trigger          string    `json:"trigger"`
	Now              time.Time `json:"now"`
	ToleranceMinutes int       `json:"tolerance_minutes"`
	DryRun           bool      `json:"dry_run"`
}

// Dispatcher runs the scheduler and records each run. A failing history
// store never blocks a run.
type Dispatcher struct {
	scheduler *Scheduler
	runs      RunStore
	logger    *zap.Logger
}

func NewDispatcher(scheduler *Scheduler, runs RunStore, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{scheduler: scheduler, runs: runs, logger: logger.Named("DigestDispatcher")}
}

// Dispatch performs one recorded run.
func (d *Dispatcher) Dispatch(ctx context.Context, opts RunOptions, trigger string) (*RunReport, error) {
	var taskID string
	if d.runs != nil {
		task, err := d.runs.Start(ctx, TaskTypeDigestRun, runPayload{
			Trigger:          trigger,
			Now:              opts.Now,
			ToleranceMinutes: opts.ToleranceMinutes,
			DryRun:           opts.DryRun,
		})
		if err != nil {
			d.logger.Warn("record run start failed", zap.Error(err))
		} else {
			taskID = task.ID
		}
	}

	report, runErr := d.scheduler.Run(ctx, opts)

	if taskID != "" {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := d.runs.Finish(fctx, taskID, report, runErr); err != nil {
			d.logger.Warn("record run result failed", zap.String("task", taskID), zap.Error(err))
		}
	}
	if runErr != nil {
		d.logger.Error("digest run failed", zap.String("trigger", trigger), zap.Error(runErr))
	}
	return report, runErr
}

// History lists recorded runs, newest first.
func (d *Dispatcher) History(ctx context.Context, page, size int) ([]*taskqueue.Task, int64, error) {
	if d.runs == nil {
		return []*taskqueue.Task{}, 0, nil
	}
	return d.runs.List(ctx, TaskTypeDigestRun, page, size)
}
