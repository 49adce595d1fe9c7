package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/telemetry"
)

// TaskQueue is the deferred start queue. *queue.RedisQueue implements it.
type TaskQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Get(ctx context.Context, taskID string) (models.StartTask, int, error)
	Ack(ctx context.Context, taskID string) error
	Schedule(ctx context.Context, taskID string, runAt time.Time) error
	Depth(ctx context.Context) (ready, scheduled, inflight int64, err error)
}

// StartRunner performs one start task. *pipeline.Orchestrator implements it.
type StartRunner interface {
	RunStart(ctx context.Context, task models.StartTask) (pipeline.StartResult, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    TaskQueue
	runner   StartRunner
	log      *zap.Logger
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q TaskQueue, runner StartRunner, log *zap.Logger, workerID string) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		log:      log.With(zap.String("component", "worker"), zap.String("worker_id", workerID)),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("worker tick", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Tick promotes due tasks, reclaims expired leases and runs at most one task.
// It reports whether a task was taken.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := p.queue.PromoteScheduled(ctx, p.now(), batch); err != nil {
		return false, err
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, p.now(), batch); err == nil && len(reclaimed) > 0 {
		p.log.Info("reclaimed expired leases", zap.Strings("task_ids", reclaimed))
	}
	if ready, _, inflight, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(ready))
		telemetry.InFlightGauge.Set(float64(inflight))
	}

	taskID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}

	task, attempts, err := p.queue.Get(ctx, taskID)
	if errors.Is(err, models.ErrNotFound) {
		return true, p.queue.Ack(ctx, taskID)
	}
	if err != nil {
		return true, err
	}

	log := p.log.With(zap.String("task_id", taskID))
	release := p.keepLease(ctx, taskID)
	res, err := p.runner.RunStart(ctx, task)
	release()
	if err == nil {
		log.Debug("start task done", zap.String("result", string(res)))
		return true, p.queue.Ack(ctx, taskID)
	}

	attempts++
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		// the reconciliation sweep re-dispatches the start for a stuck item
		log.Error("start task abandoned", zap.Int("attempts", attempts), zap.Error(err))
		return true, p.queue.Ack(ctx, taskID)
	}
	nextRun := p.now().Add(pipeline.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	log.Warn("start task failed, rescheduled", zap.Int("attempts", attempts), zap.Time("next_run", nextRun), zap.Error(err))
	return true, p.queue.Schedule(ctx, taskID, nextRun)
}

// keepLease extends the task's visibility deadline while a slow vendor start
// runs, so another worker does not reclaim it mid-call.
func (p *Processor) keepLease(ctx context.Context, taskID string) func() {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, taskID, visibility); err != nil && ctx.Err() == nil {
					p.log.Warn("extend lease", zap.String("task_id", taskID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
