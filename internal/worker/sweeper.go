package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"content-pipeline/internal/config"
	"content-pipeline/internal/pipeline"
)

// Reconciler runs one recovery sweep. *pipeline.Orchestrator implements it.
type Reconciler interface {
	Reconcile(ctx context.Context) (pipeline.ReconcileReport, error)
}

// Purger drops resolved dead letters past retention. *store.Store implements it.
type Purger interface {
	PurgeDeadLetters(ctx context.Context, olderThan time.Duration, includeUnresolved bool) (int64, error)
}

// Sweeper runs the periodic maintenance jobs on cron schedules. Overlapping
// runs of the same job are skipped.
type Sweeper struct {
	cron *cron.Cron
	log  *zap.Logger
}

func NewSweeper(cfg config.Config, rec Reconciler, purger Purger, log *zap.Logger) (*Sweeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "sweeper"))
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))

	if _, err := c.AddFunc(cfg.ReconcileSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := rec.Reconcile(ctx); err != nil {
			log.Warn("reconcile sweep", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", cfg.ReconcileSchedule, err)
	}

	if purger != nil && cfg.DLQRetention > 0 {
		if _, err := c.AddFunc(cfg.DLQPurgeSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := purger.PurgeDeadLetters(ctx, cfg.DLQRetention, false)
			if err != nil {
				log.Warn("dead letter purge", zap.Error(err))
				return
			}
			if n > 0 {
				log.Info("dead letters purged", zap.Int64("count", n), zap.Duration("retention", cfg.DLQRetention))
			}
		}); err != nil {
			return nil, fmt.Errorf("purge schedule %q: %w", cfg.DLQPurgeSchedule, err)
		}
	}
	return &Sweeper{cron: c, log: log}, nil
}

// Jobs returns how many jobs are scheduled.
func (s *Sweeper) Jobs() int {
	return len(s.cron.Entries())
}

// Run blocks until ctx is done, then waits for running jobs to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("sweeper started", zap.Int("jobs", s.Jobs()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
