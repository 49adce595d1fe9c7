package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"content-pipeline/internal/drivers"
	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

// StartResult describes what RunStart did with a task.
type StartResult string

const (
	StartDispatched     StartResult = "started"
	StartDropped        StartResult = "dropped"
	StartRetryScheduled StartResult = "retry_scheduled"
	StartFailed         StartResult = "failed"
)

// RunStart performs the vendor call for one step attempt. Tasks that no longer
// match the item (moved on, superseded, already started, claimed elsewhere)
// are dropped. A returned error means the task should be retried as is; vendor
// failures are handled here and never returned.
func (o *Orchestrator) RunStart(ctx context.Context, task models.StartTask) (StartResult, error) {
	log := o.log.With(zap.String("work_item_id", task.WorkItemID), zap.Stringer("step", task.Step), zap.Int("attempt", task.Attempt))

	item, err := o.store.GetItem(ctx, task.WorkItemID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("start task for unknown work item")
		return StartDropped, nil
	}
	if err != nil {
		return "", err
	}
	if item.Stage != task.Step.ProcessingStage() || item.RetryCount != task.Attempt {
		log.Debug("start task superseded", zap.String("stage", string(item.Stage)), zap.Int("retry_count", item.RetryCount))
		return StartDropped, nil
	}
	if _, ok := item.Handle(task.Step); ok {
		return StartDropped, nil
	}

	drv, ok := o.drivers.ForStep(task.Step)
	if !ok {
		return "", fmt.Errorf("no driver for step %s", task.Step)
	}

	claimed, err := o.store.ClaimStart(ctx, item.ID, task.Step, task.Attempt, o.opts.StartLease)
	if err != nil {
		return "", err
	}
	if !claimed {
		log.Debug("start already claimed")
		return StartDropped, nil
	}

	res, err := drv.Start(ctx, item)
	if err != nil {
		var verr *drivers.VendorError
		if errors.As(err, &verr) && verr.Kind == drivers.KindRejected {
			telemetry.StageStarts.WithLabelValues(task.Step.String(), "rejected").Inc()
			log.Warn("vendor rejected start", zap.String("vendor", drv.Vendor()), zap.Error(err))
			if ferr := o.failItem(ctx, item, drv.Vendor(), models.KindVendorRejected, err.Error(), ""); ferr != nil {
				return "", ferr
			}
			return StartFailed, nil
		}
		telemetry.StageStarts.WithLabelValues(task.Step.String(), "error").Inc()
		log.Warn("vendor start failed", zap.String("vendor", drv.Vendor()), zap.Error(err))
		out, ferr := o.handleFailure(ctx, item, drv.Vendor(), err.Error(), "")
		if ferr != nil {
			return "", ferr
		}
		if out == CallbackFailed {
			return StartFailed, nil
		}
		return StartRetryScheduled, nil
	}

	telemetry.StageStarts.WithLabelValues(task.Step.String(), "started").Inc()
	_, err = o.store.RecordHandle(ctx, models.JobHandle{
		Vendor:     drv.Vendor(),
		Handle:     res.Handle,
		WorkItemID: item.ID,
		Step:       task.Step,
		Attempt:    task.Attempt,
	}, res.Patch)
	if errors.Is(err, models.ErrStaleTransition) {
		// the handle stays indexed, a late callback is still correlated
		telemetry.StaleTransitions.Inc()
		log.Info("work item moved on while starting", zap.String("handle", res.Handle))
		return StartDispatched, nil
	}
	if err != nil {
		// the reverse index row may exist; reconcile re-attaches it
		log.Error("record handle", zap.String("handle", res.Handle), zap.Error(err))
		return StartDispatched, nil
	}
	log.Info("external job started", zap.String("vendor", drv.Vendor()), zap.String("handle", res.Handle))
	return StartDispatched, nil
}
