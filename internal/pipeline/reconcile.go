package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"content-pipeline/internal/drivers"
	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

// Reconciliation actions, also used as metric labels.
const (
	ActionClosed          = "closed"
	ActionStepEntered     = "step_entered"
	ActionStatusApplied   = "status_applied"
	ActionStillProcessing = "still_processing"
	ActionStatusError     = "status_error"
	ActionHandleRestored  = "handle_restored"
	ActionStartInFlight   = "start_in_flight"
	ActionStartDispatched = "start_dispatched"
	ActionError           = "error"
)

// ReconcileReport counts what one sweep did.
type ReconcileReport struct {
	Scanned int            `json:"scanned"`
	Actions map[string]int `json:"actions"`
}

func (r *ReconcileReport) add(action string) {
	r.Scanned++
	r.Actions[action]++
	telemetry.ReconcileActions.WithLabelValues(action).Inc()
}

// Reconcile re-verifies every non-terminal item whose checkpoint has not moved
// for ReconcileStaleAfter, plus queued items that never got a checkpoint. The
// item's stage is authoritative: the checkpoint only tells the sweep where to
// look. Items waiting on a vendor are checked with a status query instead of
// being restarted.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Actions: map[string]int{}}
	cutoff := o.now().Add(-o.opts.ReconcileStaleAfter)

	cps, err := o.store.ListUnresolvedCheckpoints(ctx, cutoff, o.opts.ReconcileBatch)
	if err != nil {
		return report, err
	}
	visited := make(map[string]struct{}, len(cps))
	for i := range cps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cp := cps[i]
		visited[cp.WorkItemID] = struct{}{}
		item, err := o.store.GetItem(ctx, cp.WorkItemID)
		if err != nil {
			o.log.Warn("reconcile load item", zap.String("work_item_id", cp.WorkItemID), zap.Error(err))
			report.add(ActionError)
			continue
		}
		report.add(o.reconcileItem(ctx, item, &cp))
	}

	queued, err := o.store.ListItems(ctx, models.StageQueued, o.opts.ReconcileBatch)
	if err != nil {
		return report, err
	}
	for _, item := range queued {
		if _, ok := visited[item.ID]; ok || item.UpdatedAt.After(cutoff) {
			continue
		}
		report.add(o.reconcileItem(ctx, item, nil))
	}

	if report.Scanned > 0 {
		o.log.Info("reconcile sweep finished", zap.Int("scanned", report.Scanned), zap.Any("actions", report.Actions))
	}
	return report, nil
}

func (o *Orchestrator) reconcileItem(ctx context.Context, item models.WorkItem, cp *models.Checkpoint) string {
	log := o.log.With(zap.String("work_item_id", item.ID), zap.String("stage", string(item.Stage)))

	switch {
	case item.Stage.IsTerminal():
		o.closeCheckpoint(ctx, item)
		return ActionClosed

	case item.Stage == models.StageQueued:
		if _, err := o.enterStep(ctx, item, models.StepGeneration); err != nil {
			log.Warn("reconcile enter step", zap.Error(err))
			return ActionError
		}
		return ActionStepEntered

	case !item.Stage.IsProcessing():
		step, _ := models.StepForStage(item.Stage)
		next, ok := step.Next()
		if !ok {
			return ActionError
		}
		if _, err := o.enterStep(ctx, item, next); err != nil {
			log.Warn("reconcile enter step", zap.Stringer("step", next), zap.Error(err))
			return ActionError
		}
		return ActionStepEntered
	}

	step, _ := models.StepForStage(item.Stage)
	drv, ok := o.drivers.ForStep(step)
	if !ok {
		log.Error("no driver for step", zap.Stringer("step", step))
		return ActionError
	}

	if handle, ok := item.Handle(step); ok {
		return o.reconcileStatus(ctx, item, cp, drv, step, handle)
	}

	h, err := o.store.HandleForAttempt(ctx, item.ID, step, item.RetryCount)
	switch {
	case err == nil:
		if _, err := o.store.RecordHandle(ctx, h, models.PayloadPatch{}); err != nil {
			log.Warn("restore handle", zap.String("handle", h.Handle), zap.Error(err))
			return ActionError
		}
		log.Info("job handle restored", zap.String("handle", h.Handle))
		return ActionHandleRestored
	case !errors.Is(err, models.ErrNotFound):
		log.Warn("look up handle", zap.Error(err))
		return ActionError
	}

	if item.StartClaimedAt != nil && o.now().Sub(*item.StartClaimedAt) < o.opts.StartLease {
		o.touch(ctx, cp)
		return ActionStartInFlight
	}
	o.dispatchStart(ctx, models.StartTask{WorkItemID: item.ID, Step: step, Attempt: item.RetryCount}, o.now())
	o.touch(ctx, cp)
	log.Info("start re-dispatched", zap.Stringer("step", step), zap.Int("attempt", item.RetryCount))
	return ActionStartDispatched
}

func (o *Orchestrator) reconcileStatus(ctx context.Context, item models.WorkItem, cp *models.Checkpoint, drv drivers.Driver, step models.Step, handle string) string {
	in, err := drv.Status(ctx, handle)
	if err != nil {
		o.log.Warn("status query", zap.String("work_item_id", item.ID), zap.String("handle", handle), zap.Error(err))
		o.touch(ctx, cp)
		return ActionStatusError
	}
	in.Handle = handle
	res, err := o.applyOutcome(ctx, models.JobHandle{
		Vendor:     drv.Vendor(),
		Handle:     handle,
		WorkItemID: item.ID,
		Step:       step,
		Attempt:    item.RetryCount,
	}, in, "")
	if err != nil {
		o.log.Warn("apply status", zap.String("work_item_id", item.ID), zap.Error(err))
		return ActionError
	}
	if res == CallbackPending {
		o.touch(ctx, cp)
		return ActionStillProcessing
	}
	return ActionStatusApplied
}

// touch re-saves a checkpoint so the oldest-first sweep moves on to other items.
func (o *Orchestrator) touch(ctx context.Context, cp *models.Checkpoint) {
	if cp == nil {
		return
	}
	if _, err := o.store.SaveCheckpoint(ctx, *cp); err != nil {
		o.log.Warn("touch checkpoint", zap.String("work_item_id", cp.WorkItemID), zap.Error(err))
	}
}
