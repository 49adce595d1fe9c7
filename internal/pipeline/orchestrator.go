package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"content-pipeline/internal/drivers"
	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

// Store is the persistence the orchestrator needs. *store.Store implements it.
type Store interface {
	CreateItem(ctx context.Context, ref models.CandidateRef, maxRetries int) (models.WorkItem, error)
	GetItem(ctx context.Context, id string) (models.WorkItem, error)
	ListItems(ctx context.Context, stage models.Stage, limit int) ([]models.WorkItem, error)
	Transition(ctx context.Context, id string, from, to models.Stage, patch models.PayloadPatch) (models.WorkItem, error)
	RetryStage(ctx context.Context, id string, stage models.Stage, expectedRetries int, reason string) (models.WorkItem, error)
	MarkFailed(ctx context.Context, id, reason string) (models.WorkItem, error)
	ForceFail(ctx context.Context, id string, expected models.Stage, reason string) (models.WorkItem, error)
	ClaimStart(ctx context.Context, id string, step models.Step, attempt int, lease time.Duration) (bool, error)
	RecordHandle(ctx context.Context, h models.JobHandle, patch models.PayloadPatch) (models.WorkItem, error)
	ResolveHandle(ctx context.Context, vendor, handle string) (models.JobHandle, error)
	HandleForAttempt(ctx context.Context, workItemID string, step models.Step, attempt int) (models.JobHandle, error)
	AppendAudit(ctx context.Context, workItemID, event, detail string) error

	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) (models.Checkpoint, error)
	LoadCheckpoint(ctx context.Context, workItemID string) (models.Checkpoint, error)
	ListUnresolvedCheckpoints(ctx context.Context, olderThan time.Time, limit int) ([]models.Checkpoint, error)

	RecordDeadLetter(ctx context.Context, dl models.DeadLetter) (models.DeadLetter, error)
	OpenDeadLetter(ctx context.Context, dedupeKey string) (models.DeadLetter, error)
	EligibleCandidates(ctx context.Context) ([]models.CandidateRef, error)
}

// Rotation hands out candidates fairly. *rotation.Queue implements it.
type Rotation interface {
	Next(ctx context.Context) (models.CandidateEntry, error)
	ResetCycle(ctx context.Context) (int, error)
	Release(ctx context.Context, id string) error
	SyncPool(ctx context.Context, eligible []models.CandidateRef) (models.SyncResult, error)
}

// Dispatcher defers start work to the worker. *queue.RedisQueue implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, task models.StartTask, runAt time.Time) (bool, error)
	Cancel(ctx context.Context, taskID string) error
}

// Drivers looks stage drivers up. *drivers.Registry implements it.
type Drivers interface {
	ForStep(step models.Step) (drivers.Driver, bool)
	ForVendor(vendor string) (drivers.Driver, bool)
}

// Options tunes retry and reconciliation behaviour.
type Options struct {
	MaxRetries          int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	StartLease          time.Duration
	ReconcileStaleAfter time.Duration
	ReconcileBatch      int
	CallbackDedupeTTL   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = models.DefaultMaxRetries
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 30 * time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 15 * time.Minute
	}
	if o.StartLease <= 0 {
		o.StartLease = 5 * time.Minute
	}
	if o.ReconcileStaleAfter <= 0 {
		o.ReconcileStaleAfter = 10 * time.Minute
	}
	if o.ReconcileBatch <= 0 {
		o.ReconcileBatch = 200
	}
	if o.CallbackDedupeTTL <= 0 {
		o.CallbackDedupeTTL = 10 * time.Minute
	}
	return o
}

// Orchestrator sequences the stage drivers over the work item store. Every
// collaborator is injected at construction.
type Orchestrator struct {
	store    Store
	rotation Rotation
	dispatch Dispatcher
	drivers  Drivers
	seen     *cache.Cache
	opts     Options
	log      *zap.Logger
	now      func() time.Time
	backoff  func(base, max time.Duration, attempt int) time.Duration
}

func New(st Store, rot Rotation, dispatch Dispatcher, drv Drivers, opts Options, log *zap.Logger) *Orchestrator {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		rotation: rot,
		dispatch: dispatch,
		drivers:  drv,
		seen:     cache.New(opts.CallbackDedupeTTL, 2*opts.CallbackDedupeTTL),
		opts:     opts,
		log:      log.With(zap.String("component", "orchestrator")),
		now:      time.Now,
		backoff:  Backoff,
	}
}

// AdvanceResult reports what one trigger did.
type AdvanceResult struct {
	Advanced    bool             `json:"advanced"`
	Reason      string           `json:"reason,omitempty"`
	CandidateID string           `json:"candidate_id,omitempty"`
	CycleReset  int              `json:"cycle_reset,omitempty"`
	Item        *models.WorkItem `json:"item,omitempty"`
}

// Advance promotes the next candidate into a work item and enters step 1. An
// exhausted cycle is reset once before giving up.
func (o *Orchestrator) Advance(ctx context.Context) (AdvanceResult, error) {
	var res AdvanceResult
	entry, err := o.rotation.Next(ctx)
	if errors.Is(err, models.ErrEmpty) {
		n, rerr := o.rotation.ResetCycle(ctx)
		if rerr != nil {
			return res, rerr
		}
		if n == 0 {
			res.Reason = "pool_empty"
			return res, nil
		}
		telemetry.RotationResets.Inc()
		res.CycleReset = n
		o.log.Info("rotation cycle reset", zap.Int("eligible", n))
		entry, err = o.rotation.Next(ctx)
		if errors.Is(err, models.ErrEmpty) {
			res.Reason = "pool_empty"
			return res, nil
		}
	}
	if err != nil {
		return res, fmt.Errorf("next candidate: %w", err)
	}
	res.CandidateID = entry.Ref.ID

	item, err := o.store.CreateItem(ctx, entry.Ref, o.opts.MaxRetries)
	if errors.Is(err, models.ErrDuplicateActiveItem) {
		res.Reason = "candidate_active"
		return res, nil
	}
	if err != nil {
		if rerr := o.rotation.Release(ctx, entry.Ref.ID); rerr != nil {
			o.log.Warn("release candidate", zap.String("candidate_id", entry.Ref.ID), zap.Error(rerr))
		}
		return res, fmt.Errorf("create work item: %w", err)
	}
	telemetry.ItemsCreated.Inc()
	o.log.Info("work item created", zap.String("work_item_id", item.ID), zap.String("candidate_id", entry.Ref.ID))

	item, err = o.enterStep(ctx, item, models.StepGeneration)
	if err != nil {
		// the reconciliation sweep picks queued items up again
		o.log.Warn("enter first step", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	res.Advanced = true
	res.Item = &item
	return res, nil
}

// enterStep checkpoints the step, moves the item into its processing stage and
// dispatches the start task. The checkpoint is written first so a crash at any
// point leaves the sweep enough to finish the job.
func (o *Orchestrator) enterStep(ctx context.Context, item models.WorkItem, step models.Step) (models.WorkItem, error) {
	if _, err := o.store.SaveCheckpoint(ctx, models.Checkpoint{
		WorkItemID: item.ID,
		Step:       step,
		Stage:      step.ProcessingStage(),
		Payload:    item.Payload,
		MaxRetries: item.MaxRetries,
	}); err != nil {
		return item, fmt.Errorf("save checkpoint: %w", err)
	}

	updated, err := o.store.Transition(ctx, item.ID, step.EntryStage(), step.ProcessingStage(), models.PayloadPatch{})
	if errors.Is(err, models.ErrStaleTransition) {
		telemetry.StaleTransitions.Inc()
		return o.store.GetItem(ctx, item.ID)
	}
	if err != nil {
		return item, err
	}
	telemetry.Transitions.WithLabelValues(string(updated.Stage)).Inc()

	o.dispatchStart(ctx, models.StartTask{WorkItemID: updated.ID, Step: step, Attempt: updated.RetryCount}, time.Time{})
	return updated, nil
}

// dispatchStart queues a start task. A failed enqueue is only logged: the item
// already sits in its processing stage without a handle, which the sweep
// re-dispatches.
func (o *Orchestrator) dispatchStart(ctx context.Context, task models.StartTask, runAt time.Time) {
	if _, err := o.dispatch.Enqueue(ctx, task, runAt); err != nil {
		o.log.Warn("dispatch start", zap.String("work_item_id", task.WorkItemID), zap.Stringer("step", task.Step), zap.Error(err))
	}
}

// SyncPool reconciles the rotation pool with the candidate source table.
func (o *Orchestrator) SyncPool(ctx context.Context) (models.SyncResult, error) {
	refs, err := o.store.EligibleCandidates(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	res, err := o.rotation.SyncPool(ctx, refs)
	if err != nil {
		return models.SyncResult{}, err
	}
	o.log.Info("pool synced", zap.Int("added", res.Added), zap.Int("removed", res.Removed), zap.Int("total", res.Total))
	return res, nil
}

// GetItem returns one work item.
func (o *Orchestrator) GetItem(ctx context.Context, id string) (models.WorkItem, error) {
	return o.store.GetItem(ctx, id)
}

// ForceFail fails an item on behalf of an operator, provided it is still in
// the stage the operator saw. A concurrent transition makes it return
// ErrStaleTransition.
func (o *Orchestrator) ForceFail(ctx context.Context, id string, expected models.Stage, reason string) (models.WorkItem, error) {
	if reason == "" {
		reason = "force failed by operator"
	}
	item, err := o.store.ForceFail(ctx, id, expected, reason)
	if err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			telemetry.StaleTransitions.Inc()
		}
		return models.WorkItem{}, err
	}
	telemetry.Transitions.WithLabelValues(string(models.StageFailed)).Inc()
	if step, ok := models.StepForStage(expected); ok && expected.IsProcessing() {
		task := models.StartTask{WorkItemID: item.ID, Step: step, Attempt: item.RetryCount}
		if err := o.dispatch.Cancel(ctx, task.ID()); err != nil {
			o.log.Warn("cancel start task", zap.String("task_id", task.ID()), zap.Error(err))
		}
	}
	o.closeCheckpoint(ctx, item)
	o.log.Info("work item force failed", zap.String("work_item_id", id), zap.String("reason", reason))
	return item, nil
}

// Redrive starts a fresh work item for the candidate of a failed one. The
// failed item and its dead letters stay as they are.
func (o *Orchestrator) Redrive(ctx context.Context, id string) (models.WorkItem, error) {
	old, err := o.store.GetItem(ctx, id)
	if err != nil {
		return models.WorkItem{}, err
	}
	if old.Stage != models.StageFailed {
		return models.WorkItem{}, fmt.Errorf("%w: only failed items can be re-driven, %s is %s", models.ErrInvalidTransition, id, old.Stage)
	}
	item, err := o.store.CreateItem(ctx, old.Payload.Source, o.opts.MaxRetries)
	if err != nil {
		return models.WorkItem{}, err
	}
	telemetry.ItemsCreated.Inc()
	if err := o.store.AppendAudit(ctx, old.ID, "redriven", "new_item="+item.ID); err != nil {
		o.log.Warn("append audit", zap.String("work_item_id", old.ID), zap.Error(err))
	}
	if err := o.store.AppendAudit(ctx, item.ID, "redrive_of", "item="+old.ID); err != nil {
		o.log.Warn("append audit", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	o.log.Info("work item re-driven", zap.String("work_item_id", old.ID), zap.String("new_item_id", item.ID))

	item, err = o.enterStep(ctx, item, models.StepGeneration)
	if err != nil {
		o.log.Warn("enter first step", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	return item, nil
}

// closeCheckpoint records a terminal item so the sweep stops listing it.
func (o *Orchestrator) closeCheckpoint(ctx context.Context, item models.WorkItem) {
	cp, err := o.store.LoadCheckpoint(ctx, item.ID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			o.log.Warn("load checkpoint", zap.String("work_item_id", item.ID), zap.Error(err))
			return
		}
		cp = models.Checkpoint{WorkItemID: item.ID, Step: models.StepGeneration, MaxRetries: item.MaxRetries}
	}
	cp.Stage = item.Stage
	cp.Payload = item.Payload
	if item.LastError != nil {
		cp.LastError = *item.LastError
	}
	if _, err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		o.log.Warn("close checkpoint", zap.String("work_item_id", item.ID), zap.Error(err))
	}
}
