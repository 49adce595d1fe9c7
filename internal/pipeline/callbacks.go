package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"content-pipeline/internal/drivers"
	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

// ErrUnknownVendor is returned for callbacks addressed to a vendor with no driver.
var ErrUnknownVendor = errors.New("unknown vendor")

// CallbackResult is the acknowledgement of one inbound callback. Every value
// is a success from the vendor's point of view.
type CallbackResult string

const (
	CallbackAdvanced       CallbackResult = "advanced"
	CallbackCompleted      CallbackResult = "completed"
	CallbackPending        CallbackResult = "pending"
	CallbackRetryScheduled CallbackResult = "retry_scheduled"
	CallbackFailed         CallbackResult = "failed"
	CallbackDuplicate      CallbackResult = "duplicate"
	CallbackUnmatched      CallbackResult = "unmatched"
	CallbackInvalid        CallbackResult = "invalid"
	CallbackIgnored        CallbackResult = "ignored"
)

// HandleCallback correlates a vendor notification to its work item and applies
// it. Only persistence failures are returned as errors; the caller should then
// answer 5xx so the vendor redelivers.
func (o *Orchestrator) HandleCallback(ctx context.Context, vendor string, raw []byte) (CallbackResult, error) {
	drv, ok := o.drivers.ForVendor(vendor)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVendor, vendor)
	}
	res, err := o.handleCallback(ctx, drv, raw)
	if err != nil {
		telemetry.CallbacksTotal.WithLabelValues(vendor, "error").Inc()
		return "", err
	}
	telemetry.CallbacksTotal.WithLabelValues(vendor, string(res)).Inc()
	return res, nil
}

func (o *Orchestrator) handleCallback(ctx context.Context, drv drivers.Driver, raw []byte) (CallbackResult, error) {
	digest := callbackDigest(drv.Vendor(), raw)
	if _, seen := o.seen.Get(digest); seen {
		return CallbackDuplicate, nil
	}

	in, err := drv.Interpret(raw)
	if err != nil {
		o.log.Warn("uninterpretable callback", zap.String("vendor", drv.Vendor()), zap.Error(err))
		_, derr := o.deadLetter(ctx, models.DeadLetter{
			DedupeKey: "raw:" + drv.Vendor() + ":" + digest,
			Step:      drv.Step(),
			Vendor:    drv.Vendor(),
			Kind:      models.KindInterpretError,
			Raw:       string(raw),
			Reason:    err.Error(),
		})
		if derr != nil {
			return "", derr
		}
		o.seen.Set(digest, struct{}{}, cache.DefaultExpiration)
		return CallbackInvalid, nil
	}

	h, err := o.store.ResolveHandle(ctx, drv.Vendor(), in.Handle)
	if errors.Is(err, models.ErrNotFound) {
		o.log.Warn("unmatched callback", zap.String("vendor", drv.Vendor()), zap.String("handle", in.Handle))
		_, derr := o.deadLetter(ctx, models.DeadLetter{
			DedupeKey: models.DeadLetterKeyForHandle(drv.Vendor(), in.Handle),
			Step:      drv.Step(),
			Vendor:    drv.Vendor(),
			Kind:      models.KindUnmatchedCallback,
			Raw:       string(raw),
			Reason:    models.ErrUnmatchedCallback.Error(),
		})
		if derr != nil {
			return "", derr
		}
		return CallbackUnmatched, nil
	}
	if err != nil {
		return "", err
	}

	res, err := o.applyOutcome(ctx, h, in, string(raw))
	if err != nil {
		return "", err
	}
	if res != CallbackPending {
		o.seen.Set(digest, struct{}{}, cache.DefaultExpiration)
	}
	return res, nil
}

func callbackDigest(vendor string, raw []byte) string {
	sum := sha256.Sum256(append([]byte(vendor+"\x00"), raw...))
	return hex.EncodeToString(sum[:])
}

// applyOutcome moves the item according to an interpreted vendor result. It is
// shared by callbacks and reconciliation status queries.
func (o *Orchestrator) applyOutcome(ctx context.Context, h models.JobHandle, in drivers.Interpretation, raw string) (CallbackResult, error) {
	log := o.log.With(zap.String("work_item_id", h.WorkItemID), zap.Stringer("step", h.Step), zap.String("handle", h.Handle))

	item, err := o.store.GetItem(ctx, h.WorkItemID)
	if err != nil {
		return "", err
	}

	switch in.Outcome {
	case drivers.OutcomeStillProcessing:
		return CallbackPending, nil

	case drivers.OutcomeSuccess:
		if item.Stage == h.Step.ProcessingStage() && o.superseded(item, h) {
			log.Info("success for superseded attempt ignored", zap.Int("retry_count", item.RetryCount))
			return CallbackIgnored, nil
		}
		updated, err := o.store.Transition(ctx, item.ID, h.Step.ProcessingStage(), h.Step.DoneStage(), in.Patch)
		if errors.Is(err, models.ErrStaleTransition) {
			telemetry.StaleTransitions.Inc()
			log.Info("stale success ignored", zap.String("stage", string(item.Stage)))
			return CallbackDuplicate, nil
		}
		if err != nil {
			return "", err
		}
		telemetry.Transitions.WithLabelValues(string(updated.Stage)).Inc()
		if updated.Stage == models.StageCompleted {
			o.closeCheckpoint(ctx, updated)
			log.Info("work item completed")
			return CallbackCompleted, nil
		}
		next, _ := h.Step.Next()
		if _, err := o.enterStep(ctx, updated, next); err != nil {
			// the done stage is durable, the sweep enters the next step
			log.Warn("enter next step", zap.Stringer("next", next), zap.Error(err))
		}
		return CallbackAdvanced, nil

	case drivers.OutcomeFailure:
		if item.Stage == models.StageFailed {
			return o.repeatFailure(ctx, item, h, in, raw)
		}
		if item.Stage != h.Step.ProcessingStage() || o.superseded(item, h) {
			log.Info("failure for superseded attempt ignored", zap.String("stage", string(item.Stage)))
			return CallbackIgnored, nil
		}
		out, err := o.handleFailure(ctx, item, h.Vendor, in.Reason, raw)
		if err != nil {
			return "", err
		}
		return out, nil
	}
	return "", fmt.Errorf("unknown outcome %q", in.Outcome)
}

// repeatFailure counts a redelivered failure of the attempt that failed the
// item against that step's open DLQ entry, keeping the entry's kind. Failures
// for other steps or attempts, or for items failed without an entry, are
// ignored.
func (o *Orchestrator) repeatFailure(ctx context.Context, item models.WorkItem, h models.JobHandle, in drivers.Interpretation, raw string) (CallbackResult, error) {
	log := o.log.With(zap.String("work_item_id", item.ID), zap.Stringer("step", h.Step), zap.String("handle", h.Handle))
	if o.superseded(item, h) {
		log.Info("failure for superseded attempt of failed item ignored")
		return CallbackIgnored, nil
	}
	key := models.DeadLetterKeyForItem(item.ID, h.Step)
	open, err := o.store.OpenDeadLetter(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("failure for failed item without an open dead letter ignored")
		return CallbackIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if _, err := o.deadLetter(ctx, models.DeadLetter{
		DedupeKey:  key,
		WorkItemID: item.ID,
		Step:       h.Step,
		Vendor:     h.Vendor,
		Kind:       open.Kind,
		Raw:        raw,
		Reason:     in.Reason,
	}); err != nil {
		return "", err
	}
	return CallbackDuplicate, nil
}

// superseded reports whether a handle belongs to an earlier attempt, or to a
// start other than the one attached to the item.
func (o *Orchestrator) superseded(item models.WorkItem, h models.JobHandle) bool {
	if h.Attempt != item.RetryCount {
		return true
	}
	current, ok := item.Handle(h.Step)
	return ok && current != h.Handle
}

// handleFailure spends one unit of the retry budget. With budget left the same
// step is started again after a backoff; otherwise the item fails and lands in
// the DLQ.
func (o *Orchestrator) handleFailure(ctx context.Context, item models.WorkItem, vendor, reason, raw string) (CallbackResult, error) {
	step, ok := models.StepForStage(item.Stage)
	if !ok {
		return "", fmt.Errorf("%w: %s has no step", models.ErrInvalidTransition, item.Stage)
	}
	if reason == "" {
		reason = step.String() + " failed"
	}
	cp := models.Checkpoint{
		WorkItemID: item.ID,
		Step:       step,
		Stage:      item.Stage,
		Payload:    item.Payload,
		Retries:    item.RetryCount + 1,
		MaxRetries: item.MaxRetries,
		LastError:  reason,
	}
	if !cp.CanRetry() {
		o.log.Warn("retry budget exhausted", zap.String("work_item_id", item.ID), zap.Stringer("step", step), zap.Int("failures", cp.Retries))
		if err := o.failItem(ctx, item, vendor, models.KindRetryBudgetExhausted, reason, raw); err != nil {
			return "", err
		}
		return CallbackFailed, nil
	}

	updated, err := o.store.RetryStage(ctx, item.ID, item.Stage, item.RetryCount, reason)
	if errors.Is(err, models.ErrStaleTransition) {
		telemetry.StaleTransitions.Inc()
		return CallbackDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	if _, err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		o.log.Warn("save retry checkpoint", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	delay := o.backoff(o.opts.BackoffInitial, o.opts.BackoffMax, updated.RetryCount)
	o.dispatchStart(ctx, models.StartTask{WorkItemID: item.ID, Step: step, Attempt: updated.RetryCount}, o.now().Add(delay))
	o.log.Info("retry scheduled",
		zap.String("work_item_id", item.ID),
		zap.Stringer("step", step),
		zap.Int("retry_count", updated.RetryCount),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	return CallbackRetryScheduled, nil
}

// failItem marks the item failed, closes its checkpoint and writes the DLQ
// entry for the step.
func (o *Orchestrator) failItem(ctx context.Context, item models.WorkItem, vendor string, kind models.DeadLetterKind, reason, raw string) error {
	step, _ := models.StepForStage(item.Stage)
	failed, err := o.store.MarkFailed(ctx, item.ID, reason)
	if errors.Is(err, models.ErrStaleTransition) {
		telemetry.StaleTransitions.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	telemetry.Transitions.WithLabelValues(string(models.StageFailed)).Inc()
	o.closeCheckpoint(ctx, failed)
	_, err = o.deadLetter(ctx, models.DeadLetter{
		DedupeKey:  models.DeadLetterKeyForItem(item.ID, step),
		WorkItemID: item.ID,
		Step:       step,
		Vendor:     vendor,
		Kind:       kind,
		Raw:        raw,
		Reason:     reason,
	})
	return err
}

func (o *Orchestrator) deadLetter(ctx context.Context, dl models.DeadLetter) (models.DeadLetter, error) {
	rec, err := o.store.RecordDeadLetter(ctx, dl)
	if err != nil {
		return rec, fmt.Errorf("record dead letter: %w", err)
	}
	telemetry.DeadLetters.WithLabelValues(string(dl.Kind)).Inc()
	o.log.Warn("dead letter recorded",
		zap.String("dedupe_key", rec.DedupeKey),
		zap.String("kind", string(rec.Kind)),
		zap.Int("occurrences", rec.Occurrences),
	)
	return rec, nil
}
