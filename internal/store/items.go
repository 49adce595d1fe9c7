package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-pipeline/internal/models"
)

const itemColumns = `id, candidate_id, stage, payload, external_job_handles, retry_count, max_retries, last_error, start_claimed_at, created_at, updated_at`

func scanItem(row pgx.Row) (models.WorkItem, error) {
	var (
		item        models.WorkItem
		stage       string
		payloadJSON []byte
		handlesJSON []byte
		lastErr     pgtype.Text
		claimedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&item.ID, &item.CandidateID, &stage, &payloadJSON, &handlesJSON, &item.RetryCount, &item.MaxRetries, &lastErr, &claimedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.WorkItem{}, err
	}
	item.Stage = models.Stage(stage)
	if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(handlesJSON, &item.ExternalJobHandles); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal job handles: %w", err)
	}
	if item.ExternalJobHandles == nil {
		item.ExternalJobHandles = map[string]string{}
	}
	item.LastError = textPtr(lastErr)
	item.StartClaimedAt = timePtr(claimedAt)
	return item, nil
}

// CreateItem inserts a queued work item for the candidate. It fails with
// ErrDuplicateActiveItem while the candidate has a non-terminal item.
func (s *Store) CreateItem(ctx context.Context, ref models.CandidateRef, maxRetries int) (models.WorkItem, error) {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	payloadJSON, err := marshalJSON(models.Payload{Source: ref})
	if err != nil {
		return models.WorkItem{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := s.now()
	item, err := scanItem(tx.QueryRow(ctx, `
		INSERT INTO work_items (id, candidate_id, stage, payload, external_job_handles, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, 0, $5, $6, $6)
		RETURNING `+itemColumns,
		id, ref.ID, string(models.StageQueued), payloadJSON, maxRetries, now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.WorkItem{}, fmt.Errorf("candidate %s: %w", ref.ID, models.ErrDuplicateActiveItem)
		}
		return models.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	if err := appendAudit(ctx, tx, id, "created", "candidate="+ref.ID); err != nil {
		return models.WorkItem{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WorkItem{}, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

// GetItem fetches a work item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.WorkItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, id))
	if err != nil {
		return models.WorkItem{}, notFound(err, "work item "+id)
	}
	return item, nil
}

// ListItems returns items in the given stage (all stages when empty), newest first.
func (s *Store) ListItems(ctx context.Context, stage models.Stage, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE ($1 = '' OR stage = $1)
		ORDER BY updated_at DESC LIMIT $2
	`, string(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()
	var out []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Transition moves an item from one stage to the next, merging patch into its
// payload. The stored stage must equal from, otherwise ErrStaleTransition is
// returned and nothing changes.
func (s *Store) Transition(ctx context.Context, id string, from, to models.Stage, patch models.PayloadPatch) (models.WorkItem, error) {
	if err := models.CanTransition(from, to); err != nil {
		return models.WorkItem{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.WorkItem{}, notFound(err, "work item "+id)
	}
	if item.Stage != from {
		return models.WorkItem{}, fmt.Errorf("work item %s is %s, not %s: %w", id, item.Stage, from, models.ErrStaleTransition)
	}

	payloadJSON, err := marshalJSON(item.Payload.Apply(patch))
	if err != nil {
		return models.WorkItem{}, err
	}
	// finishing a step resets its retry budget and clears the last error
	resetRetries := to != models.StageFailed && !to.IsProcessing()
	updated, err := scanItem(tx.QueryRow(ctx, `
		UPDATE work_items
		SET stage = $2,
		    payload = $3,
		    retry_count = CASE WHEN $4 THEN 0 ELSE retry_count END,
		    last_error = CASE WHEN $5 THEN last_error ELSE NULL END,
		    start_claimed_at = NULL,
		    updated_at = $6
		WHERE id = $1
		RETURNING `+itemColumns,
		id, string(to), payloadJSON, resetRetries, to == models.StageFailed, s.now()))
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("update work item: %w", err)
	}
	if err := appendAudit(ctx, tx, id, "transitioned", fmt.Sprintf("%s -> %s", from, to)); err != nil {
		return models.WorkItem{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WorkItem{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// RetryStage records a failed attempt of the current step: the stage stays,
// retry_count increments and the step's handle is cleared so a new start can be
// claimed. expectedRetries guards against a duplicate failure being counted twice.
func (s *Store) RetryStage(ctx context.Context, id string, stage models.Stage, expectedRetries int, reason string) (models.WorkItem, error) {
	step, ok := models.StepForStage(stage)
	if !ok || !stage.IsProcessing() {
		return models.WorkItem{}, fmt.Errorf("%w: cannot retry in %s", models.ErrInvalidTransition, stage)
	}
	item, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET retry_count = retry_count + 1,
		    last_error = $4,
		    external_job_handles = external_job_handles - $5::text,
		    start_claimed_at = NULL,
		    updated_at = $6
		WHERE id = $1 AND stage = $2 AND retry_count = $3
		RETURNING `+itemColumns,
		id, string(stage), expectedRetries, reason, step.String(), s.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkItem{}, s.conflictOrMissing(ctx, id)
		}
		return models.WorkItem{}, fmt.Errorf("retry work item: %w", err)
	}
	_ = appendAudit(ctx, s.pool, id, "retry_scheduled", fmt.Sprintf("step=%s retries=%d reason=%s", step, item.RetryCount, reason))
	return item, nil
}

// MarkFailed moves any non-terminal item to failed. Failing an item that is
// already failed is a no-op; a completed item yields ErrStaleTransition.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (models.WorkItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET stage = $2, last_error = $3, start_claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND stage NOT IN ('completed', 'failed')
		RETURNING `+itemColumns,
		id, string(models.StageFailed), reason, s.now()))
	if err == nil {
		_ = appendAudit(ctx, s.pool, id, "failed", reason)
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("fail work item: %w", err)
	}
	current, err := s.GetItem(ctx, id)
	if err != nil {
		return models.WorkItem{}, err
	}
	if current.Stage == models.StageFailed {
		return current, nil
	}
	return models.WorkItem{}, fmt.Errorf("work item %s is %s: %w", id, current.Stage, models.ErrStaleTransition)
}

// ForceFail fails an item only if it is still in the stage the operator saw.
func (s *Store) ForceFail(ctx context.Context, id string, expected models.Stage, reason string) (models.WorkItem, error) {
	if err := models.CanTransition(expected, models.StageFailed); err != nil {
		return models.WorkItem{}, err
	}
	item, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET stage = $3, last_error = $4, start_claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND stage = $2
		RETURNING `+itemColumns,
		id, string(expected), string(models.StageFailed), reason, s.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkItem{}, s.conflictOrMissing(ctx, id)
		}
		return models.WorkItem{}, fmt.Errorf("force fail work item: %w", err)
	}
	_ = appendAudit(ctx, s.pool, id, "force_failed", reason)
	return item, nil
}

// ClaimStart takes the right to call the vendor for one step attempt. It
// succeeds only while the item sits in the step's processing stage at that
// attempt, no handle is recorded yet and no other claim is younger than lease.
func (s *Store) ClaimStart(ctx context.Context, id string, step models.Step, attempt int, lease time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET start_claimed_at = $5, updated_at = $5
		WHERE id = $1 AND stage = $2 AND retry_count = $3
		  AND NOT (external_job_handles ? $4)
		  AND (start_claimed_at IS NULL OR start_claimed_at < $6)
	`, id, string(step.ProcessingStage()), attempt, step.String(), now, now.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("claim start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_ = appendAudit(ctx, s.pool, id, "start_claimed", fmt.Sprintf("step=%s attempt=%d", step, attempt))
	return true, nil
}

// RecordHandle indexes a vendor job handle and attaches it to the item. The
// index row is always written so a late callback can still be correlated; the
// item itself is only updated if it is still waiting on that attempt, otherwise
// ErrStaleTransition is returned.
func (s *Store) RecordHandle(ctx context.Context, h models.JobHandle, patch models.PayloadPatch) (models.WorkItem, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO job_handles (vendor, handle, work_item_id, step, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vendor, handle) DO NOTHING
	`, h.Vendor, h.Handle, h.WorkItemID, int(h.Step), h.Attempt, s.now()); err != nil {
		return models.WorkItem{}, fmt.Errorf("insert job handle: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, h.WorkItemID))
	if err != nil {
		return models.WorkItem{}, notFound(err, "work item "+h.WorkItemID)
	}
	if item.Stage != h.Step.ProcessingStage() || item.RetryCount != h.Attempt {
		return models.WorkItem{}, fmt.Errorf("work item %s moved on (%s, attempt %d): %w", item.ID, item.Stage, item.RetryCount, models.ErrStaleTransition)
	}
	handles := make(map[string]string, len(item.ExternalJobHandles)+1)
	for k, v := range item.ExternalJobHandles {
		handles[k] = v
	}
	handles[h.Step.String()] = h.Handle
	handlesJSON, err := marshalJSON(handles)
	if err != nil {
		return models.WorkItem{}, err
	}
	payloadJSON, err := marshalJSON(item.Payload.Apply(patch))
	if err != nil {
		return models.WorkItem{}, err
	}
	updated, err := scanItem(tx.QueryRow(ctx, `
		UPDATE work_items
		SET external_job_handles = $2, payload = $3, start_claimed_at = NULL, updated_at = $4
		WHERE id = $1
		RETURNING `+itemColumns,
		item.ID, handlesJSON, payloadJSON, s.now()))
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("record handle: %w", err)
	}
	if err := appendAudit(ctx, tx, item.ID, "handle_recorded", fmt.Sprintf("vendor=%s step=%s handle=%s", h.Vendor, h.Step, h.Handle)); err != nil {
		return models.WorkItem{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WorkItem{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// ResolveHandle looks a vendor job handle up in the reverse index.
func (s *Store) ResolveHandle(ctx context.Context, vendor, handle string) (models.JobHandle, error) {
	var (
		h    models.JobHandle
		step int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT vendor, handle, work_item_id, step, attempt, created_at
		FROM job_handles WHERE vendor = $1 AND handle = $2
	`, vendor, handle).Scan(&h.Vendor, &h.Handle, &h.WorkItemID, &step, &h.Attempt, &h.CreatedAt)
	if err != nil {
		return models.JobHandle{}, notFound(err, "job handle "+vendor+"/"+handle)
	}
	h.Step = models.Step(step)
	return h, nil
}

// HandleForAttempt finds the indexed handle of one step attempt, covering a
// crash between indexing the handle and attaching it to the item.
func (s *Store) HandleForAttempt(ctx context.Context, workItemID string, step models.Step, attempt int) (models.JobHandle, error) {
	var (
		h       models.JobHandle
		stepNum int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT vendor, handle, work_item_id, step, attempt, created_at
		FROM job_handles WHERE work_item_id = $1 AND step = $2 AND attempt = $3
		ORDER BY created_at DESC LIMIT 1
	`, workItemID, int(step), attempt).Scan(&h.Vendor, &h.Handle, &h.WorkItemID, &stepNum, &h.Attempt, &h.CreatedAt)
	if err != nil {
		return models.JobHandle{}, notFound(err, fmt.Sprintf("job handle for %s/%s/%d", workItemID, step, attempt))
	}
	h.Step = models.Step(stepNum)
	return h, nil
}

func (s *Store) conflictOrMissing(ctx context.Context, id string) error {
	current, err := s.GetItem(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("work item %s is %s at attempt %d: %w", id, current.Stage, current.RetryCount, models.ErrStaleTransition)
}
