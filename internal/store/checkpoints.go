package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"content-pipeline/internal/models"
)

const checkpointColumns = `work_item_id, step, stage, payload, retries, max_retries, last_error, saved_at`

func scanCheckpoint(row pgx.Row) (models.Checkpoint, error) {
	var (
		cp          models.Checkpoint
		step        int
		stage       string
		payloadJSON []byte
	)
	if err := row.Scan(&cp.WorkItemID, &step, &stage, &payloadJSON, &cp.Retries, &cp.MaxRetries, &cp.LastError, &cp.SavedAt); err != nil {
		return models.Checkpoint{}, err
	}
	cp.Step = models.Step(step)
	cp.Stage = models.Stage(stage)
	if err := json.Unmarshal(payloadJSON, &cp.Payload); err != nil {
		return models.Checkpoint{}, fmt.Errorf("unmarshal checkpoint payload: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint writes the progress snapshot of a work item. A checkpoint for
// step N is rejected with ErrCheckpointOrder unless step N-1 (or N) is the
// latest one on record.
func (s *Store) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) (models.Checkpoint, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev *models.Checkpoint
	existing, err := scanCheckpoint(tx.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE work_item_id = $1 FOR UPDATE`, cp.WorkItemID))
	switch {
	case err == nil:
		prev = &existing
	case !errors.Is(err, pgx.ErrNoRows):
		return models.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := models.ValidateCheckpointOrder(prev, cp.Step); err != nil {
		return models.Checkpoint{}, err
	}
	if cp.MaxRetries <= 0 {
		cp.MaxRetries = models.DefaultMaxRetries
	}
	cp.SavedAt = s.now()
	payloadJSON, err := marshalJSON(cp.Payload)
	if err != nil {
		return models.Checkpoint{}, err
	}
	saved, err := scanCheckpoint(tx.QueryRow(ctx, `
		INSERT INTO checkpoints (work_item_id, step, stage, payload, retries, max_retries, last_error, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (work_item_id) DO UPDATE
		SET step = EXCLUDED.step,
		    stage = EXCLUDED.stage,
		    payload = EXCLUDED.payload,
		    retries = EXCLUDED.retries,
		    max_retries = EXCLUDED.max_retries,
		    last_error = EXCLUDED.last_error,
		    saved_at = EXCLUDED.saved_at
		RETURNING `+checkpointColumns,
		cp.WorkItemID, int(cp.Step), string(cp.Stage), payloadJSON, cp.Retries, cp.MaxRetries, cp.LastError, cp.SavedAt))
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("upsert checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Checkpoint{}, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

// LoadCheckpoint returns the latest checkpoint of a work item.
func (s *Store) LoadCheckpoint(ctx context.Context, workItemID string) (models.Checkpoint, error) {
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE work_item_id = $1`, workItemID))
	if err != nil {
		return models.Checkpoint{}, notFound(err, "checkpoint "+workItemID)
	}
	return cp, nil
}

// ListUnresolvedCheckpoints returns non-terminal checkpoints not saved since
// olderThan, oldest first.
func (s *Store) ListUnresolvedCheckpoints(ctx context.Context, olderThan time.Time, limit int) ([]models.Checkpoint, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE stage NOT IN ('completed', 'failed') AND saved_at < $1
		ORDER BY saved_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()
	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
