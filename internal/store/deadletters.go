package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-pipeline/internal/models"
)

const deadLetterColumns = `id, dedupe_key, work_item_id, step, vendor, kind, raw, reason, occurrences, first_seen_at, last_seen_at, resolved, resolution_notes, resolved_at`

func scanDeadLetter(row pgx.Row) (models.DeadLetter, error) {
	var (
		dl         models.DeadLetter
		step       int
		kind       string
		resolvedAt pgtype.Timestamptz
	)
	if err := row.Scan(&dl.ID, &dl.DedupeKey, &dl.WorkItemID, &step, &dl.Vendor, &kind, &dl.Raw, &dl.Reason, &dl.Occurrences, &dl.FirstSeenAt, &dl.LastSeenAt, &dl.Resolved, &dl.ResolutionNotes, &resolvedAt); err != nil {
		return models.DeadLetter{}, err
	}
	dl.Step = models.Step(step)
	dl.Kind = models.DeadLetterKind(kind)
	dl.ResolvedAt = timePtr(resolvedAt)
	return dl, nil
}

// RecordDeadLetter inserts a DLQ entry, or bumps occurrences and last_seen_at
// of the open entry with the same dedupe key.
func (s *Store) RecordDeadLetter(ctx context.Context, dl models.DeadLetter) (models.DeadLetter, error) {
	if dl.DedupeKey == "" {
		return models.DeadLetter{}, fmt.Errorf("dead letter: dedupe key is required")
	}
	now := s.now()
	saved, err := scanDeadLetter(s.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (id, dedupe_key, work_item_id, step, vendor, kind, raw, reason, occurrences, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
		ON CONFLICT (dedupe_key) WHERE NOT resolved DO UPDATE
		SET occurrences = dead_letters.occurrences + 1,
		    last_seen_at = EXCLUDED.last_seen_at,
		    raw = EXCLUDED.raw,
		    reason = EXCLUDED.reason
		RETURNING `+deadLetterColumns,
		uuid.New().String(), dl.DedupeKey, dl.WorkItemID, int(dl.Step), dl.Vendor, string(dl.Kind), dl.Raw, dl.Reason, now))
	if err != nil {
		return models.DeadLetter{}, fmt.Errorf("record dead letter: %w", err)
	}
	if saved.WorkItemID != "" {
		_ = appendAudit(ctx, s.pool, saved.WorkItemID, "dead_lettered", fmt.Sprintf("kind=%s occurrences=%d", saved.Kind, saved.Occurrences))
	}
	return saved, nil
}

// OpenDeadLetter returns the unresolved entry for a dedupe key.
func (s *Store) OpenDeadLetter(ctx context.Context, dedupeKey string) (models.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE dedupe_key = $1 AND NOT resolved`, dedupeKey))
	if err != nil {
		return models.DeadLetter{}, notFound(err, "open dead letter "+dedupeKey)
	}
	return dl, nil
}

// GetDeadLetter fetches one DLQ entry.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (models.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if err != nil {
		return models.DeadLetter{}, notFound(err, "dead letter "+id)
	}
	return dl, nil
}

// ResolveDeadLetter marks an entry resolved. Resolving twice keeps the first
// resolution.
func (s *Store) ResolveDeadLetter(ctx context.Context, id, notes string) (models.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, `
		UPDATE dead_letters
		SET resolved = TRUE, resolution_notes = $2, resolved_at = $3
		WHERE id = $1 AND NOT resolved
		RETURNING `+deadLetterColumns,
		id, notes, s.now()))
	if err == nil {
		return dl, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetter{}, fmt.Errorf("resolve dead letter: %w", err)
	}
	return s.GetDeadLetter(ctx, id)
}

// ListUnresolvedDeadLetters returns open entries matching the filter, oldest first.
func (s *Store) ListUnresolvedDeadLetters(ctx context.Context, f models.DeadLetterFilter) ([]models.DeadLetter, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE NOT resolved
		  AND ($1 = '' OR vendor = $1)
		  AND ($2 = '' OR kind = $2)
		  AND ($3 = 0 OR step = $3)
		  AND ($4 = '' OR work_item_id = $4)
		ORDER BY first_seen_at ASC
		LIMIT $5
	`, f.Vendor, string(f.Kind), int(f.Step), f.WorkItemID, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()
	var out []models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeadLetterStats aggregates the DLQ for triage.
func (s *Store) DeadLetterStats(ctx context.Context) (models.DeadLetterStats, error) {
	stats := models.DeadLetterStats{ByKind: map[string]int{}, ByVendor: map[string]int{}}
	var oldest pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT resolved),
			COUNT(*) FILTER (WHERE resolved),
			MIN(first_seen_at) FILTER (WHERE NOT resolved)
		FROM dead_letters
	`).Scan(&stats.Unresolved, &stats.Resolved, &oldest); err != nil {
		return stats, fmt.Errorf("dead letter totals: %w", err)
	}
	stats.OldestUnresolved = timePtr(oldest)

	rows, err := s.pool.Query(ctx, `
		SELECT 'kind', kind, COUNT(*) FROM dead_letters WHERE NOT resolved GROUP BY kind
		UNION ALL
		SELECT 'vendor', vendor, COUNT(*) FROM dead_letters WHERE NOT resolved GROUP BY vendor
	`)
	if err != nil {
		return stats, fmt.Errorf("dead letter breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dim, key string
		var n int
		if err := rows.Scan(&dim, &key, &n); err != nil {
			return stats, fmt.Errorf("scan breakdown: %w", err)
		}
		if dim == "kind" {
			stats.ByKind[key] = n
		} else {
			stats.ByVendor[key] = n
		}
	}
	return stats, rows.Err()
}

// PurgeDeadLetters deletes resolved entries resolved before the cutoff, and
// unresolved ones not seen since then when includeUnresolved is set.
func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Duration, includeUnresolved bool) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dead_letters
		WHERE (resolved AND COALESCE(resolved_at, last_seen_at) < $1)
		   OR ($2 AND NOT resolved AND last_seen_at < $1)
	`, cutoff, includeUnresolved)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}
