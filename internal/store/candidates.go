package store

import (
	"context"
	"fmt"

	"content-pipeline/internal/models"
)

// EligibleCandidates returns the candidates flagged eligible in the source table.
func (s *Store) EligibleCandidates(ctx context.Context) ([]models.CandidateRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, title, summary, image_url, source_url
		FROM content_candidates WHERE eligible ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()
	var out []models.CandidateRef
	for rows.Next() {
		var c models.CandidateRef
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.Summary, &c.ImageURL, &c.SourceURL); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCandidate adds or updates a candidate in the source table.
func (s *Store) UpsertCandidate(ctx context.Context, c models.CandidateRef, eligible bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_candidates (id, kind, title, summary, image_url, source_url, eligible, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    title = EXCLUDED.title,
		    summary = EXCLUDED.summary,
		    image_url = EXCLUDED.image_url,
		    source_url = EXCLUDED.source_url,
		    eligible = EXCLUDED.eligible,
		    updated_at = NOW()
	`, c.ID, c.Kind, c.Title, c.Summary, c.ImageURL, c.SourceURL, eligible)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}
