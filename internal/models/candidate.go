package models

import "time"

// CandidateEntry is one slot in the rotation pool.
type CandidateEntry struct {
	Ref             CandidateRef `json:"ref"`
	LastProcessedAt time.Time    `json:"last_processed_at"`
	TimesProcessed  int          `json:"times_processed"`
	// CyclePosition is the 1-based order in which the candidate was claimed in
	// the current cycle, or 0 when it is still eligible.
	CyclePosition int       `json:"cycle_position"`
	AddedAt       time.Time `json:"added_at"`
}

// SyncResult reports how a pool sync changed the pool.
type SyncResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}
