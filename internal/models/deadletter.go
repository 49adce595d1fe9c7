package models

import (
	"fmt"
	"time"
)

// DeadLetterKind tags why an entry landed in the DLQ.
type DeadLetterKind string

const (
	KindUnmatchedCallback    DeadLetterKind = "unmatched_callback"
	KindRetryBudgetExhausted DeadLetterKind = "retry_budget_exhausted"
	KindVendorRejected       DeadLetterKind = "vendor_rejected"
	KindInterpretError       DeadLetterKind = "interpret_error"
)

// DeadLetter is a failure that exhausted automatic handling.
type DeadLetter struct {
	ID              string         `json:"id"`
	DedupeKey       string         `json:"dedupe_key"`
	WorkItemID      string         `json:"work_item_id,omitempty"`
	Step            Step           `json:"step"`
	Vendor          string         `json:"vendor"`
	Kind            DeadLetterKind `json:"kind"`
	Raw             string         `json:"raw,omitempty"`
	Reason          string         `json:"reason"`
	Occurrences     int            `json:"occurrences"`
	FirstSeenAt     time.Time      `json:"first_seen_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	Resolved        bool           `json:"resolved"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// DeadLetterKeyForItem groups repeated failures of one item step.
func DeadLetterKeyForItem(workItemID string, step Step) string {
	return fmt.Sprintf("item:%s:%d", workItemID, step)
}

// DeadLetterKeyForHandle groups repeated deliveries of one orphaned callback.
func DeadLetterKeyForHandle(vendor, handle string) string {
	return fmt.Sprintf("handle:%s:%s", vendor, handle)
}

// DeadLetterFilter narrows operator listings.
type DeadLetterFilter struct {
	Vendor     string
	Kind       DeadLetterKind
	Step       Step
	WorkItemID string
	Limit      int
}

// DeadLetterStats summarises the DLQ for triage.
type DeadLetterStats struct {
	Unresolved       int            `json:"unresolved"`
	Resolved         int            `json:"resolved"`
	ByKind           map[string]int `json:"by_kind"`
	ByVendor         map[string]int `json:"by_vendor"`
	OldestUnresolved *time.Time     `json:"oldest_unresolved,omitempty"`
}
