package models

import (
	"fmt"
	"time"
)

// DefaultMaxRetries is the per-step retry budget when none is configured.
const DefaultMaxRetries = 3

// Checkpoint is the durable progress snapshot of a work item, written when a
// step is entered and overwritten as the step progresses.
type Checkpoint struct {
	WorkItemID string    `json:"work_item_id"`
	Step       Step      `json:"step"`
	Stage      Stage     `json:"stage"`
	Payload    Payload   `json:"payload"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// CanRetry reports whether the recorded failures still fit in the budget.
func (c Checkpoint) CanRetry() bool {
	max := c.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return c.Retries < max
}

// Resolved reports whether the checkpoint describes a finished item.
func (c Checkpoint) Resolved() bool {
	return c.Stage.IsTerminal()
}

// ValidateCheckpointOrder enforces that a checkpoint for step N is only written
// once step N-1 has one. Overwriting the current step is always allowed.
func ValidateCheckpointOrder(prev *Checkpoint, next Step) error {
	if !next.Valid() {
		return fmt.Errorf("%w: invalid step %d", ErrCheckpointOrder, next)
	}
	if prev == nil {
		if next != StepGeneration {
			return fmt.Errorf("%w: no checkpoint before %s", ErrCheckpointOrder, next)
		}
		return nil
	}
	if next == prev.Step || next == prev.Step+1 {
		return nil
	}
	return fmt.Errorf("%w: %s after %s", ErrCheckpointOrder, next, prev.Step)
}
