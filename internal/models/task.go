package models

import "fmt"

// StartTask asks the worker to start the external job of one step attempt.
type StartTask struct {
	WorkItemID string `json:"work_item_id"`
	Step       Step   `json:"step"`
	Attempt    int    `json:"attempt"`
}

// ID is deterministic so the same attempt can never be queued twice.
func (t StartTask) ID() string {
	return fmt.Sprintf("start:%s:%d:%d", t.WorkItemID, t.Step, t.Attempt)
}
