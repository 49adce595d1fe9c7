package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage is the single authoritative lifecycle field of a work item.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageStage1Processing Stage = "stage1_processing"
	StageStage1Done       Stage = "stage1_done"
	StageStage2Processing Stage = "stage2_processing"
	StageStage2Done       Stage = "stage2_done"
	StageStage3Processing Stage = "stage3_processing"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

var stageOrder = []Stage{
	StageQueued,
	StageStage1Processing,
	StageStage1Done,
	StageStage2Processing,
	StageStage2Done,
	StageStage3Processing,
	StageCompleted,
}

var stageRank = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder)+1)
	for i, s := range stageOrder {
		m[s] = i
	}
	m[StageFailed] = len(stageOrder)
	return m
}()

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	s := Stage(strings.ToLower(strings.TrimSpace(value)))
	_, ok := stageRank[s]
	return s, ok
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsProcessing reports whether an external job is (or should be) running for the stage.
func (s Stage) IsProcessing() bool {
	switch s {
	case StageStage1Processing, StageStage2Processing, StageStage3Processing:
		return true
	}
	return false
}

// Next returns the stage that directly follows s on the forward path.
func (s Stage) Next() (Stage, bool) {
	r, ok := stageRank[s]
	if !ok || s.IsTerminal() {
		return "", false
	}
	return stageOrder[r+1], true
}

// CanTransition enforces the forward-only, no-skip rule. Moving to failed is
// allowed from any non-terminal stage.
func CanTransition(from, to Stage) error {
	if _, ok := stageRank[from]; !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, from)
	}
	if _, ok := stageRank[to]; !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StageFailed {
		return nil
	}
	next, _ := from.Next()
	if next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Step identifies one externally hosted stage of the pipeline.
type Step int

const (
	StepGeneration Step = 1
	StepCaptioning Step = 2
	StepPublishing Step = 3
)

// AllSteps lists the steps in execution order.
func AllSteps() []Step {
	return []Step{StepGeneration, StepCaptioning, StepPublishing}
}

func (s Step) Valid() bool {
	return s >= StepGeneration && s <= StepPublishing
}

func (s Step) String() string {
	switch s {
	case StepGeneration:
		return "generation"
	case StepCaptioning:
		return "captioning"
	case StepPublishing:
		return "publishing"
	}
	return "step" + strconv.Itoa(int(s))
}

// ParseStep accepts either the step name or its number.
func ParseStep(value string) (Step, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, s := range AllSteps() {
		if v == s.String() || v == strconv.Itoa(int(s)) {
			return s, true
		}
	}
	return 0, false
}

// EntryStage is the stage an item must be in before the step can be entered.
func (s Step) EntryStage() Stage {
	switch s {
	case StepCaptioning:
		return StageStage1Done
	case StepPublishing:
		return StageStage2Done
	}
	return StageQueued
}

// ProcessingStage is the stage held while the step's external job runs.
func (s Step) ProcessingStage() Stage {
	switch s {
	case StepCaptioning:
		return StageStage2Processing
	case StepPublishing:
		return StageStage3Processing
	}
	return StageStage1Processing
}

// DoneStage is the stage reached when the step's job succeeds.
func (s Step) DoneStage() Stage {
	switch s {
	case StepCaptioning:
		return StageStage2Done
	case StepPublishing:
		return StageCompleted
	}
	return StageStage1Done
}

// Next returns the step that follows s.
func (s Step) Next() (Step, bool) {
	if s < StepGeneration || s >= StepPublishing {
		return 0, false
	}
	return s + 1, true
}

// StepForStage maps a non-terminal stage onto the step it belongs to. For
// queued it returns the first step.
func StepForStage(stage Stage) (Step, bool) {
	switch stage {
	case StageQueued, StageStage1Processing, StageStage1Done:
		return StepGeneration, true
	case StageStage2Processing, StageStage2Done:
		return StepCaptioning, true
	case StageStage3Processing:
		return StepPublishing, true
	}
	return 0, false
}
