package models

import (
	"errors"
	"testing"
)

func TestCanTransitionForwardOnly(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageQueued, StageStage1Processing, true},
		{StageStage1Processing, StageStage1Done, true},
		{StageStage2Done, StageStage3Processing, true},
		{StageStage3Processing, StageCompleted, true},
		{StageStage1Done, StageFailed, true},
		{StageQueued, StageStage1Done, false},
		{StageStage2Processing, StageStage1Done, false},
		{StageStage1Processing, StageStage1Processing, false},
		{StageCompleted, StageFailed, false},
		{StageFailed, StageFailed, false},
	}
	for _, tc := range cases {
		err := CanTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestStepStageMapping(t *testing.T) {
	for _, step := range AllSteps() {
		entry := step.EntryStage()
		processing := step.ProcessingStage()
		if err := CanTransition(entry, processing); err != nil {
			t.Fatalf("%s: entry %s cannot reach %s: %v", step, entry, processing, err)
		}
		if err := CanTransition(processing, step.DoneStage()); err != nil {
			t.Fatalf("%s: %s cannot reach %s: %v", step, processing, step.DoneStage(), err)
		}
		got, ok := StepForStage(processing)
		if !ok || got != step {
			t.Fatalf("StepForStage(%s) = %v,%v want %s", processing, got, ok, step)
		}
	}
	if _, ok := StepPublishing.Next(); ok {
		t.Fatalf("publishing must be the last step")
	}
}

func TestParseStep(t *testing.T) {
	if s, ok := ParseStep("captioning"); !ok || s != StepCaptioning {
		t.Fatalf("parse by name: %v %v", s, ok)
	}
	if s, ok := ParseStep("3"); !ok || s != StepPublishing {
		t.Fatalf("parse by number: %v %v", s, ok)
	}
	if _, ok := ParseStep("render"); ok {
		t.Fatalf("unknown step accepted")
	}
}
