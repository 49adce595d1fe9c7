package models

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateActiveItem  = errors.New("candidate already has an active work item")
	ErrStaleTransition      = errors.New("stale transition")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrCheckpointOrder      = errors.New("checkpoint out of order")
	ErrUnmatchedCallback    = errors.New("callback does not match a known job handle")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrEmpty                = errors.New("no eligible candidate")
)
