package storage

import "errors"

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a status change violates the run
// state machine. The row is left unchanged.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// ErrInvalidToolType is returned when CreateRun is asked to classify a run
// with a code the registry does not know. Nothing is persisted.
var ErrInvalidToolType = errors.New("storage: invalid tool type")
