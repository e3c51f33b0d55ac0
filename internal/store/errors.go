package store

import "errors"

// ErrNotFound is returned by repository Get methods when no row matches.
// Callers should compare with errors.Is(err, store.ErrNotFound).
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint would be violated, e.g.
// creating a Job whose dedup_key already exists (spec.md §8 P9).
var ErrConflict = errors.New("store: conflict")

// ErrInvalidState is returned when a requested state transition is not in
// model.ValidExecutionTransitions.
var ErrInvalidState = errors.New("store: invalid state transition")

// ErrNotClaimed is returned by UpdateStatus-style calls that require the
// caller to already hold the claim on a Job.
var ErrNotClaimed = errors.New("store: job not claimed by this dispatcher")
