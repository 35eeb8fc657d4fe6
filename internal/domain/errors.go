// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write collided with an existing record, e.g. a
// step index that was already checkpointed.
var ErrConflict = errors.New("conflict: record already exists")

// ErrClosed indicates an operation on a run or subscription that has
// already finished.
var ErrClosed = errors.New("already closed")

// ErrValidation indicates a domain entity failed its own invariants.
var ErrValidation = errors.New("validation failed")
