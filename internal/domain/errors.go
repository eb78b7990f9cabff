// Package domain contains domain models and business logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a machine, VM or task is not known to
	// the substrate or the inventory.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a binding already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrNoCandidate is returned when no machine satisfies a task's
	// placement constraints.
	ErrNoCandidate = errors.New("no candidate machine")

	// ErrPendingTransition is returned when an operation touches a
	// machine with an outstanding power transition or a VM with an
	// outstanding migration.
	ErrPendingTransition = errors.New("pending state transition")

	// ErrIncompatible is returned when a VM family cannot run on a CPU
	// architecture.
	ErrIncompatible = errors.New("incompatible vm type for cpu")

	// ErrResourceExhausted is returned when a machine lacks the memory
	// to host a VM or task.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrInvalidState is returned when the substrate reports a state the
	// requested operation is not valid in.
	ErrInvalidState = errors.New("invalid state for operation")
)
