package routine

import "errors"

var (
	// ErrInvalidRoutine is returned when a routine fails the structural
	// contract check. The routine never starts.
	ErrInvalidRoutine = errors.New("routine: invalid routine")

	// ErrInvalidParameter is returned when a parameter override is unknown,
	// of the wrong type, out of range or off-step. Overrides are rejected,
	// never clamped.
	ErrInvalidParameter = errors.New("routine: invalid parameter")

	// ErrRoutineNotFound is returned by Catalog.Load for unknown IDs.
	ErrRoutineNotFound = errors.New("routine: not found")

	// ErrDuplicateRoutine is returned when an ID is registered twice.
	ErrDuplicateRoutine = errors.New("routine: duplicate id")
)
