package engine

import "errors"

var (
	// ErrEngineBusy is returned by LoadAndStart while another routine
	// occupies the engine. The active run is not affected.
	ErrEngineBusy = errors.New("engine: busy")

	// ErrRoutineRuntime wraps failures raised by a routine's own callbacks,
	// including recovered panics.
	ErrRoutineRuntime = errors.New("engine: routine runtime error")

	// ErrNotRunning is returned by Pause when no routine is running.
	ErrNotRunning = errors.New("engine: no routine running")

	// ErrNotPaused is returned by Resume when no routine is paused.
	ErrNotPaused = errors.New("engine: no routine paused")

	// ErrRunNotFound is returned by run stores for unknown run IDs.
	ErrRunNotFound = errors.New("engine: run not found")
)
