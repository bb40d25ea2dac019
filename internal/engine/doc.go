// Package engine is the lifecycle runtime for routines.
//
// The engine owns a single routine slot. LoadAndStart walks a routine
// through Mapping (validation, parameter overrides, device resolution)
// and Starting, after which a dedicated goroutine ticks it once per
// TickPeriod. That goroutine is the run's only execution slot: loop
// calls, device callbacks and pause/resume requests are all handled there
// in order, so routines never need locks.
//
//	Idle → Mapping → Starting → Running ⇄ Paused → Ending → Idle
//	                     ↘          ↘        ↘
//	                      Error ──────────────→ Idle
//
// A tick that arrives while the previous loop is still running is skipped
// and counted, never queued. Any error or panic from a routine callback
// ends the run through Ending, which calls the routine's end callback
// before releasing its devices.
//
// Runs are recorded through a RunStore (SQLiteRunStore in production),
// measured through Metrics and Telemetry, and streamed to Broadcasters.
package engine
