// Package routines holds the routines compiled into routine-core.
//
// Each routine is a plain struct satisfying routine.Routine, registered by
// ID in Register. Routines keep all their control state in stimulus
// primitives owned by the instance; a fresh instance is built for every
// run, so nothing leaks between runs.
//
//	hold_pressure  keep a pressure sensor above a threshold or face an
//	               escalating shock
//	rep_counter    count repetitions on a distance sensor toward a target,
//	               punishing idleness and randomly rewarding streaks
//	timed_lock     hold a lock for a duration that button presses extend
//	               or, with luck, end early
package routines
