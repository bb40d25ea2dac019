// Package stimulus provides the closed-loop control primitives routines
// compose to drive actuators from live sensor data.
//
// Every primitive is a plain per-instance state machine. None of them start
// goroutines or timers, and none of them touch devices: a routine feeds
// them sensor values and the current time once per tick (or per event) and
// forwards their output through the device abstraction layer itself. This
// keeps teardown trivial and makes every primitive deterministic under test.
//
// # Primitives
//
//   - Hysteresis: dual-threshold detector counting full Down→Up cycles
//   - Ramp / StepToward: rate-limited approach to a target
//   - Escalator: delayed, capped escalation while a condition holds
//   - IdlePunisher: idle timeout with jittered punishment and a debounced warning
//   - Rewarder: probabilistic reward after a run of successes
//   - Pulse: timed output expressed as state, not as a timer
//   - SafetyLimit: the intensity ceiling every output must pass through
//
// Randomness comes from an injected Source so tests can seed it.
package stimulus
