package engine

import (
	"time"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
)

// TickPeriod is the fixed interval between Loop calls. It is the same for
// every routine.
const TickPeriod = time.Second

// State is the lifecycle state of the engine's single routine slot.
type State string

const (
	StateIdle     State = "idle"
	StateMapping  State = "mapping"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateEnding   State = "ending"
	StateError    State = "error"
)

// AllStates lists every state, for metrics.
var AllStates = []State{StateIdle, StateMapping, StateStarting, StateRunning, StatePaused, StateEnding, StateError}

// Occupied reports whether s holds the engine's routine slot.
func (s State) Occupied() bool {
	switch s {
	case StateMapping, StateStarting, StateRunning, StatePaused:
		return true
	}
	return false
}

// RunStatus is the outcome recorded for a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// Run is the record of one routine execution.
type Run struct {
	ID           string         `json:"id"`
	RoutineID    string         `json:"routine_id"`
	Title        string         `json:"title"`
	Params       routine.Params `json:"params"`
	Seed         uint64         `json:"seed,string"`
	Mapping      dal.Mapping    `json:"mapping,omitempty"`
	Status       RunStatus      `json:"status"`
	EndReason    string         `json:"end_reason,omitempty"`
	Error        string         `json:"error,omitempty"`
	Ticks        int64          `json:"ticks"`
	SkippedTicks int64          `json:"skipped_ticks"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// Status is a snapshot of the engine.
type Status struct {
	State State `json:"state"`
	Run   *Run  `json:"run,omitempty"`
}

// LogEntry is one operator-facing log line, from the engine or the routine.
type LogEntry struct {
	Time    time.Time     `json:"time"`
	Level   routine.Level `json:"level"`
	Source  string        `json:"source"`
	RunID   string        `json:"run_id,omitempty"`
	Message string        `json:"message"`
}

const (
	sourceEngine  = "engine"
	sourceRoutine = "routine"
)

// End reasons.
const (
	reasonCompleted = "completed"
	reasonStopped   = "stopped"
	reasonFailed    = "failed"
	reasonShutdown  = "shutdown"
)
