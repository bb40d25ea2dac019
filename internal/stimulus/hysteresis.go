package stimulus

import (
	"fmt"
	"time"
)

// Phase is the state of a Hysteresis detector.
type Phase int

const (
	PhaseUp Phase = iota
	PhaseDown
)

func (p Phase) String() string {
	if p == PhaseDown {
		return "down"
	}
	return "up"
}

// Transition reports what an Update did.
type Transition int

const (
	TransitionNone Transition = iota
	// TransitionFell is Up→Down.
	TransitionFell
	// TransitionRose is Down→Up, one completed repetition.
	TransitionRose
)

// Hysteresis is a dual-threshold detector. It falls to Down when the value
// reaches low and rises to Up when the value reaches high; values strictly
// between the thresholds never change the phase.
//
// Zero-width bands work for boolean inputs: NewHysteresis(0, 1, PhaseUp)
// with values 0 and 1 treats every release and press as a transition.
type Hysteresis struct {
	low, high      float64
	phase          Phase
	completed      int
	lastTransition time.Time
}

// NewHysteresis creates a detector starting in the given phase.
func NewHysteresis(low, high float64, initial Phase) (*Hysteresis, error) {
	if low > high {
		return nil, fmt.Errorf("%w: hysteresis low %v above high %v", ErrInvalidConfig, low, high)
	}
	return &Hysteresis{low: low, high: high, phase: initial}, nil
}

// Update feeds one sample. At most one transition happens per sample.
func (h *Hysteresis) Update(value float64, now time.Time) Transition {
	switch h.phase {
	case PhaseUp:
		if value <= h.low {
			h.phase = PhaseDown
			h.lastTransition = now
			return TransitionFell
		}
	case PhaseDown:
		if value >= h.high {
			h.phase = PhaseUp
			h.completed++
			h.lastTransition = now
			return TransitionRose
		}
	}
	return TransitionNone
}

// Phase returns the current phase.
func (h *Hysteresis) Phase() Phase { return h.phase }

// Completed returns the number of Down→Up cycles seen.
func (h *Hysteresis) Completed() int { return h.completed }

// LastTransition returns when the phase last changed (zero if never).
func (h *Hysteresis) LastTransition() time.Time { return h.lastTransition }

// Reset returns the detector to phase with a zero count.
func (h *Hysteresis) Reset(phase Phase) {
	h.phase = phase
	h.completed = 0
	h.lastTransition = time.Time{}
}
