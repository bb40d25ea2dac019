package stimulus

import (
	"fmt"
	"math"
	"time"
)

// EscalatorConfig configures an Escalator.
type EscalatorConfig struct {
	// Delay is how long the condition must hold before escalation begins.
	Delay time.Duration
	// Base is the output the moment escalation begins.
	Base float64
	// IncreasePerSecond is added for every full second past Delay.
	IncreasePerSecond float64
	// Max caps the output.
	Max float64
}

// Escalator raises an output while a condition persists and drops it to
// zero the instant the condition clears.
type Escalator struct {
	cfg     EscalatorConfig
	armed   bool
	armedAt time.Time
	value   float64
}

// NewEscalator validates cfg and returns a disarmed escalator.
func NewEscalator(cfg EscalatorConfig) (*Escalator, error) {
	if cfg.Delay < 0 || cfg.IncreasePerSecond < 0 || cfg.Base < 0 || cfg.Max < cfg.Base {
		return nil, fmt.Errorf("%w: escalator %+v", ErrInvalidConfig, cfg)
	}
	return &Escalator{cfg: cfg}, nil
}

// Update reports whether the trigger condition holds at now and returns
// the output. The output is 0 while disarmed and during the delay.
func (e *Escalator) Update(active bool, now time.Time) float64 {
	if !active {
		e.armed = false
		e.value = 0
		return 0
	}
	if !e.armed {
		e.armed = true
		e.armedAt = now
	}

	past := now.Sub(e.armedAt) - e.cfg.Delay
	if past < 0 {
		e.value = 0
		return 0
	}

	steps := math.Floor(past.Seconds())
	e.value = math.Min(e.cfg.Base+e.cfg.IncreasePerSecond*steps, e.cfg.Max)
	return e.value
}

// Armed reports whether the condition currently holds.
func (e *Escalator) Armed() bool { return e.armed }

// Escalating reports whether the delay has passed.
func (e *Escalator) Escalating(now time.Time) bool {
	return e.armed && now.Sub(e.armedAt) >= e.cfg.Delay
}

// Value returns the last output.
func (e *Escalator) Value() float64 { return e.value }
