package stimulus

import (
	"fmt"
	"math"
)

// StepToward moves current toward target by at most maxDelta when
// increasing. Decreases land on target immediately. The result never
// overshoots target.
func StepToward(current, target, maxDelta float64) float64 {
	if target <= current {
		return target
	}
	return current + math.Min(target-current, maxDelta)
}

// StepTowardSymmetric limits both increases and decreases to maxDelta.
func StepTowardSymmetric(current, target, maxDelta float64) float64 {
	return current + math.Max(-maxDelta, math.Min(target-current, maxDelta))
}

// Ramp holds the current output of a rate-limited approach.
type Ramp struct {
	maxDelta  float64
	symmetric bool
	current   float64
}

// NewRamp creates a ramp starting at 0. With symmetric false, only
// increases are rate limited.
func NewRamp(maxDeltaPerTick float64, symmetric bool) (*Ramp, error) {
	if !(maxDeltaPerTick > 0) {
		return nil, fmt.Errorf("%w: ramp max delta %v must be positive", ErrInvalidConfig, maxDeltaPerTick)
	}
	return &Ramp{maxDelta: maxDeltaPerTick, symmetric: symmetric}, nil
}

// Next advances one tick toward target and returns the new output.
func (r *Ramp) Next(target float64) float64 {
	if r.symmetric {
		r.current = StepTowardSymmetric(r.current, target, r.maxDelta)
	} else {
		r.current = StepToward(r.current, target, r.maxDelta)
	}
	return r.current
}

// Current returns the last output.
func (r *Ramp) Current() float64 { return r.current }

// Reset sets the output without ramping.
func (r *Ramp) Reset(value float64) { r.current = value }
