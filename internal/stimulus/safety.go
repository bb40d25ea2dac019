package stimulus

import (
	"fmt"
	"math"
)

const (
	// DefaultSafetyCeiling caps every intensity unless high intensity has
	// been explicitly allowed.
	DefaultSafetyCeiling = 30.0

	// OverrideSafetyCeiling is the absolute cap with high intensity allowed.
	OverrideSafetyCeiling = 100.0
)

// SafetyLimit clamps actuator intensities to a configured range and to the
// safety ceiling. The zero value clamps everything to 0.
type SafetyLimit struct {
	Min           float64
	Max           float64
	AllowOverride bool
}

// NewSafetyLimit validates and returns a limit.
//
// Parameters:
//   - minValue, maxValue: the routine's configured output range
//   - allowOverride: lift the ceiling from DefaultSafetyCeiling to OverrideSafetyCeiling
//
// Returns:
//   - SafetyLimit: ready to Clamp
//   - error: ErrInvalidConfig if the range is empty or negative
func NewSafetyLimit(minValue, maxValue float64, allowOverride bool) (SafetyLimit, error) {
	if math.IsNaN(minValue) || math.IsNaN(maxValue) || minValue < 0 || minValue > maxValue {
		return SafetyLimit{}, fmt.Errorf("%w: safety range [%v, %v]", ErrInvalidConfig, minValue, maxValue)
	}
	return SafetyLimit{Min: minValue, Max: maxValue, AllowOverride: allowOverride}, nil
}

// Ceiling returns the effective upper bound.
func (l SafetyLimit) Ceiling() float64 {
	ceiling := DefaultSafetyCeiling
	if l.AllowOverride {
		ceiling = OverrideSafetyCeiling
	}
	return math.Min(l.Max, ceiling)
}

// Clamp bounds v to [Min, Ceiling]. NaN clamps to Min.
func (l SafetyLimit) Clamp(v float64) float64 {
	lo, hi := l.Min, l.Ceiling()
	if lo > hi {
		lo = hi
	}
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
