package routines

import (
	"context"
	"time"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/stimulus"
)

// HoldPressureID is the catalog ID of HoldPressure.
const HoldPressureID = "hold_pressure"

type holdPressureParams struct {
	Duration          int     `mapstructure:"duration"`
	Threshold         float64 `mapstructure:"pressure_threshold"`
	Delay             int     `mapstructure:"delay"`
	BaseIntensity     float64 `mapstructure:"base_intensity"`
	IncreasePerSecond float64 `mapstructure:"increase_per_second"`
	MaxIntensity      float64 `mapstructure:"max_intensity"`
	RampStep          float64 `mapstructure:"ramp_step"`
	HighIntensity     bool    `mapstructure:"high_intensity"`
}

// HoldPressure requires the player to keep a pressure sensor at or above a
// threshold for the whole session. Releasing it arms an escalator; once
// the grace delay passes the shock unit ramps up until pressure returns.
type HoldPressure struct {
	routine.Base
	env

	params    holdPressureParams
	escalator *stimulus.Escalator
	ramp      *stimulus.Ramp
	limit     stimulus.SafetyLimit
	shock     output

	pressure   float64
	endsAt     time.Time
	pausedAt   time.Time
	escalating bool
}

// NewHoldPressure returns a fresh instance.
func NewHoldPressure() *HoldPressure {
	return &HoldPressure{shock: output{role: "shock", key: propIntensity}}
}

// Info describes the routine.
func (h *HoldPressure) Info() routine.Info {
	return routine.Info{
		ID:          HoldPressureID,
		Title:       "Hold Pressure",
		Description: "Keep the pressure sensor squeezed. Let go for too long and the shock escalates until you squeeze again.",
		RequiredDevices: []dal.Requirement{
			{LogicalID: "pressure", Type: TypePressure, Required: true},
			{LogicalID: "shock", Type: TypeShock, Required: true},
			{LogicalID: "lock", Type: TypeLock},
		},
		Parameters: map[string]routine.ParamSpec{
			"duration": {
				Type: routine.ParamInteger, Min: 30, Max: 3600, Step: 30, Default: 300,
				Description: "Session length in seconds",
			},
			"pressure_threshold": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 50.0,
				Description: "Pressure at or above which the sensor counts as held",
			},
			"delay": {
				Type: routine.ParamInteger, Min: 0, Max: 30, Default: 3,
				Description: "Grace period in seconds before escalation starts",
			},
			"base_intensity": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 5.0,
				Description: "Shock intensity when escalation starts",
			},
			"increase_per_second": {
				Type: routine.ParamNumber, Min: 0, Max: 10, Default: 1.0,
				Description: "Intensity added for every second of escalation",
			},
			"max_intensity": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 30.0,
				Description: "Upper bound of the escalation, subject to the safety ceiling",
			},
			"ramp_step": {
				Type: routine.ParamNumber, Min: 1, Max: 100, Default: 5.0,
				Description: "Largest intensity increase per tick",
			},
			"high_intensity": highIntensityParam,
		},
	}
}

// Start locks the optional lock and subscribes to the pressure sensor.
func (h *HoldPressure) Start(_ context.Context, d dal.Devices, params routine.Params) error {
	if err := params.Decode(&h.params); err != nil {
		return err
	}
	p := h.params

	var err error
	if h.escalator, err = stimulus.NewEscalator(stimulus.EscalatorConfig{
		Delay:             time.Duration(p.Delay) * time.Second,
		Base:              p.BaseIntensity,
		IncreasePerSecond: p.IncreasePerSecond,
		Max:               max(p.MaxIntensity, p.BaseIntensity),
	}); err != nil {
		return err
	}
	if h.ramp, err = stimulus.NewRamp(p.RampStep, false); err != nil {
		return err
	}
	if h.limit, err = stimulus.NewSafetyLimit(0, p.MaxIntensity, p.HighIntensity); err != nil {
		return err
	}

	if v, ok := dal.FloatProperty(d, "pressure", propPressure); ok {
		h.pressure = v
	}
	d.OnPropertyChange("pressure", propPressure, func(value any, _ map[string]any) {
		if v, ok := dal.Float(value); ok {
			h.pressure = v
		}
	})

	h.shock.force(d, 0)
	setLocked(d, "lock", true)

	h.endsAt = h.clock().Add(time.Duration(p.Duration) * time.Second)
	h.Logf(routine.LevelInfo, "Hold the sensor above %.0f for %s", p.Threshold, time.Duration(p.Duration)*time.Second)
	return nil
}

// Loop drives the shock output from the current pressure.
func (h *HoldPressure) Loop(_ context.Context, d dal.Devices) (bool, error) {
	now := h.clock()
	if !now.Before(h.endsAt) {
		h.shock.set(d, 0)
		h.Logf(routine.LevelSuccess, "Session complete")
		return false, nil
	}

	released := h.pressure < h.params.Threshold
	target := h.escalator.Update(released, now)

	escalating := h.escalator.Escalating(now)
	switch {
	case escalating && !h.escalating:
		h.Logf(routine.LevelWarning, "Pressure lost, escalating")
	case !released && h.escalating:
		h.Logf(routine.LevelInfo, "Pressure restored")
	}
	h.escalating = escalating

	out := h.limit.Clamp(h.ramp.Next(target))
	h.ramp.Reset(out)
	h.shock.set(d, out)
	return true, nil
}

// Pause zeroes the shock and disarms the escalator.
func (h *HoldPressure) Pause(_ context.Context, d dal.Devices) error {
	h.pausedAt = h.clock()
	h.escalator.Update(false, h.pausedAt)
	h.ramp.Reset(0)
	h.escalating = false
	h.shock.force(d, 0)
	return nil
}

// Resume pushes the session end back by the time spent paused and picks
// up the pressure reported while paused.
func (h *HoldPressure) Resume(_ context.Context, d dal.Devices) error {
	if !h.pausedAt.IsZero() {
		h.endsAt = h.endsAt.Add(h.clock().Sub(h.pausedAt))
		h.pausedAt = time.Time{}
	}
	if v, ok := dal.FloatProperty(d, "pressure", propPressure); ok {
		h.pressure = v
	}
	return nil
}

// End zeroes the shock and unlocks.
func (h *HoldPressure) End(_ context.Context, d dal.Devices) error {
	h.shock.force(d, 0)
	setLocked(d, "lock", false)
	return nil
}
