package routines

import (
	"time"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/stimulus"
)

// Device type codes reported by the hardware.
const (
	TypeLock      = "ZIDONGSUO"
	TypeShock     = "DIANJI"
	TypePressure  = "QIYA"
	TypeDistance  = "JULI"
	TypeVibration = "ZHENDONG"
	TypeButton    = "ANNIU"
)

// Property keys.
const (
	propLocked    = "locked"
	propIntensity = "intensity"
	propPressure  = "pressure"
	propDistance  = "distance"
)

// highIntensityParam is the safety override shared by every routine that
// drives a shock unit.
var highIntensityParam = routine.ParamSpec{
	Type:           routine.ParamBoolean,
	Default:        false,
	Description:    "Lift the intensity ceiling from 30 to 100. Only accepted when the host allows high intensity.",
	SafetyOverride: true,
}

// Register adds every built-in routine to c.
func Register(c *routine.Catalog) error {
	builtins := []struct {
		id      string
		factory routine.Factory
	}{
		{HoldPressureID, func() routine.Routine { return NewHoldPressure() }},
		{RepCounterID, func() routine.Routine { return NewRepCounter() }},
		{TimedLockID, func() routine.Routine { return NewTimedLock() }},
	}
	for _, b := range builtins {
		if err := c.Register(b.id, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewCatalog returns a catalog holding every built-in routine.
func NewCatalog() (*routine.Catalog, error) {
	c := routine.NewCatalog()
	if err := Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// clock and randomness shared by the built-in routines. The engine seeds
// each run through SetSeed; tests replace now.
type env struct {
	now func() time.Time
	src stimulus.Source
}

// SetSeed makes the run's random decisions reproducible.
func (e *env) SetSeed(seed uint64) {
	e.src = stimulus.NewRand(seed)
}

func (e *env) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

func (e *env) random() stimulus.Source {
	if e.src == nil {
		e.src = stimulus.NewRand(stimulus.NewSeed())
	}
	return e.src
}

// output remembers the last value written to an actuator so unchanged
// values are not re-sent every tick.
type output struct {
	role string
	key  string
	last float64
	sent bool
}

func (o *output) set(d dal.Devices, v float64) {
	if o.sent && o.last == v {
		return
	}
	if !d.Has(o.role) {
		return
	}
	if d.SetProperty(o.role, map[string]any{o.key: v}) {
		o.last, o.sent = v, true
	}
}

// force writes v even if it matches the last value.
func (o *output) force(d dal.Devices, v float64) {
	o.sent = false
	o.set(d, v)
}

func setLocked(d dal.Devices, role string, locked bool) {
	if d.Has(role) {
		d.SetProperty(role, map[string]any{propLocked: locked})
	}
}
