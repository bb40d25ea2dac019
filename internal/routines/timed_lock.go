package routines

import (
	"context"
	"time"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/stimulus"
)

// TimedLockID is the catalog ID of TimedLock.
const TimedLockID = "timed_lock"

// buttonAction is the message type a button sends when pressed.
const buttonAction = "action"

type timedLockParams struct {
	Duration            int     `mapstructure:"duration"`
	ExtendSeconds       int     `mapstructure:"extend_seconds"`
	ReleaseAfterPresses int     `mapstructure:"release_after_presses"`
	ReleaseProbability  float64 `mapstructure:"release_probability"`
	PulseIntensity      float64 `mapstructure:"pulse_intensity"`
	PulseDuration       float64 `mapstructure:"pulse_duration"`
	HighIntensity       bool    `mapstructure:"high_intensity"`
}

// TimedLock keeps the lock closed for a fixed time. Each button press is a
// gamble: after enough presses one may release the lock early, the rest
// add time. When the session ends the lock opens and the optional shock
// unit fires a single pulse.
type TimedLock struct {
	routine.Base
	env

	params   timedLockParams
	limit    stimulus.SafetyLimit
	release  *stimulus.Rewarder
	shock    output
	pulse    stimulus.Pulse
	endsAt   time.Time
	pausedAt time.Time

	presses   int
	finishing bool
}

// NewTimedLock returns a fresh instance.
func NewTimedLock() *TimedLock {
	return &TimedLock{shock: output{role: "shock", key: propIntensity}}
}

// Info describes the routine.
func (t *TimedLock) Info() routine.Info {
	return routine.Info{
		ID:          TimedLockID,
		Title:       "Timed Lock",
		Description: "The lock stays closed until the timer runs out. Press the button to gamble for an early release; losing adds time.",
		RequiredDevices: []dal.Requirement{
			{LogicalID: "lock", Type: TypeLock, Required: true},
			{LogicalID: "button", Type: TypeButton},
			{LogicalID: "shock", Type: TypeShock},
		},
		Parameters: map[string]routine.ParamSpec{
			"duration": {
				Type: routine.ParamInteger, Min: 60, Max: 86400, Step: 60, Default: 900,
				Description: "Lock time in seconds",
			},
			"extend_seconds": {
				Type: routine.ParamInteger, Min: 0, Max: 3600, Default: 60,
				Description: "Time added by every losing press",
			},
			"release_after_presses": {
				Type: routine.ParamInteger, Min: 1, Max: 100, Default: 3,
				Description: "Presses before the early release can be won",
			},
			"release_probability": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 10.0,
				Description: "Chance in percent that an eligible press releases the lock",
			},
			"pulse_intensity": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 20.0,
				Description: "Strength of the closing pulse",
			},
			"pulse_duration": {
				Type: routine.ParamNumber, Min: 0.5, Max: 10, Step: 0.5, Default: 1.0,
				Description: "Length of the closing pulse in seconds",
			},
			"high_intensity": highIntensityParam,
		},
	}
}

// Start closes the lock and listens to the optional button.
func (t *TimedLock) Start(_ context.Context, d dal.Devices, params routine.Params) error {
	if err := params.Decode(&t.params); err != nil {
		return err
	}
	p := t.params

	var err error
	if t.limit, err = stimulus.NewSafetyLimit(0, stimulus.OverrideSafetyCeiling, p.HighIntensity); err != nil {
		return err
	}
	if t.release, err = stimulus.NewRewarder(stimulus.RewarderConfig{
		TriggerCount:       p.ReleaseAfterPresses,
		ProbabilityPercent: p.ReleaseProbability,
		Duration:           seconds(p.PulseDuration),
	}, t.random()); err != nil {
		return err
	}

	d.OnMessage("button", func(payload map[string]any) {
		if kind, _ := payload["type"].(string); kind == buttonAction {
			t.press()
		}
	})

	t.shock.force(d, 0)
	setLocked(d, "lock", true)

	t.endsAt = t.clock().Add(time.Duration(p.Duration) * time.Second)
	t.Logf(routine.LevelInfo, "Locked for %s", time.Duration(p.Duration)*time.Second)
	return nil
}

func (t *TimedLock) press() {
	if t.finishing || !t.pausedAt.IsZero() {
		return
	}
	t.presses++

	if _, won := t.release.Success(); won {
		t.endsAt = t.clock()
		t.Logf(routine.LevelSuccess, "Press %d wins an early release", t.presses)
		return
	}

	extend := time.Duration(t.params.ExtendSeconds) * time.Second
	t.endsAt = t.endsAt.Add(extend)
	if extend > 0 {
		t.Logf(routine.LevelWarning, "Press %d: %s added, %s left",
			t.presses, extend, t.endsAt.Sub(t.clock()).Round(time.Second))
	}
}

// Loop opens the lock when time is up and waits for the closing pulse.
func (t *TimedLock) Loop(_ context.Context, d dal.Devices) (bool, error) {
	now := t.clock()

	if !t.finishing {
		if now.Before(t.endsAt) {
			return true, nil
		}
		t.finishing = true
		setLocked(d, "lock", false)
		t.Logf(routine.LevelSuccess, "Time is up, unlocked")

		if !d.Has("shock") {
			return false, nil
		}
		intensity := t.limit.Clamp(t.params.PulseIntensity)
		t.pulse.Fire(intensity, seconds(t.params.PulseDuration), now)
		t.shock.set(d, intensity)
		return true, nil
	}

	if _, ended := t.pulse.Update(now); ended || !t.pulse.Active(now) {
		t.shock.set(d, 0)
		return false, nil
	}
	return true, nil
}

// Pause stops the clock and any pulse in flight.
func (t *TimedLock) Pause(_ context.Context, d dal.Devices) error {
	t.pausedAt = t.clock()
	t.pulse.Cancel()
	t.shock.force(d, 0)
	return nil
}

// Resume restarts the clock. A pulse cancelled by Pause is not repeated.
func (t *TimedLock) Resume(context.Context, dal.Devices) error {
	if !t.pausedAt.IsZero() {
		t.endsAt = t.endsAt.Add(t.clock().Sub(t.pausedAt))
		t.pausedAt = time.Time{}
	}
	return nil
}

// End zeroes the shock and opens the lock.
func (t *TimedLock) End(_ context.Context, d dal.Devices) error {
	t.shock.force(d, 0)
	setLocked(d, "lock", false)
	return nil
}

// Remaining returns the lock time left at now.
func (t *TimedLock) Remaining() time.Duration {
	if t.finishing {
		return 0
	}
	return max(t.endsAt.Sub(t.clock()), 0)
}
