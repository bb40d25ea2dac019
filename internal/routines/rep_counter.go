package routines

import (
	"context"
	"time"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/stimulus"
)

// RepCounterID is the catalog ID of RepCounter.
const RepCounterID = "rep_counter"

type repCounterParams struct {
	TargetReps        int     `mapstructure:"target_reps"`
	LowThreshold      float64 `mapstructure:"low_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	IdleLimit         int     `mapstructure:"idle_limit"`
	PunishIntensity   float64 `mapstructure:"punish_intensity"`
	PunishVariation   float64 `mapstructure:"punish_variation"`
	PunishDuration    float64 `mapstructure:"punish_duration"`
	MaxIntensity      float64 `mapstructure:"max_intensity"`
	RewardEvery       int     `mapstructure:"reward_every"`
	RewardProbability float64 `mapstructure:"reward_probability"`
	RewardDuration    float64 `mapstructure:"reward_duration"`
	RewardIntensity   float64 `mapstructure:"reward_intensity"`
	HighIntensity     bool    `mapstructure:"high_intensity"`
}

// RepCounter counts full movements on a distance sensor. Moving below the
// low threshold and back above the high threshold is one repetition.
// Standing still past the idle limit triggers a jittered shock; streaks of
// repetitions may earn a vibration reward. Reaching the target ends the
// session and releases the optional lock.
type RepCounter struct {
	routine.Base
	env

	params   repCounterParams
	detector *stimulus.Hysteresis
	punisher *stimulus.IdlePunisher
	rewarder *stimulus.Rewarder
	reward   stimulus.SafetyLimit

	shock, vibration           output
	shockPulse, vibrationPulse stimulus.Pulse

	reps int
}

// NewRepCounter returns a fresh instance.
func NewRepCounter() *RepCounter {
	return &RepCounter{
		shock:     output{role: "shock", key: propIntensity},
		vibration: output{role: "vibration", key: propIntensity},
	}
}

// Info describes the routine.
func (r *RepCounter) Info() routine.Info {
	return routine.Info{
		ID:          RepCounterID,
		Title:       "Rep Counter",
		Description: "Complete the target number of repetitions. Rest too long and you get shocked; keep a streak going for a chance at a reward.",
		RequiredDevices: []dal.Requirement{
			{LogicalID: "distance", Type: TypeDistance, Required: true},
			{LogicalID: "shock", Type: TypeShock, Required: true},
			{LogicalID: "vibration", Type: TypeVibration},
			{LogicalID: "lock", Type: TypeLock},
		},
		Parameters: map[string]routine.ParamSpec{
			"target_reps": {
				Type: routine.ParamInteger, Min: 1, Max: 500, Default: 20,
				Description: "Repetitions needed to finish",
			},
			"low_threshold": {
				Type: routine.ParamNumber, Min: 0, Max: 200, Default: 15.0,
				Description: "Distance at or below which a movement reaches the bottom",
			},
			"high_threshold": {
				Type: routine.ParamNumber, Min: 0, Max: 200, Default: 35.0,
				Description: "Distance at or above which a movement completes",
			},
			"idle_limit": {
				Type: routine.ParamInteger, Min: 5, Max: 300, Default: 20,
				Description: "Seconds without movement before punishment",
			},
			"punish_intensity": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 15.0,
				Description: "Base punishment intensity",
			},
			"punish_variation": {
				Type: routine.ParamNumber, Min: 0, Max: 50, Default: 10.0,
				Description: "Random spread added to or removed from the punishment intensity",
			},
			"punish_duration": {
				Type: routine.ParamNumber, Min: 0.5, Max: 10, Step: 0.5, Default: 2.0,
				Description: "Punishment length in seconds",
			},
			"max_intensity": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 30.0,
				Description: "Upper bound of any punishment, subject to the safety ceiling",
			},
			"reward_every": {
				Type: routine.ParamInteger, Min: 1, Max: 50, Default: 5,
				Description: "Streak length after which repetitions may earn a reward",
			},
			"reward_probability": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 50.0,
				Description: "Chance in percent that an eligible repetition is rewarded",
			},
			"reward_duration": {
				Type: routine.ParamNumber, Min: 0.5, Max: 60, Step: 0.5, Default: 3.0,
				Description: "Reward vibration length in seconds",
			},
			"reward_intensity": {
				Type: routine.ParamNumber, Min: 0, Max: 100, Default: 25.0,
				Description: "Reward vibration strength, subject to the safety ceiling",
			},
			"high_intensity": highIntensityParam,
		},
	}
}

// Start builds the detector, punisher and rewarder and subscribes to the
// distance sensor.
func (r *RepCounter) Start(_ context.Context, d dal.Devices, params routine.Params) error {
	if err := params.Decode(&r.params); err != nil {
		return err
	}
	p := r.params
	now := r.clock()

	var err error
	if r.detector, err = stimulus.NewHysteresis(p.LowThreshold, p.HighThreshold, stimulus.PhaseUp); err != nil {
		return err
	}
	limit, err := stimulus.NewSafetyLimit(0, p.MaxIntensity, p.HighIntensity)
	if err != nil {
		return err
	}
	if r.punisher, err = stimulus.NewIdlePunisher(stimulus.IdlePunisherConfig{
		IdleLimit:          time.Duration(p.IdleLimit) * time.Second,
		BaseIntensity:      p.PunishIntensity,
		IntensityVariation: p.PunishVariation,
		BaseDuration:       seconds(p.PunishDuration),
		Limit:              limit,
	}, r.random(), now); err != nil {
		return err
	}
	if r.rewarder, err = stimulus.NewRewarder(stimulus.RewarderConfig{
		TriggerCount:       p.RewardEvery,
		ProbabilityPercent: p.RewardProbability,
		Duration:           seconds(p.RewardDuration),
	}, r.random()); err != nil {
		return err
	}
	if r.reward, err = stimulus.NewSafetyLimit(0, stimulus.OverrideSafetyCeiling, p.HighIntensity); err != nil {
		return err
	}

	d.OnPropertyChange("distance", propDistance, func(value any, _ map[string]any) {
		if v, ok := dal.Float(value); ok {
			r.sample(d, v)
		}
	})

	r.shock.force(d, 0)
	r.vibration.force(d, 0)
	setLocked(d, "lock", true)

	r.Logf(routine.LevelInfo, "Complete %d repetitions", p.TargetReps)
	return nil
}

// sample feeds one distance reading to the detector.
func (r *RepCounter) sample(d dal.Devices, v float64) {
	now := r.clock()
	switch r.detector.Update(v, now) {
	case stimulus.TransitionFell:
		r.punisher.Action(now)
	case stimulus.TransitionRose:
		r.punisher.Action(now)
		r.reps++
		r.Logf(routine.LevelInfo, "Repetition %d of %d", r.reps, r.params.TargetReps)

		if duration, ok := r.rewarder.Success(); ok && d.Has("vibration") {
			intensity := r.reward.Clamp(r.params.RewardIntensity)
			r.vibrationPulse.Fire(intensity, duration, now)
			r.vibration.set(d, intensity)
			r.Logf(routine.LevelSuccess, "Streak reward for %s", duration)
		}
	}
}

// Loop expires pulses, checks the idle timer and finishes at the target.
func (r *RepCounter) Loop(_ context.Context, d dal.Devices) (bool, error) {
	now := r.clock()

	if _, ended := r.shockPulse.Update(now); ended {
		r.shock.set(d, 0)
	}
	if _, ended := r.vibrationPulse.Update(now); ended {
		r.vibration.set(d, 0)
	}

	if r.reps >= r.params.TargetReps {
		r.shockPulse.Cancel()
		r.shock.set(d, 0)
		setLocked(d, "lock", false)
		r.Logf(routine.LevelSuccess, "All %d repetitions done", r.params.TargetReps)
		return false, nil
	}

	ev := r.punisher.Check(now)
	if ev.Warning {
		r.Logf(routine.LevelWarning, "Move! Punishment in %s", ev.Remaining.Round(time.Second))
	}
	if ev.Punishment != nil {
		r.rewarder.Failure()
		r.shockPulse.Fire(ev.Punishment.Intensity, ev.Punishment.Duration, now)
		r.shock.force(d, ev.Punishment.Intensity)
		r.Logf(routine.LevelError, "Idle too long: %.0f for %s", ev.Punishment.Intensity, ev.Punishment.Duration.Round(100*time.Millisecond))
	}
	return true, nil
}

// Pause stops every output.
func (r *RepCounter) Pause(_ context.Context, d dal.Devices) error {
	r.shockPulse.Cancel()
	r.vibrationPulse.Cancel()
	r.shock.force(d, 0)
	r.vibration.force(d, 0)
	return nil
}

// Resume starts a fresh idle period and moves the detector to the
// distance reported while paused. Movement made while paused does not
// count as a repetition.
func (r *RepCounter) Resume(_ context.Context, d dal.Devices) error {
	now := r.clock()
	if v, ok := dal.FloatProperty(d, "distance", propDistance); ok {
		r.detector.Update(v, now)
	}
	r.punisher.Action(now)
	return nil
}

// End stops every output and unlocks.
func (r *RepCounter) End(_ context.Context, d dal.Devices) error {
	r.shock.force(d, 0)
	r.vibration.force(d, 0)
	setLocked(d, "lock", false)
	return nil
}

// Reps returns the repetitions counted so far.
func (r *RepCounter) Reps() int { return r.reps }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
