package stimulus

import (
	"fmt"
	"time"
)

// MaxRewardDuration bounds a single reward action.
const MaxRewardDuration = time.Minute

// RewarderConfig configures a Rewarder.
type RewarderConfig struct {
	// TriggerCount is the run of successes needed before rolls begin.
	TriggerCount int
	// ProbabilityPercent is the chance, 0 to 100, that an eligible success fires.
	ProbabilityPercent float64
	// Duration is how long a reward lasts. At most MaxRewardDuration.
	Duration time.Duration
}

// Rewarder counts consecutive successes. Once the run reaches TriggerCount,
// every success (including the one that reached it) rolls against
// ProbabilityPercent. A failure resets the run.
type Rewarder struct {
	cfg         RewarderConfig
	src         Source
	consecutive int
	fired       int
}

// NewRewarder validates cfg.
func NewRewarder(cfg RewarderConfig, src Source) (*Rewarder, error) {
	switch {
	case cfg.TriggerCount < 1:
		return nil, fmt.Errorf("%w: reward trigger count %d", ErrInvalidConfig, cfg.TriggerCount)
	case cfg.ProbabilityPercent < 0 || cfg.ProbabilityPercent > 100:
		return nil, fmt.Errorf("%w: reward probability %v%%", ErrInvalidConfig, cfg.ProbabilityPercent)
	case cfg.Duration <= 0 || cfg.Duration > MaxRewardDuration:
		return nil, fmt.Errorf("%w: reward duration %v", ErrInvalidConfig, cfg.Duration)
	case src == nil:
		return nil, fmt.Errorf("%w: rewarder needs a random source", ErrInvalidConfig)
	}
	return &Rewarder{cfg: cfg, src: src}, nil
}

// Success records a success and reports whether a reward fires, with its
// duration.
func (r *Rewarder) Success() (time.Duration, bool) {
	r.consecutive++
	if r.consecutive < r.cfg.TriggerCount {
		return 0, false
	}
	if Uniform(r.src, 0, 100) >= r.cfg.ProbabilityPercent {
		return 0, false
	}
	r.fired++
	return r.cfg.Duration, true
}

// Failure resets the run of successes.
func (r *Rewarder) Failure() { r.consecutive = 0 }

// Consecutive returns the current run length.
func (r *Rewarder) Consecutive() int { return r.consecutive }

// Fired returns how many rewards have fired.
func (r *Rewarder) Fired() int { return r.fired }
