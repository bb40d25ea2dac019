package stimulus

import (
	"fmt"
	"time"
)

// DefaultWarningLookahead is how long before a punishment the warning fires.
const DefaultWarningLookahead = 5 * time.Second

// IdlePunisherConfig configures an IdlePunisher.
type IdlePunisherConfig struct {
	IdleLimit time.Duration

	BaseIntensity      float64
	IntensityVariation float64

	BaseDuration      time.Duration
	DurationVariation time.Duration

	// Lookahead defaults to DefaultWarningLookahead when zero.
	Lookahead time.Duration

	Limit SafetyLimit
}

// Punishment is the action an IdlePunisher decided on.
type Punishment struct {
	// Raw is the jittered intensity before the safety clamp.
	Raw float64
	// Intensity is Raw after the safety clamp; send this one.
	Intensity float64
	Duration  time.Duration
}

// IdleEvent is the result of a Check.
type IdleEvent struct {
	// Warning is set once per idle period when the remaining time drops
	// under the lookahead window.
	Warning bool
	// Remaining is the time left before punishment (0 when punishing).
	Remaining  time.Duration
	Punishment *Punishment
}

// IdlePunisher fires a jittered punishment when no action has been
// recorded for IdleLimit, then starts a new idle period.
type IdlePunisher struct {
	cfg IdlePunisherConfig
	src Source

	lastAction  time.Time
	warned      bool
	lastWarning time.Time
	fired       int
}

// NewIdlePunisher creates a punisher whose first idle period starts at now.
func NewIdlePunisher(cfg IdlePunisherConfig, src Source, now time.Time) (*IdlePunisher, error) {
	if cfg.IdleLimit <= 0 {
		return nil, fmt.Errorf("%w: idle limit %v must be positive", ErrInvalidConfig, cfg.IdleLimit)
	}
	if cfg.IntensityVariation < 0 || cfg.DurationVariation < 0 || cfg.BaseDuration < 0 {
		return nil, fmt.Errorf("%w: negative idle variation or duration", ErrInvalidConfig)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: idle punisher needs a random source", ErrInvalidConfig)
	}
	if cfg.Lookahead == 0 {
		cfg.Lookahead = DefaultWarningLookahead
	}
	return &IdlePunisher{cfg: cfg, src: src, lastAction: now}, nil
}

// Action records player activity, starting a new idle period.
func (p *IdlePunisher) Action(now time.Time) {
	p.lastAction = now
	p.warned = false
}

// Check evaluates the idle timer at now.
func (p *IdlePunisher) Check(now time.Time) IdleEvent {
	idle := now.Sub(p.lastAction)
	if idle >= p.cfg.IdleLimit {
		punishment := p.roll()
		p.fired++
		p.Action(now)
		return IdleEvent{Punishment: &punishment}
	}

	remaining := p.cfg.IdleLimit - idle
	ev := IdleEvent{Remaining: remaining}
	if remaining <= p.cfg.Lookahead && !p.warned &&
		(p.lastWarning.IsZero() || now.Sub(p.lastWarning) >= p.cfg.Lookahead) {
		p.warned = true
		p.lastWarning = now
		ev.Warning = true
	}
	return ev
}

func (p *IdlePunisher) roll() Punishment {
	raw := Jitter(p.src, p.cfg.BaseIntensity, p.cfg.IntensityVariation)

	duration := time.Duration(Jitter(p.src, float64(p.cfg.BaseDuration), float64(p.cfg.DurationVariation)))
	if duration < 0 {
		duration = 0
	}

	return Punishment{
		Raw:       raw,
		Intensity: p.cfg.Limit.Clamp(raw),
		Duration:  duration,
	}
}

// LastAction returns the start of the current idle period.
func (p *IdlePunisher) LastAction() time.Time { return p.lastAction }

// Fired returns how many punishments have been issued.
func (p *IdlePunisher) Fired() int { return p.fired }
