package stimulus

import "time"

// Pulse is a timed output held as state. A routine fires it and polls it
// each tick; when it expires the routine writes the rest value. Nothing
// runs in the background, so ending a routine needs no cancellation.
type Pulse struct {
	value  float64
	until  time.Time
	active bool
}

// Fire starts (or restarts) the pulse at value for d.
func (p *Pulse) Fire(value float64, d time.Duration, now time.Time) {
	p.value = value
	p.until = now.Add(d)
	p.active = true
}

// Update returns the output at now. ended is true exactly once, on the
// first call after the pulse expired.
func (p *Pulse) Update(now time.Time) (value float64, ended bool) {
	if !p.active {
		return 0, false
	}
	if !now.Before(p.until) {
		p.active = false
		return 0, true
	}
	return p.value, false
}

// Active reports whether the pulse is still running at now.
func (p *Pulse) Active(now time.Time) bool {
	return p.active && now.Before(p.until)
}

// Cancel stops the pulse without reporting an end.
func (p *Pulse) Cancel() { p.active = false }
