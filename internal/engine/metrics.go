package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ticks           prometheus.Counter
	skippedTicks    prometheus.Counter
	loopDuration    prometheus.Histogram
	runs            *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	state           *prometheus.GaugeVec
	commandFailures prometheus.Counter
	droppedEvents   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routinecore_engine_ticks_total",
			Help: "Loop invocations.",
		}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routinecore_engine_skipped_ticks_total",
			Help: "Ticks skipped because the previous loop was still running.",
		}),
		loopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routinecore_engine_loop_duration_seconds",
			Help:    "Time spent in a routine's loop callback.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routinecore_engine_runs_total",
			Help: "Finished runs by routine and outcome.",
		}, []string{"routine", "status"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routinecore_engine_rejected_loads_total",
			Help: "Load attempts that never reached running, by reason.",
		}, []string{"reason"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routinecore_engine_state",
			Help: "1 for the engine's current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		commandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routinecore_engine_command_failures_total",
			Help: "Device commands that could not be delivered.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routinecore_engine_dropped_events_total",
			Help: "Device events discarded while the routine was paused.",
		}),
	}

	reg.MustRegister(m.ticks, m.skippedTicks, m.loopDuration, m.runs, m.rejected, m.state, m.commandFailures, m.droppedEvents)
	m.setState(StateIdle)
	return m
}

func (m *Metrics) tick(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.loopDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) skipTick() {
	if m == nil {
		return
	}
	m.skippedTicks.Inc()
}

func (m *Metrics) runFinished(routineID string, status RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(routineID, string(status)).Inc()
}

func (m *Metrics) loadRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range AllStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) commandFailed() {
	if m == nil {
		return
	}
	m.commandFailures.Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
