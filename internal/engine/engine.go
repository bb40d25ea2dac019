package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/stimulus"
)

const (
	defaultCallTimeout   = 10 * time.Second
	defaultRecentLogSize = 200
)

// Logger defines the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Catalog is where LoadAndStartID finds routines.
type Catalog interface {
	Load(id string) (routine.Routine, error)
}

// Telemetry receives per-tick and per-run measurements.
type Telemetry interface {
	RecordTick(routineID string, elapsed time.Duration, skipped bool)
	RecordRunEnd(routineID, status string, ticks, skipped int64, duration time.Duration)
}

// Broadcaster fans engine state and log lines out to live observers.
// Implementations must not block.
type Broadcaster interface {
	BroadcastStatus(status Status)
	BroadcastLog(entry LogEntry)
}

// Seeder is implemented by routines that draw randomness from a
// per-run seed. The seed is recorded with the run so it can be replayed.
type Seeder interface {
	SetSeed(seed uint64)
}

// Deps are the engine's collaborators. Registry is required; everything
// else may be nil.
type Deps struct {
	Catalog      Catalog
	Registry     dal.Registry
	Runs         RunStore
	Metrics      *Metrics
	Telemetry    Telemetry
	Broadcasters []Broadcaster
	Logger       Logger
	Tracer       trace.Tracer
}

// Config tunes the engine. The zero value uses defaults.
type Config struct {
	// CallTimeout bounds each routine lifecycle call and the release of
	// the device layer.
	CallTimeout time.Duration

	// RecentLogSize is the number of log entries kept for RecentLogs.
	RecentLogSize int

	// AllowHighIntensity lets routines enable safety-override parameters.
	AllowHighIntensity bool

	// CommandTimeout bounds each device command. Zero uses the layer default.
	CommandTimeout time.Duration
}

// ticker is the tick source of a run.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Engine runs at most one routine at a time.
//
// It resolves the routine's device roles, starts it, ticks it once per
// TickPeriod and tears it down. Every routine callback, including device
// callbacks registered through the layer, runs on the run's own goroutine,
// one at a time.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Engine struct {
	deps   Deps
	cfg    Config
	logger Logger
	tracer trace.Tracer
	logs   *logRing

	mu     sync.Mutex
	state  State
	active *activeRun

	// Replaced in tests.
	now       func() time.Time
	newTicker func(time.Duration) ticker
	newSeed   func() uint64
}

// New creates an idle engine.
//
// Parameters:
//   - deps: Registry for device resolution plus optional catalog, run
//     store, metrics, telemetry, broadcasters, logger and tracer
//   - cfg: Timeouts and safety settings
func New(deps Deps, cfg Config) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RecentLogSize <= 0 {
		cfg.RecentLogSize = defaultRecentLogSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/nerrad567/routine-core/internal/engine")
	}

	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		logs:   newLogRing(cfg.RecentLogSize),
		state:  StateIdle,
		now:    time.Now,
		newTicker: func(d time.Duration) ticker {
			return realTicker{t: time.NewTicker(d)}
		},
		newSeed: stimulus.NewSeed,
	}
}

// Status returns a snapshot of the engine state and the active run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{State: e.state}
	if e.active != nil {
		run := e.active.run
		st.Run = &run
	}
	return st
}

// RecentLogs returns up to n of the latest log entries, oldest first.
func (e *Engine) RecentLogs(n int) []LogEntry {
	return e.logs.last(n)
}

// ListRuns returns recorded runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if e.deps.Runs == nil {
		return []Run{}, nil
	}
	return e.deps.Runs.ListRuns(ctx, limit)
}

// GetRun returns one recorded run.
func (e *Engine) GetRun(ctx context.Context, id string) (*Run, error) {
	if e.deps.Runs == nil {
		return nil, ErrRunNotFound
	}
	return e.deps.Runs.GetRun(ctx, id)
}

// LoadAndStartID loads the routine registered under id and starts it.
func (e *Engine) LoadAndStartID(ctx context.Context, id string, overrides map[string]any) (Run, error) {
	if e.deps.Catalog == nil {
		return Run{}, fmt.Errorf("%w: no catalog configured", routine.ErrRoutineNotFound)
	}

	// Fail fast before building an instance.
	if st := e.Status(); st.State.Occupied() {
		e.deps.Metrics.loadRejected("busy")
		return Run{}, fmt.Errorf("%w: %s is %s", ErrEngineBusy, runLabel(st.Run), st.State)
	}

	r, err := e.deps.Catalog.Load(id)
	if err != nil {
		e.deps.Metrics.loadRejected(rejectReason(err))
		return Run{}, err
	}
	return e.LoadAndStart(ctx, r, overrides)
}

// LoadAndStart validates r, resolves its devices, applies parameter
// overrides and runs Start. It returns once Start has completed and the
// routine is Running.
//
// Parameters:
//   - ctx: Bounds the load; cancellation during Start aborts the load
//   - r: A fresh routine instance
//   - overrides: Parameter values replacing the declared defaults
//
// Returns:
//   - Run: The new run record
//   - error: nil on success, or:
//   - ErrEngineBusy if another routine occupies the engine
//   - routine.ErrInvalidRoutine if r fails validation
//   - routine.ErrInvalidParameter if an override is rejected
//   - dal.ErrMissingRequiredDevice if a required role has no device
//   - ErrRoutineRuntime if Start fails or panics
func (e *Engine) LoadAndStart(ctx context.Context, r routine.Routine, overrides map[string]any) (Run, error) {
	ctx, span := e.tracer.Start(ctx, "routine.load")
	defer span.End()

	ar, err := e.claim()
	if err != nil {
		e.deps.Metrics.loadRejected("busy")
		recordSpanError(span, err)
		return Run{}, err
	}

	if err := e.load(ctx, ar, r, overrides); err != nil {
		span.SetAttributes(attribute.String("routine.id", ar.run.RoutineID))
		recordSpanError(span, err)
		return Run{}, err
	}

	e.mu.Lock()
	run := ar.run
	e.mu.Unlock()

	span.SetAttributes(
		attribute.String("routine.id", run.RoutineID),
		attribute.String("run.id", run.ID),
	)
	return run, nil
}

// claim takes the engine slot or fails with ErrEngineBusy.
func (e *Engine) claim() (*activeRun, error) {
	e.mu.Lock()
	if e.state != StateIdle || e.active != nil {
		err := fmt.Errorf("%w: %s is %s", ErrEngineBusy, runLabel(e.activeRunLocked()), e.state)
		e.mu.Unlock()
		return nil, err
	}

	ar := newActiveRun(uuid.New().String())
	e.active = ar
	e.state = StateMapping
	st := e.statusLocked()
	e.mu.Unlock()

	e.stateChanged(StateMapping, ar.id, st)
	return ar, nil
}

func (e *Engine) activeRunLocked() *Run {
	if e.active == nil {
		return nil
	}
	run := e.active.run
	return &run
}

func (e *Engine) load(ctx context.Context, ar *activeRun, r routine.Routine, overrides map[string]any) error {
	if err := routine.Validate(r); err != nil {
		return e.rejectLoad(ar, "invalid_routine", err)
	}

	info := r.Info()
	e.updateRun(ar, func(run *Run) {
		run.RoutineID = info.ID
		run.Title = info.Title
	})
	e.emit(routine.LevelInfo, sourceEngine, ar.id, fmt.Sprintf("loading %s", info.Title))

	params, err := routine.ApplyParams(info.Parameters, overrides, e.cfg.AllowHighIntensity)
	if err != nil {
		return e.rejectLoad(ar, "invalid_parameter", err)
	}

	mapping, err := dal.Resolve(e.deps.Registry, info.RequiredDevices)
	if err != nil {
		return e.rejectLoad(ar, "missing_device", err)
	}

	seed := e.newSeed()
	e.updateRun(ar, func(run *Run) {
		run.Params = params
		run.Mapping = mapping
		run.Seed = seed
		run.Status = RunRunning
		run.StartedAt = e.now().UTC()
	})
	e.setState(StateStarting)

	ar.routine = r
	ar.layer = dal.NewLayer(e.deps.Registry, mapping, dal.Options{
		Logger:         e.logger,
		Dispatch:       ar.events.push,
		CommandTimeout: e.cfg.CommandTimeout,
		OnCommandFailure: func(logicalID string, err error) {
			e.deps.Metrics.commandFailed()
			e.emit(routine.LevelWarning, sourceEngine, ar.id, fmt.Sprintf("command to %s failed: %v", logicalID, err))
		},
	})

	runID := ar.id
	r.SetLogger(routine.LoggerFunc(func(level routine.Level, msg string) {
		e.emit(level, sourceRoutine, runID, msg)
	}))
	if s, ok := r.(Seeder); ok {
		s.SetSeed(seed)
	}

	e.persistCreate(ar)

	// Stop may cancel the run while Start is in progress.
	startCtx, cancel := mergeCancel(ctx, ar.ctx)
	err = e.call(startCtx, "start", func(ctx context.Context) error {
		return r.Start(ctx, ar.layer, params)
	})
	cancel()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: load cancelled: %w", ErrRoutineRuntime, ctx.Err())
	}
	if err != nil {
		e.failStart(ar, err)
		return err
	}

	if ar.stopRequested() {
		e.finish(ar, ar.reason(), nil)
		return nil
	}

	e.setState(StateRunning)
	e.emit(routine.LevelSuccess, sourceEngine, ar.id, fmt.Sprintf("%s started", info.Title))
	e.logger.Info("routine started",
		"routine_id", info.ID,
		"run_id", ar.id,
		"devices", len(mapping),
	)

	go e.runLoop(ar)
	return nil
}

// rejectLoad ends a load that never reached Starting.
func (e *Engine) rejectLoad(ar *activeRun, reason string, err error) error {
	e.deps.Metrics.loadRejected(reason)
	e.setState(StateError)
	e.emit(routine.LevelError, sourceEngine, ar.id, fmt.Sprintf("load rejected: %v", err))
	e.logger.Warn("routine load rejected", "run_id", ar.id, "reason", reason, "error", err)
	e.release(ar)
	return err
}

// failStart ends a run whose Start failed. End is not called because the
// routine never started; the layer is still released.
func (e *Engine) failStart(ar *activeRun, err error) {
	e.deps.Metrics.loadRejected("start_failed")
	e.setState(StateError)
	e.emit(routine.LevelError, sourceEngine, ar.id, fmt.Sprintf("start failed: %v", err))
	e.logger.Error("routine start failed", "run_id", ar.id, "error", err)

	e.releaseLayer(ar)
	e.completeRun(ar, RunFailed, reasonFailed, err)
	e.release(ar)
}

// Stop ends the active run, calling the routine's end callback, and waits
// until the engine is Idle or ctx expires. It is a no-op when Idle.
func (e *Engine) Stop(ctx context.Context) error {
	return e.stop(ctx, reasonStopped)
}

// Shutdown stops any active run before the process exits.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.stop(ctx, reasonShutdown)
}

func (e *Engine) stop(ctx context.Context, reason string) error {
	e.mu.Lock()
	ar := e.active
	e.mu.Unlock()
	if ar == nil {
		return nil
	}

	ar.requestStop(reason)

	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: stop: %w", ctx.Err())
	}
}

// Pause stops the ticker and calls the routine's pause callback.
// Device events arriving while paused are discarded.
func (e *Engine) Pause(ctx context.Context) error {
	return e.control(ctx, controlPause, StateRunning, ErrNotRunning)
}

// Resume restarts the ticker and calls the routine's resume callback.
// Start is not called again.
func (e *Engine) Resume(ctx context.Context) error {
	return e.control(ctx, controlResume, StatePaused, ErrNotPaused)
}

func (e *Engine) control(ctx context.Context, op controlOp, want State, wrongState error) error {
	e.mu.Lock()
	ar, state := e.active, e.state
	e.mu.Unlock()
	if ar == nil || state != want {
		return wrongState
	}

	req := controlRequest{op: op, reply: make(chan error, 1)}
	select {
	case ar.control <- req:
	case <-ar.done:
		return wrongState
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop is the run's execution slot. It owns ticks, device events and
// control requests until the run finishes.
func (e *Engine) runLoop(ar *activeRun) {
	reason, cause := e.serve(ar)
	e.finish(ar, reason, cause)
}

// serve processes run inputs and returns why the run ended. The ticker is
// stopped before it returns.
func (e *Engine) serve(ar *activeRun) (reason string, cause error) { //nolint:gocognit,gocyclo // single select over every run input
	tk := e.newTicker(TickPeriod)
	tickC := tk.C()
	paused := false
	var lastLoopEnd time.Time

	defer func() {
		if tk != nil {
			tk.Stop()
		}
	}()

	for {
		if ar.stopRequested() {
			return ar.reason(), nil
		}

		select {
		case <-ar.stopCh:
			return ar.reason(), nil

		case req := <-ar.control:
			var err error
			switch req.op {
			case controlPause:
				if paused {
					req.reply <- ErrNotRunning
					continue
				}
				tk.Stop()
				tk, tickC, paused = nil, nil, true
				e.setState(StatePaused)
				e.emit(routine.LevelInfo, sourceEngine, ar.id, "paused")
				if p, ok := ar.routine.(routine.Pauser); ok {
					err = e.call(ar.ctx, "pause", func(ctx context.Context) error {
						return p.Pause(ctx, ar.layer)
					})
				}
			case controlResume:
				if !paused {
					req.reply <- ErrNotPaused
					continue
				}
				tk = e.newTicker(TickPeriod)
				tickC, paused = tk.C(), false
				e.setState(StateRunning)
				e.emit(routine.LevelInfo, sourceEngine, ar.id, "resumed")
				if r, ok := ar.routine.(routine.Resumer); ok {
					err = e.call(ar.ctx, "resume", func(ctx context.Context) error {
						return r.Resume(ctx, ar.layer)
					})
				}
			}
			req.reply <- err
			if err != nil {
				return reasonFailed, err
			}

		case <-ar.events.signal:
			for _, fn := range ar.events.drain() {
				if paused {
					e.deps.Metrics.eventDropped()
					continue
				}
				if err := e.call(ar.ctx, "device callback", func(context.Context) error {
					fn()
					return nil
				}); err != nil {
					return reasonFailed, err
				}
				if ar.stopRequested() {
					break
				}
			}

		case t := <-tickC:
			// A tick queued while the previous loop was still running is
			// dropped rather than run late.
			if t.Before(lastLoopEnd) {
				e.updateRun(ar, func(run *Run) { run.SkippedTicks++ })
				e.deps.Metrics.skipTick()
				e.recordTick(ar, 0, true)
				continue
			}

			began := e.now()
			var cont bool
			err := e.call(ar.ctx, "loop", func(ctx context.Context) error {
				var err error
				cont, err = ar.routine.Loop(ctx, ar.layer)
				return err
			})
			lastLoopEnd = e.now()
			elapsed := lastLoopEnd.Sub(began)

			e.updateRun(ar, func(run *Run) { run.Ticks++ })
			e.deps.Metrics.tick(elapsed)
			e.recordTick(ar, elapsed, false)

			switch {
			case err != nil:
				return reasonFailed, err
			case !cont:
				return reasonCompleted, nil
			}
		}
	}
}

// finish takes a started run through Ending back to Idle. cause is the
// runtime error that ended the run, if any.
func (e *Engine) finish(ar *activeRun, reason string, cause error) {
	ctx, span := e.tracer.Start(context.Background(), "routine.end",
		trace.WithAttributes(
			attribute.String("run.id", ar.id),
			attribute.String("routine.id", ar.run.RoutineID),
			attribute.String("end.reason", reason),
		))
	defer span.End()

	if cause != nil {
		e.setState(StateError)
		e.emit(routine.LevelError, sourceEngine, ar.id, cause.Error())
		e.logger.Error("routine runtime error", "run_id", ar.id, "error", cause)
		recordSpanError(span, cause)
	}

	e.setState(StateEnding)
	if en, ok := ar.routine.(routine.Ender); ok {
		endCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := e.call(endCtx, "end", func(ctx context.Context) error {
			return en.End(ctx, ar.layer)
		})
		cancel()
		if err != nil {
			e.emit(routine.LevelWarning, sourceEngine, ar.id, fmt.Sprintf("end failed: %v", err))
			e.logger.Warn("routine end failed", "run_id", ar.id, "error", err)
		}
	}

	e.releaseLayer(ar)

	status := RunCompleted
	switch {
	case cause != nil:
		status = RunFailed
	case reason == reasonStopped || reason == reasonShutdown:
		status = RunStopped
	}
	e.completeRun(ar, status, reason, cause)

	e.emit(routine.LevelInfo, sourceEngine, ar.id, fmt.Sprintf("%s ended: %s", ar.run.Title, reason))
	e.release(ar)
}

// completeRun records the final run state in the store, metrics and
// telemetry.
func (e *Engine) completeRun(ar *activeRun, status RunStatus, reason string, cause error) {
	ended := e.now().UTC()
	var run Run
	e.updateRun(ar, func(r *Run) {
		r.Status = status
		r.EndReason = reason
		if cause != nil {
			r.Error = cause.Error()
		}
		r.EndedAt = &ended
		run = *r
	})

	if e.deps.Runs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		if err := e.deps.Runs.UpdateRun(ctx, &run); err != nil {
			e.logger.Error("failed to update run record", "run_id", run.ID, "error", err)
		}
		cancel()
	}

	e.deps.Metrics.runFinished(run.RoutineID, status)
	if e.deps.Telemetry != nil {
		e.deps.Telemetry.RecordRunEnd(run.RoutineID, string(status), run.Ticks, run.SkippedTicks, ended.Sub(run.StartedAt))
	}

	e.logger.Info("routine ended",
		"routine_id", run.RoutineID,
		"run_id", run.ID,
		"status", status,
		"reason", reason,
		"ticks", run.Ticks,
		"skipped_ticks", run.SkippedTicks,
	)
}

func (e *Engine) releaseLayer(ar *activeRun) {
	if ar.layer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()
	if err := ar.layer.Release(ctx); err != nil {
		e.logger.Warn("device layer release incomplete", "run_id", ar.id, "error", err)
	}
}

// release frees the engine slot and returns to Idle.
func (e *Engine) release(ar *activeRun) {
	ar.cancel()

	e.mu.Lock()
	if e.active == ar {
		e.active = nil
	}
	e.state = StateIdle
	st := e.statusLocked()
	e.mu.Unlock()

	e.stateChanged(StateIdle, ar.id, st)
	close(ar.done)
}

func (e *Engine) persistCreate(ar *activeRun) {
	if e.deps.Runs == nil {
		return
	}
	e.mu.Lock()
	run := ar.run
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()
	if err := e.deps.Runs.CreateRun(ctx, &run); err != nil {
		e.logger.Error("failed to create run record", "run_id", run.ID, "error", err)
	}
}

// call runs one routine callback, converting errors and panics into
// ErrRoutineRuntime.
func (e *Engine) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrRoutineRuntime, name, r)
		}
	}()

	if err := fn(ctx); err != nil {
		if errors.Is(err, ErrRoutineRuntime) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrRoutineRuntime, name, err)
	}
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	st := e.statusLocked()
	e.mu.Unlock()

	runID := ""
	if st.Run != nil {
		runID = st.Run.ID
	}
	e.stateChanged(s, runID, st)
}

// stateChanged publishes a transition to metrics, the log sink and the
// broadcasters.
func (e *Engine) stateChanged(s State, runID string, st Status) {
	e.deps.Metrics.setState(s)
	e.logger.Debug("engine state changed", "state", s, "run_id", runID)
	e.emit(routine.LevelDebug, sourceEngine, runID, "state "+string(s))
	e.broadcastStatus(st)
}

func (e *Engine) updateRun(ar *activeRun, fn func(run *Run)) {
	e.mu.Lock()
	fn(&ar.run)
	e.mu.Unlock()
}

func (e *Engine) recordTick(ar *activeRun, elapsed time.Duration, skipped bool) {
	if e.deps.Telemetry != nil {
		e.deps.Telemetry.RecordTick(ar.run.RoutineID, elapsed, skipped)
	}
}

// emit records an operator-facing log line and fans it out.
func (e *Engine) emit(level routine.Level, source, runID, msg string) {
	if !level.Valid() {
		level = routine.LevelInfo
	}
	entry := LogEntry{
		Time:    e.now().UTC(),
		Level:   level,
		Source:  source,
		RunID:   runID,
		Message: msg,
	}
	e.logs.add(entry)

	if source == sourceRoutine {
		e.logger.Info("routine log", "run_id", runID, "level", level, "message", msg)
	}

	for _, b := range e.deps.Broadcasters {
		b.BroadcastLog(entry)
	}
}

func (e *Engine) broadcastStatus(st Status) {
	for _, b := range e.deps.Broadcasters {
		b.BroadcastStatus(st)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func runLabel(run *Run) string {
	if run == nil {
		return "another routine"
	}
	if run.RoutineID != "" {
		return run.RoutineID
	}
	return "run " + run.ID
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, routine.ErrRoutineNotFound):
		return "not_found"
	case errors.Is(err, routine.ErrInvalidRoutine):
		return "invalid_routine"
	}
	return "load_failed"
}

// mergeCancel returns a context derived from parent that is also cancelled
// when other is.
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
