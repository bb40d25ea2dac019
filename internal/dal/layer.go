package dal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/routine-core/internal/device"
)

const (
	defaultCommandTimeout = 5 * time.Second
	defaultOutboxSize     = 64
)

// Devices is the role-indexed device API handed to a running routine.
// Routines never see physical device IDs.
type Devices interface {
	// Has reports whether the role resolved to a device.
	Has(logicalID string) bool

	// GetProperty returns the last known value, or nil when the role is
	// unresolved or the key was never reported. It never blocks.
	GetProperty(logicalID, key string) any

	// SetProperty merges patch into the device's properties and queues it
	// for delivery. It returns false, and logs, when the command cannot be
	// queued. Delivery is at-most-once and never awaited.
	SetProperty(logicalID string, patch map[string]any) bool

	// OnPropertyChange calls fn whenever the device reports key with a value
	// different from the previous one.
	OnPropertyChange(logicalID, key string, fn PropertyChangeFunc) bool

	// OnMessage calls fn for every raw message from the device.
	OnMessage(logicalID string, fn MessageFunc) bool
}

// PropertyChangeFunc receives the new value and the full property snapshot.
type PropertyChangeFunc func(value any, snapshot map[string]any)

// MessageFunc receives a raw message payload.
type MessageFunc func(payload map[string]any)

// Dispatcher runs fn in the routine's execution slot.
type Dispatcher func(fn func())

// Logger defines the logging interface used by the layer.
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

// Options configures a Layer. The zero value is usable.
type Options struct {
	Logger Logger

	// Dispatch serializes routine callbacks. Nil runs them inline on the
	// registry's delivery goroutine.
	Dispatch Dispatcher

	// CommandTimeout bounds each PublishCommand. Defaults to 5s.
	CommandTimeout time.Duration

	// OutboxSize is the number of queued commands before SetProperty
	// starts dropping. Defaults to 64.
	OutboxSize int

	// OnCommandFailure is told about every command that was not delivered.
	OnCommandFailure func(logicalID string, err error)
}

type command struct {
	logicalID string
	deviceID  string
	patch     map[string]any
}

// Layer is the device abstraction for one routine run. It is created from
// a resolved Mapping and must be released when the run ends.
//
// Thread Safety: all methods are safe for concurrent use.
type Layer struct {
	reg     Registry
	mapping Mapping
	opts    Options
	logger  Logger

	mu       sync.Mutex
	unsubs   []func()
	released bool

	outbox     chan command
	outboxDone chan struct{}
}

// NewLayer binds a mapping to the registry and starts the command outbox.
func NewLayer(reg Registry, mapping Mapping, opts Options) *Layer {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { fn() }
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}

	l := &Layer{
		reg:        reg,
		mapping:    make(Mapping, len(mapping)),
		opts:       opts,
		logger:     opts.Logger,
		outbox:     make(chan command, opts.OutboxSize),
		outboxDone: make(chan struct{}),
	}
	for k, v := range mapping {
		l.mapping[k] = v
	}

	go l.runOutbox()
	return l
}

// Mapping returns a copy of the role bindings.
func (l *Layer) Mapping() Mapping {
	out := make(Mapping, len(l.mapping))
	for k, v := range l.mapping {
		out[k] = v
	}
	return out
}

// Has reports whether the role resolved to a device.
func (l *Layer) Has(logicalID string) bool {
	_, ok := l.mapping[logicalID]
	return ok
}

// GetProperty returns the device's last known value for key.
func (l *Layer) GetProperty(logicalID, key string) any {
	ref, ok := l.mapping[logicalID]
	if !ok {
		return nil
	}
	d, err := l.reg.GetDevice(ref.ID)
	if err != nil {
		return nil
	}
	return d.Properties[key]
}

// SetProperty merges patch locally and queues it for the transport.
func (l *Layer) SetProperty(logicalID string, patch map[string]any) bool {
	ref, ok := l.mapping[logicalID]
	if !ok {
		l.commandFailed(logicalID, fmt.Errorf("%w: role %q is not mapped", ErrDeviceCommandFailed, logicalID))
		return false
	}
	if len(patch) == 0 {
		return true
	}

	patch = device.CopyProperties(patch)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		l.commandFailed(logicalID, fmt.Errorf("%w: %w", ErrDeviceCommandFailed, ErrReleased))
		return false
	}

	if err := l.reg.MergeProperties(ref.ID, patch); err != nil {
		l.commandFailed(logicalID, fmt.Errorf("%w: %w", ErrDeviceCommandFailed, err))
		return false
	}

	select {
	case l.outbox <- command{logicalID: logicalID, deviceID: ref.ID, patch: patch}:
		return true
	default:
		l.commandFailed(logicalID, fmt.Errorf("%w: outbox full", ErrDeviceCommandFailed))
		return false
	}
}

// OnPropertyChange subscribes fn to edge-triggered changes of key.
//
// The previous value is seeded from the registry at subscription time, so
// a report repeating the current value does not fire. A key never seen
// before fires on its first report. Reports whose callback is dropped by
// the dispatcher leave the previous value untouched.
func (l *Layer) OnPropertyChange(logicalID, key string, fn PropertyChangeFunc) bool {
	ref, ok := l.mapping[logicalID]
	if !ok {
		l.logger.Warn("property subscription for unmapped role", "role", logicalID, "key", key)
		return false
	}

	var (
		edgeMu  sync.Mutex
		prev    any
		hasPrev bool
	)
	if d, err := l.reg.GetDevice(ref.ID); err == nil {
		prev, hasPrev = d.Properties[key]
	}

	handler := func(rep device.PropertyReport) {
		value, reported := rep.Changed[key]
		if !reported {
			return
		}

		snapshot := rep.Snapshot
		l.opts.Dispatch(func() {
			if l.isReleased() {
				return
			}

			edgeMu.Lock()
			if hasPrev && device.ValuesEqual(prev, value) {
				edgeMu.Unlock()
				return
			}
			prev, hasPrev = value, true
			edgeMu.Unlock()

			fn(value, snapshot)
		})
	}

	return l.track(l.reg.OnPropertyReport(ref.ID, handler))
}

// OnMessage subscribes fn to every raw message from the device.
func (l *Layer) OnMessage(logicalID string, fn MessageFunc) bool {
	ref, ok := l.mapping[logicalID]
	if !ok {
		l.logger.Warn("message subscription for unmapped role", "role", logicalID)
		return false
	}

	handler := func(msg device.Message) {
		payload := msg.Payload
		l.opts.Dispatch(func() {
			if l.isReleased() {
				return
			}
			fn(payload)
		})
	}

	return l.track(l.reg.OnMessage(ref.ID, handler))
}

// Release unsubscribes every callback and waits for queued commands to be
// delivered or ctx to expire. Commands queued by the routine's end
// callback are therefore flushed before the run is torn down.
// Release is idempotent.
func (l *Layer) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	unsubs := l.unsubs
	l.unsubs = nil
	close(l.outbox)
	l.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	select {
	case <-l.outboxDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dal: release: %w", ctx.Err())
	}
}

func (l *Layer) track(unsub func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		unsub()
		return false
	}
	l.unsubs = append(l.unsubs, unsub)
	return true
}

func (l *Layer) isReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func (l *Layer) runOutbox() {
	defer close(l.outboxDone)

	for cmd := range l.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.CommandTimeout)
		err := l.reg.PublishCommand(ctx, cmd.deviceID, cmd.patch)
		cancel()
		if err != nil {
			l.commandFailed(cmd.logicalID, fmt.Errorf("%w: %w", ErrDeviceCommandFailed, err))
		}
	}
}

func (l *Layer) commandFailed(logicalID string, err error) {
	l.logger.Warn("device command failed", "role", logicalID, "error", err)
	if l.opts.OnCommandFailure != nil {
		l.opts.OnCommandFailure(logicalID, err)
	}
}
