package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Transport delivers a command patch to physical hardware.
// The MQTT bus binding is the production implementation.
type Transport interface {
	SendCommand(ctx context.Context, deviceID string, patch map[string]any) error
}

// Observer receives a copy of every property report and outbound command,
// typically for time-series telemetry. Implementations must not block.
type Observer interface {
	RecordProperties(deviceID, deviceType string, props map[string]any)
	RecordCommand(deviceID string, patch map[string]any)
}

// PropertyHandler receives property reports for one device.
type PropertyHandler func(PropertyReport)

// MessageHandler receives raw messages for one device.
type MessageHandler func(Message)

// Registry holds the live set of known devices and fans inbound reports out
// to subscribers.
//
// Reports for the same device are applied and dispatched under a
// per-device lock, so subscribers see them in the order the registry
// received them. Handlers must not report to the same device they are
// handling (that would self-deadlock); they should hand work off instead.
//
// All public methods are thread-safe.
type Registry struct {
	repo      Repository
	transport Transport
	observer  Observer
	logger    Logger
	now       func() time.Time

	cache   map[string]*Device
	order   []string // IDs in first-observation order
	cacheMu sync.RWMutex

	subsMu    sync.RWMutex
	propSubs  map[string]map[uint64]PropertyHandler
	msgSubs   map[string]map[uint64]MessageHandler
	nextSubID uint64

	dispatchMu    sync.Mutex
	dispatchLocks map[string]*sync.Mutex
}

// NewRegistry creates a new device registry.
// repo may be nil for a purely in-memory registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:          repo,
		logger:        noopLogger{},
		now:           func() time.Time { return time.Now().UTC() },
		cache:         make(map[string]*Device),
		propSubs:      make(map[string]map[uint64]PropertyHandler),
		msgSubs:       make(map[string]map[uint64]MessageHandler),
		dispatchLocks: make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetTransport attaches the command transport.
func (r *Registry) SetTransport(t Transport) {
	r.transport = t
}

// SetObserver attaches a telemetry observer.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// RefreshCache loads persisted devices into the cache. They start
// disconnected until their first live report arrives.
func (r *Registry) RefreshCache(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	for i := range devices {
		d := devices[i].DeepCopy()
		d.Connected = false
		if _, known := r.cache[d.ID]; known {
			continue
		}
		r.cache[d.ID] = d
		r.order = append(r.order, d.ID)
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// ReportProperties applies a telemetry report. The device is created on
// first observation; deviceType may be empty for an already known device.
// Property subscribers get the report, then message subscribers get the
// reported properties as a raw message.
func (r *Registry) ReportProperties(ctx context.Context, deviceID, deviceType, name string, props map[string]any) error {
	unlock := r.lockDevice(deviceID)
	defer unlock()

	now := r.now()

	r.cacheMu.Lock()
	d, known := r.cache[deviceID]
	if !known {
		if err := ValidateIdentity(deviceID, deviceType); err != nil {
			r.cacheMu.Unlock()
			return err
		}
		d = &Device{ID: deviceID, Type: deviceType, CreatedAt: now, Properties: make(map[string]any)}
		r.cache[deviceID] = d
		r.order = append(r.order, deviceID)
	} else if deviceType != "" && deviceType != d.Type {
		r.logger.Warn("device type changed", "id", deviceID, "from", d.Type, "to", deviceType)
		d.Type = deviceType
	}
	if name != "" && ValidateName(name) == nil {
		d.Name = name
	}
	if d.Properties == nil {
		d.Properties = make(map[string]any, len(props))
	}
	for k, v := range props {
		d.Properties[k] = deepCopyValue(v)
	}
	wasConnected := d.Connected
	d.Connected = true
	d.LastSeen = now
	persisted := d.DeepCopy()
	r.cacheMu.Unlock()

	if !known {
		r.logger.Info("device discovered", "id", deviceID, "type", persisted.Type)
	} else if !wasConnected {
		r.logger.Info("device connected", "id", deviceID, "type", persisted.Type)
	}

	r.persist(ctx, persisted, !known)

	if r.observer != nil {
		r.observer.RecordProperties(deviceID, persisted.Type, deepCopyMap(props))
	}

	r.subsMu.RLock()
	handlers := make([]PropertyHandler, 0, len(r.propSubs[deviceID]))
	for _, h := range r.propSubs[deviceID] {
		handlers = append(handlers, h)
	}
	r.subsMu.RUnlock()

	for _, h := range handlers {
		h(PropertyReport{
			DeviceID: deviceID,
			Changed:  deepCopyMap(props),
			Snapshot: deepCopyMap(persisted.Properties),
			Time:     now,
		})
	}

	// A state report is also a raw message from the device.
	for _, h := range r.messageHandlers(deviceID) {
		h(Message{DeviceID: deviceID, Payload: deepCopyMap(props), Time: now})
	}
	return nil
}

// ReportMessage dispatches a raw message. Known devices are marked seen.
func (r *Registry) ReportMessage(deviceID string, payload map[string]any) {
	unlock := r.lockDevice(deviceID)
	defer unlock()

	now := r.now()

	r.cacheMu.Lock()
	if d, ok := r.cache[deviceID]; ok {
		d.LastSeen = now
		d.Connected = true
	}
	r.cacheMu.Unlock()

	handlers := r.messageHandlers(deviceID)
	if len(handlers) == 0 {
		r.logger.Debug("message without subscribers", "id", deviceID)
	}
	for _, h := range handlers {
		h(Message{DeviceID: deviceID, Payload: deepCopyMap(payload), Time: now})
	}
}

// OnPropertyReport subscribes to property reports for one device.
// The returned function unsubscribes; it is safe to call more than once.
func (r *Registry) OnPropertyReport(deviceID string, h PropertyHandler) (unsubscribe func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.nextSubID++
	id := r.nextSubID
	if r.propSubs[deviceID] == nil {
		r.propSubs[deviceID] = make(map[uint64]PropertyHandler)
	}
	r.propSubs[deviceID][id] = h

	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		delete(r.propSubs[deviceID], id)
		if len(r.propSubs[deviceID]) == 0 {
			delete(r.propSubs, deviceID)
		}
	}
}

// OnMessage subscribes to raw messages for one device, state reports
// included.
func (r *Registry) OnMessage(deviceID string, h MessageHandler) (unsubscribe func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.nextSubID++
	id := r.nextSubID
	if r.msgSubs[deviceID] == nil {
		r.msgSubs[deviceID] = make(map[uint64]MessageHandler)
	}
	r.msgSubs[deviceID][id] = h

	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		delete(r.msgSubs[deviceID], id)
		if len(r.msgSubs[deviceID]) == 0 {
			delete(r.msgSubs, deviceID)
		}
	}
}

// MergeProperties merges a locally issued patch into the cached property
// set without notifying subscribers. Subscribers only hear about values
// the hardware reports back.
func (r *Registry) MergeProperties(deviceID string, patch map[string]any) error {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	d, ok := r.cache[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if d.Properties == nil {
		d.Properties = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		d.Properties[k] = deepCopyValue(v)
	}
	return nil
}

// PublishCommand hands a patch to the transport for delivery.
// Delivery is at-most-once; success means the transport accepted it.
func (r *Registry) PublishCommand(ctx context.Context, deviceID string, patch map[string]any) error {
	r.cacheMu.RLock()
	_, ok := r.cache[deviceID]
	r.cacheMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	if r.transport == nil {
		return ErrNoTransport
	}

	if err := r.transport.SendCommand(ctx, deviceID, deepCopyMap(patch)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCommandFailed, deviceID, err)
	}

	if r.observer != nil {
		r.observer.RecordCommand(deviceID, deepCopyMap(patch))
	}
	r.logger.Debug("command published", "id", deviceID)
	return nil
}

// GetDevice retrieves a device by ID.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(deviceID string) (*Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	d, ok := r.cache[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return d.DeepCopy(), nil
}

// ListDevices returns every known device in first-observation order.
func (r *Registry) ListDevices() []Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	devices := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, *r.cache[id].DeepCopy())
	}
	return devices
}

// GetDevicesByType returns every device of the given type, connected or not,
// in first-observation order. The order is stable so "first match wins"
// resolution is deterministic.
func (r *Registry) GetDevicesByType(deviceType string) []Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var devices []Device
	for _, id := range r.order {
		if d := r.cache[id]; d.Type == deviceType {
			devices = append(devices, *d.DeepCopy())
		}
	}
	return devices
}

// SweepLiveness marks devices silent for at least timeout as disconnected
// and returns their IDs.
func (r *Registry) SweepLiveness(now time.Time, timeout time.Duration) []string {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	var stale []string
	for _, id := range r.order {
		d := r.cache[id]
		if d.Connected && now.Sub(d.LastSeen) >= timeout {
			d.Connected = false
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.logger.Warn("device disconnected (liveness timeout)", "id", id, "timeout", timeout)
	}
	return stale
}

// RunLivenessMonitor sweeps every interval until ctx is cancelled.
func (r *Registry) RunLivenessMonitor(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepLiveness(r.now(), timeout)
		}
	}
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int            `json:"total_devices"`
	Connected    int            `json:"connected"`
	ByType       map[string]int `json:"by_type"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{TotalDevices: len(r.cache), ByType: make(map[string]int)}
	for _, d := range r.cache {
		stats.ByType[d.Type]++
		if d.Connected {
			stats.Connected++
		}
	}
	return stats
}

// lockDevice serialises report handling for one device.
func (r *Registry) messageHandlers(deviceID string) []MessageHandler {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	handlers := make([]MessageHandler, 0, len(r.msgSubs[deviceID]))
	for _, h := range r.msgSubs[deviceID] {
		handlers = append(handlers, h)
	}
	return handlers
}

func (r *Registry) lockDevice(deviceID string) (unlock func()) {
	r.dispatchMu.Lock()
	mu, ok := r.dispatchLocks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		r.dispatchLocks[deviceID] = mu
	}
	r.dispatchMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (r *Registry) persist(ctx context.Context, d *Device, created bool) {
	if r.repo == nil {
		return
	}
	var err error
	if created {
		err = r.repo.Upsert(ctx, d)
	} else {
		err = r.repo.UpdateProperties(ctx, d.ID, d.Properties, d.LastSeen)
	}
	if err != nil {
		// Live dispatch continues; the cache stays authoritative.
		r.logger.Error("persisting device failed", "id", d.ID, "error", err)
	}
}
