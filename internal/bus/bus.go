package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/routine-core/internal/engine"
	"github.com/nerrad567/routine-core/internal/infrastructure/mqtt"
)

const (
	defaultOutboxSize = 256
	commandSource     = "engine"
)

// MQTTClient is the subset of *mqtt.Client the bus needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// DeviceRegistry receives inbound device traffic.
// *device.Registry satisfies it.
type DeviceRegistry interface {
	ReportProperties(ctx context.Context, deviceID, deviceType, name string, props map[string]any) error
	ReportMessage(deviceID string, payload map[string]any)
}

// Logger defines the logging interface used by the bus.
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

// Options configures a Bus.
type Options struct {
	// QoS for subscriptions and publishes.
	QoS byte

	// OutboxSize bounds queued status and log publishes. Defaults to 256.
	OutboxSize int

	Logger Logger
}

type outbound struct {
	topic    string
	payload  any
	retained bool
}

// Bus connects the registry and engine to MQTT.
//
// Thread Safety: all methods are safe for concurrent use.
type Bus struct {
	mqtt     MQTTClient
	registry DeviceRegistry
	qos      byte
	logger   Logger
	now      func() time.Time

	// outbox decouples engine broadcasts from broker latency.
	outbox chan outbound

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a bus. Call Start to subscribe and begin publishing.
func New(client MQTTClient, registry DeviceRegistry, opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	return &Bus{
		mqtt:     client,
		registry: registry,
		qos:      opts.QoS,
		logger:   opts.Logger,
		now:      time.Now,
		outbox:   make(chan outbound, opts.OutboxSize),
	}
}

// Start subscribes to device state and message topics and starts the
// broadcast publisher. The publisher stops when ctx is cancelled or Stop
// is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	topics := mqtt.Topics{}
	if err := b.mqtt.Subscribe(topics.AllDeviceStates(), b.qos, b.handleState); err != nil {
		return fmt.Errorf("subscribe to device states: %w", err)
	}
	if err := b.mqtt.Subscribe(topics.AllDeviceMessages(), b.qos, b.handleMessage); err != nil {
		b.mqtt.Unsubscribe(topics.AllDeviceStates()) //nolint:errcheck // Best-effort rollback
		return fmt.Errorf("subscribe to device messages: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.publishLoop(ctx, b.done)

	b.logger.Info("device bus started",
		"states", topics.AllDeviceStates(),
		"messages", topics.AllDeviceMessages(),
	)
	return nil
}

// Stop unsubscribes and stops the publisher. Queued broadcasts are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	topics := mqtt.Topics{}
	for _, topic := range []string{topics.AllDeviceStates(), topics.AllDeviceMessages()} {
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logger.Warn("failed to unsubscribe", "topic", topic, "error", err)
		}
	}

	cancel()
	<-done
}

// handleState applies a device property report.
func (b *Bus) handleState(topic string, payload []byte) error {
	deviceID, err := deviceFromTopic(topic, "state")
	if err != nil {
		return err
	}

	var msg StateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: state for %s: %w", ErrInvalidPayload, deviceID, err)
	}
	if msg.Properties == nil {
		msg.Properties = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.registry.ReportProperties(ctx, deviceID, msg.Type, msg.Name, msg.Properties)
}

// handleMessage forwards a raw device message.
func (b *Bus) handleMessage(topic string, payload []byte) error {
	deviceID, err := deviceFromTopic(topic, "message")
	if err != nil {
		return err
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil || msg == nil {
		return fmt.Errorf("%w: message for %s must be a JSON object", ErrInvalidPayload, deviceID)
	}

	b.registry.ReportMessage(deviceID, msg)
	return nil
}

// SendCommand publishes patch to the device's command topic.
// It implements device.Transport.
func (b *Bus) SendCommand(ctx context.Context, deviceID string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.mqtt.IsConnected() {
		return ErrNotConnected
	}

	cmd := CommandMessage{
		ID:        uuid.New().String(),
		Timestamp: b.now().UTC(),
		DeviceID:  deviceID,
		Patch:     patch,
		Source:    commandSource,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: command for %s: %w", ErrInvalidPayload, deviceID, err)
	}

	if err := b.mqtt.Publish(mqtt.Topics{}.DeviceCommand(deviceID), payload, b.qos, false); err != nil {
		return err
	}
	b.logger.Debug("command sent", "device_id", deviceID, "command_id", cmd.ID)
	return nil
}

// BroadcastStatus queues the engine status for the retained status topic.
func (b *Bus) BroadcastStatus(st engine.Status) {
	b.enqueue(outbound{
		topic:    mqtt.Topics{}.EngineStatus(),
		payload:  StatusMessage{Timestamp: b.now().UTC(), State: st.State, Run: st.Run},
		retained: true,
	})
}

// BroadcastLog queues a log line for the engine log topic.
func (b *Bus) BroadcastLog(entry engine.LogEntry) {
	b.enqueue(outbound{topic: mqtt.Topics{}.EngineLog(), payload: entry})
}

func (b *Bus) enqueue(o outbound) {
	select {
	case b.outbox <- o:
	default:
		b.logger.Warn("bus outbox full, dropping publish", "topic", o.topic)
	}
}

func (b *Bus) publishLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-b.outbox:
			if !b.mqtt.IsConnected() {
				continue
			}
			payload, err := json.Marshal(o.payload)
			if err != nil {
				b.logger.Error("failed to marshal broadcast", "topic", o.topic, "error", err)
				continue
			}
			if err := b.mqtt.Publish(o.topic, payload, b.qos, o.retained); err != nil {
				b.logger.Warn("broadcast publish failed", "topic", o.topic, "error", err)
			}
		}
	}
}

func deviceFromTopic(topic, want string) (string, error) {
	id, kind, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok || kind != want {
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return id, nil
}
