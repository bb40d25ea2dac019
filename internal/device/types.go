package device

import "time"

// Device is one piece of hardware known to the registry: a lock, a
// stimulus unit, a sensor. It is created on first telemetry observation
// and only mutated by inbound reports (and local command merges).
type Device struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"type"`
	Connected bool           `json:"connected"`
	LastSeen  time.Time      `json:"last_seen"`
	CreatedAt time.Time      `json:"created_at"`
	// Properties holds the last reported value for every property key.
	Properties map[string]any `json:"properties"`
}

// DeepCopy creates a complete independent copy of the Device.
// Property maps are cloned so modifications to the copy do not affect
// the registry cache.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Properties = deepCopyMap(d.Properties)
	return &cpy
}

// PropertyReport is delivered to OnPropertyReport subscribers.
type PropertyReport struct {
	DeviceID string
	// Changed holds only the keys carried by this report.
	Changed map[string]any
	// Snapshot is the full property set after the report was merged.
	Snapshot map[string]any
	Time     time.Time
}

// Message is a raw inbound message attributed to a device. Messages carry
// discrete action events (button presses, tamper alerts) that are not
// tracked as properties.
type Message struct {
	DeviceID string
	Payload  map[string]any
	Time     time.Time
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	case []byte:
		cpy := make([]byte, len(val))
		copy(cpy, val)
		return cpy
	default:
		return v
	}
}

// CopyProperties returns a deep copy of a property map.
func CopyProperties(m map[string]any) map[string]any {
	return deepCopyMap(m)
}
