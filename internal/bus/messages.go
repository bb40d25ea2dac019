package bus

import (
	"time"

	"github.com/nerrad567/routine-core/internal/engine"
)

// StateMessage is published by a device to report its properties.
// Topic: routinecore/device/{id}/state
type StateMessage struct {
	// Type is the device's hardware type code (e.g. "ZIDONGSUO").
	// It may be omitted after the first report.
	Type string `json:"type,omitempty"`

	// Name is an optional display name.
	Name string `json:"name,omitempty"`

	// Properties are merged into the device's property set.
	Properties map[string]any `json:"properties"`
}

// CommandMessage is sent from the core to a device.
// Topic: routinecore/device/{id}/command
type CommandMessage struct {
	// ID uniquely identifies this command.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	DeviceID string `json:"device_id"`

	// Patch holds the property values to apply.
	Patch map[string]any `json:"patch"`

	// Source indicates where the command originated.
	Source string `json:"source"`
}

// StatusMessage mirrors engine.Status on the retained status topic.
type StatusMessage struct {
	Timestamp time.Time    `json:"timestamp"`
	State     engine.State `json:"state"`
	Run       *engine.Run  `json:"run,omitempty"`
}
