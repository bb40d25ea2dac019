package dal

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/routine-core/internal/device"
)

// Requirement declares a logical device role a routine needs.
type Requirement struct {
	LogicalID string `json:"logical_id"`
	Type      string `json:"type"`
	Required  bool   `json:"required"`
}

// DeviceRef identifies the concrete device bound to a role.
type DeviceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Mapping binds logical IDs to devices. Optional roles that could not be
// resolved have no entry.
type Mapping map[string]DeviceRef

// Registry is the part of the device registry the layer consumes.
// *device.Registry implements it.
type Registry interface {
	GetDevicesByType(deviceType string) []device.Device
	OnPropertyReport(deviceID string, h device.PropertyHandler) (unsubscribe func())
	OnMessage(deviceID string, h device.MessageHandler) (unsubscribe func())
	GetDevice(deviceID string) (*device.Device, error)
	MergeProperties(deviceID string, patch map[string]any) error
	PublishCommand(ctx context.Context, deviceID string, patch map[string]any) error
}

// Resolve maps each requirement to the first connected device of the
// matching type, in the registry's first-observation order. A device may
// serve more than one role.
//
// Resolution is atomic: if any required role is unmatched, no mapping is
// returned and the error names every missing role.
//
// Parameters:
//   - reg: device registry to search
//   - reqs: the routine's declared requirements
//
// Returns:
//   - Mapping: one entry per resolved role
//   - error: ErrMissingRequiredDevice if a required role is unmatched
func Resolve(reg Registry, reqs []Requirement) (Mapping, error) {
	mapping := make(Mapping, len(reqs))
	var missing []string

	for _, req := range reqs {
		ref, ok := firstConnected(reg, req.Type)
		if ok {
			mapping[req.LogicalID] = ref
			continue
		}
		if req.Required {
			missing = append(missing, fmt.Sprintf("%s (%s)", req.LogicalID, req.Type))
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredDevice, strings.Join(missing, ", "))
	}
	return mapping, nil
}

func firstConnected(reg Registry, deviceType string) (DeviceRef, bool) {
	for _, d := range reg.GetDevicesByType(deviceType) {
		if d.Connected {
			return DeviceRef{ID: d.ID, Type: d.Type}, true
		}
	}
	return DeviceRef{}, false
}
