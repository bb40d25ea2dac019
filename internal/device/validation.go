package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxIDLength   = 128
	maxTypeLength = 64
	maxNameLength = 100
)

// ValidateIdentity checks a device ID and type as they arrive from telemetry.
// IDs end up in MQTT topics, so wildcard and separator characters are refused.
func ValidateIdentity(id, deviceType string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDevice, maxIDLength)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: id %q contains a topic separator or wildcard", ErrInvalidDevice, id)
	}
	if deviceType == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidDevice)
	}
	if len(deviceType) > maxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters", ErrInvalidDevice, maxTypeLength)
	}
	return nil
}

// ValidateName checks an optional display name.
func ValidateName(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	return nil
}

// GenerateID creates a new UUID, used for command correlation IDs.
func GenerateID() string {
	return uuid.New().String()
}
