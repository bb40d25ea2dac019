package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrNoTransport is returned by PublishCommand when no transport is attached.
	ErrNoTransport = errors.New("device: no transport attached")

	// ErrCommandFailed is returned when the transport rejects a command.
	ErrCommandFailed = errors.New("device: command failed")
)
