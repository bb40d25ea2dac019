package dal

import "errors"

var (
	// ErrMissingRequiredDevice is returned by Resolve when a required role
	// has no connected device of the requested type.
	ErrMissingRequiredDevice = errors.New("dal: missing required device")

	// ErrDeviceCommandFailed marks a SetProperty that could not be delivered.
	// It is logged and reported to the failure hook, never returned to the
	// routine.
	ErrDeviceCommandFailed = errors.New("dal: device command failed")

	// ErrReleased is reported for commands issued after the layer was released.
	ErrReleased = errors.New("dal: layer released")
)
