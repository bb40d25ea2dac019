package stimulus

import "errors"

// ErrInvalidConfig is returned when a primitive is constructed with
// inconsistent settings.
var ErrInvalidConfig = errors.New("stimulus: invalid configuration")
