package bus

import "errors"

var (
	// ErrInvalidTopic is returned for a topic that is not a device topic.
	ErrInvalidTopic = errors.New("bus: invalid device topic")

	// ErrInvalidPayload is returned for a payload that is not the expected JSON.
	ErrInvalidPayload = errors.New("bus: invalid payload")

	// ErrNotConnected is returned by SendCommand while the broker is unreachable.
	ErrNotConnected = errors.New("bus: not connected")
)
