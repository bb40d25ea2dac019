package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every routine-core topic.
//
//	routinecore/device/{id}/state     device → core, property reports
//	routinecore/device/{id}/message   device → core, raw messages
//	routinecore/device/{id}/command   core → device, property patches
//	routinecore/engine/status         engine status, retained
//	routinecore/engine/log            routine log lines
//	routinecore/system/status         online/offline, retained, LWT
const TopicPrefix = "routinecore"

const (
	topicPrefixDevice = TopicPrefix + "/device"
	topicPrefixEngine = TopicPrefix + "/engine"
	topicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for routine-core MQTT topics.
type Topics struct{}

// DeviceState returns the topic devices publish property reports on.
//
// Example: routinecore/device/lock-1/state
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", topicPrefixDevice, deviceID)
}

// DeviceMessage returns the topic devices publish raw messages on.
//
// Example: routinecore/device/lock-1/message
func (Topics) DeviceMessage(deviceID string) string {
	return fmt.Sprintf("%s/%s/message", topicPrefixDevice, deviceID)
}

// DeviceCommand returns the topic the core sends property patches on.
//
// Example: routinecore/device/lock-1/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", topicPrefixDevice, deviceID)
}

// EngineStatus returns the retained engine status topic.
func (Topics) EngineStatus() string {
	return topicPrefixEngine + "/status"
}

// EngineLog returns the topic routine log lines are mirrored to.
func (Topics) EngineLog() string {
	return topicPrefixEngine + "/log"
}

// SystemStatus returns the system status topic used for the LWT.
func (Topics) SystemStatus() string {
	return topicPrefixSystem + "/status"
}

// AllDeviceStates matches every device state topic.
//
// Pattern: routinecore/device/+/state
func (Topics) AllDeviceStates() string {
	return topicPrefixDevice + "/+/state"
}

// AllDeviceMessages matches every device message topic.
//
// Pattern: routinecore/device/+/message
func (Topics) AllDeviceMessages() string {
	return topicPrefixDevice + "/+/message"
}

// DeviceIDFromTopic extracts the device ID from a routinecore/device/{id}/{kind}
// topic. ok is false for any other shape.
func DeviceIDFromTopic(topic string) (id, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefixDevice+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
