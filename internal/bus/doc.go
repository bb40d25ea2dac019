// Package bus binds the device registry and the engine to MQTT.
//
// Inbound, it subscribes to every device's state and message topics and
// feeds them to the registry. Outbound, it implements device.Transport by
// publishing property patches as CommandMessages, and it implements the
// engine's Broadcaster by mirroring engine status (retained) and routine
// log lines.
//
// Topic layout:
//
//	routinecore/device/{id}/state     → registry.ReportProperties
//	routinecore/device/{id}/message   → registry.ReportMessage
//	routinecore/device/{id}/command   ← SendCommand
//	routinecore/engine/status         ← BroadcastStatus (retained)
//	routinecore/engine/log            ← BroadcastLog
package bus
