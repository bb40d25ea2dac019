// Package mqtt provides MQTT client connectivity for routine-core.
//
// Devices speak to the core over a Mosquitto broker. Each device publishes
// property reports and raw messages under its own topic tree and receives
// property patches on a command topic:
//
//	device ↔ MQTT broker ↔ routine-core
//
// The client adds auto-reconnect with subscription restoration, a retained
// Last Will on routinecore/system/status and panic recovery around handlers.
// Ordered delivery is enabled so reports from a device reach the registry in
// the order the broker received them.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStates(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _, _ := mqtt.DeviceIDFromTopic(topic)
//	        return handleReport(id, payload)
//	    })
package mqtt
