// Package influxdb records routine-core telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The client implements
// device.Observer, so every property report and outbound command lands in
// the device_properties and device_commands measurements, and the engine
// writes per-tick and per-run points through RecordTick and RecordRunEnd.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	registry.SetObserver(client)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Asynchronous failures are delivered to SetOnError.
package influxdb
