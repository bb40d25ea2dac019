// Package device provides the host-owned Device Registry for routine-core.
//
// The registry is the live catalogue of hardware seen on the bus: locks,
// stimulus units, pressure and distance sensors, vibration motors. Devices
// are created on their first telemetry report, updated on every report and
// marked disconnected by the liveness sweep. They are never deleted.
//
// # Architecture
//
//	  MQTT bus ──▶ ReportProperties / ReportMessage ──▶ subscribers (DAL)
//	                        │
//	                        ├──▶ Observer (InfluxDB telemetry)
//	                        └──▶ Repository (SQLite device list)
//
//	  DAL ──▶ MergeProperties + PublishCommand ──▶ Transport (MQTT bus)
//
// # Ordering
//
// Reports for a single device are applied and dispatched while holding a
// per-device lock, so subscribers observe them in arrival order. There is
// no ordering guarantee across devices.
//
// # Usage
//
//	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
//	registry.SetLogger(logger)
//	registry.SetTransport(bus)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	locks := registry.GetDevicesByType("ZIDONGSUO")
package device
