package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/routine-core/internal/device"
)

// Measurement names.
const (
	MeasurementDeviceProperties = "device_properties"
	MeasurementDeviceCommands   = "device_commands"
	MeasurementRoutineTicks     = "routine_ticks"
	MeasurementRoutineRuns      = "routine_runs"
)

// RecordProperties writes the scalar properties of a device report.
// Nested values are skipped. Implements device.Observer.
func (c *Client) RecordProperties(deviceID, deviceType string, props map[string]any) {
	c.writeFields(MeasurementDeviceProperties, map[string]string{
		"device_id":   deviceID,
		"device_type": deviceType,
	}, scalarFields(props))
}

// RecordCommand writes a property patch sent to a device.
// Implements device.Observer.
func (c *Client) RecordCommand(deviceID string, patch map[string]any) {
	c.writeFields(MeasurementDeviceCommands, map[string]string{
		"device_id": deviceID,
	}, scalarFields(patch))
}

// RecordTick writes the outcome of one engine tick.
//
// Parameters:
//   - routineID: catalog ID of the running routine
//   - elapsed: time spent in the routine's loop
//   - skipped: true when the tick was dropped because the previous one was still running
func (c *Client) RecordTick(routineID string, elapsed time.Duration, skipped bool) {
	c.writeFields(MeasurementRoutineTicks, map[string]string{
		"routine_id": routineID,
	}, map[string]any{
		"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
		"skipped":    skipped,
	})
}

// RecordRunEnd writes a summary point when a routine run finishes.
func (c *Client) RecordRunEnd(routineID, status string, ticks, skipped int64, duration time.Duration) {
	c.writeFields(MeasurementRoutineRuns, map[string]string{
		"routine_id": routineID,
		"status":     status,
	}, map[string]any{
		"ticks":         ticks,
		"skipped_ticks": skipped,
		"duration_s":    duration.Seconds(),
	})
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writeFields(measurement, tags, fields)
}

func (c *Client) writeFields(measurement string, tags map[string]string, fields map[string]any) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, c.now()))
}

// scalarFields keeps numbers, bools and strings. Numbers are normalised to
// float64 so a field keeps one type across reports.
func scalarFields(props map[string]any) map[string]any {
	fields := make(map[string]any, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case bool, string:
			fields[k] = val
		default:
			if f, ok := device.ToFloat(val); ok {
				fields[k] = f
			}
		}
	}
	return fields
}
