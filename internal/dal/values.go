package dal

import "github.com/nerrad567/routine-core/internal/device"

// Float converts a property value to float64. Booleans map to 0 and 1.
func Float(v any) (float64, bool) {
	return device.ToFloat(v)
}

// FloatProperty reads a numeric property through d.
func FloatProperty(d Devices, logicalID, key string) (float64, bool) {
	return device.ToFloat(d.GetProperty(logicalID, key))
}
