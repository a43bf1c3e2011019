package gpu

import (
	"math"

	"codeberg.org/mutker/gpuctl/internal/fan"
)

func ptr[T any](v T) *T {
	return &v
}

// fanStatsFromConfig echoes the applied fan control settings and the
// loop state. Hardware readings are filled in by the backend.
func fanStatsFromConfig(cfg *Config, status fan.Status) FanStats {
	stats := FanStats{ControlState: status.State.String()}
	if status.Err != nil {
		stats.ControlError = status.Err.Error()
	}
	if cfg == nil {
		return stats
	}

	stats.ControlEnabled = cfg.FanControlEnabled
	if s := cfg.FanControl; s != nil {
		stats.ControlMode = ptr(s.Mode)
		stats.StaticSpeed = ptr(s.StaticSpeed)
		stats.Curve = s.Curve.Map()
		stats.SpindownDelayMs = ptr(s.SpindownDelay.Milliseconds())
		stats.ChangeThreshold = ptr(s.ChangeThreshold)
	}

	return stats
}

// percentToPWM maps a 0-100 fan percentage onto the 0-255 PWM scale.
func percentToPWM(percent uint32) uint8 {
	if percent > 100 {
		percent = 100
	}
	return uint8((percent*255 + 50) / 100)
}

func ratioToPWM(ratio float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, ratio)) * 255))
}

// Throttle reason bits as reported by the NVIDIA driver.
const (
	throttleGpuIdle                   uint64 = 0x1
	throttleApplicationsClocksSetting uint64 = 0x2
	throttleSwPowerCap                uint64 = 0x4
	throttleHwSlowdown                uint64 = 0x8
	throttleSyncBoost                 uint64 = 0x10
	throttleSwThermalSlowdown         uint64 = 0x20
	throttleHwThermalSlowdown         uint64 = 0x40
	throttleHwPowerBrakeSlowdown      uint64 = 0x80
	throttleDisplayClockSetting       uint64 = 0x100
)

var throttleReasonNames = []struct {
	bit  uint64
	name string
}{
	{throttleApplicationsClocksSetting, "ApplicationsClocksSetting"},
	{throttleSwPowerCap, "SwPowerCap"},
	{throttleHwSlowdown, "HwSlowdown"},
	{throttleSyncBoost, "SyncBoost"},
	{throttleSwThermalSlowdown, "SwThermalSlowdown"},
	{throttleHwThermalSlowdown, "HwThermalSlowdown"},
	{throttleHwPowerBrakeSlowdown, "HwPowerBrakeSlowdown"},
	{throttleDisplayClockSetting, "DisplayClockSetting"},
}

// throttleInfo names the active throttle reasons. GPU idle is not a
// throttle and is never reported.
func throttleInfo(reasons uint64) map[string][]string {
	reasons &^= throttleGpuIdle
	info := make(map[string][]string)
	for _, r := range throttleReasonNames {
		if reasons&r.bit != 0 {
			info[r.name] = []string{}
		}
	}
	return info
}
