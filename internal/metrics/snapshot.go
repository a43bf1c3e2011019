package metrics

import (
	"sort"
	"time"

	"codeberg.org/mutker/gpuctl/internal/gpu"
)

// primarySensors are checked in order when picking the temperature to
// record. Otherwise the first sensor by name is used.
var primarySensors = []string{"GPU", "edge"}

// FromStats flattens a device stats snapshot into a history sample.
func FromStats(deviceID string, ts time.Time, stats gpu.DeviceStats) *MetricsSnapshot {
	s := &MetricsSnapshot{
		Timestamp:   ts,
		DeviceID:    deviceID,
		Temperature: primaryTemperature(stats.Temps),
		Fan: FanMetrics{
			PWM:          widen(stats.Fan.PwmCurrent),
			RPM:          widen(stats.Fan.SpeedCurrent),
			ControlState: stats.Fan.ControlState,
		},
		Power: PowerMetrics{
			Current: stats.Power.Current,
			Cap:     stats.Power.CapCurrent,
		},
		BusyPercent: widen(stats.BusyPercent),
		Clock: ClockMetrics{
			GPU:  widen(stats.Clockspeed.GPU),
			VRAM: widen(stats.Clockspeed.VRAM),
		},
	}
	if s.Power.Current == nil {
		s.Power.Current = stats.Power.Average
	}
	if stats.VRAM.Used != nil {
		used := int64(*stats.VRAM.Used)
		s.VRAMUsed = &used
	}

	return s
}

func primaryTemperature(temps map[string]gpu.Temperature) *int {
	for _, name := range primarySensors {
		if t, ok := temps[name]; ok && t.Current != nil {
			return t.Current
		}
	}

	names := make([]string, 0, len(temps))
	for name := range temps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if t := temps[name]; t.Current != nil {
			return t.Current
		}
	}

	return nil
}

func widen[T uint8 | uint32](v *T) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
