package config

import (
	"fmt"
	"time"

	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/gpu"
)

// GPUConfig is one [gpus."<id>"] section, e.g.
//
//	[gpus."1002:744C-1458:241A-0000:03:00.0"]
//	power_cap = 280.0
//	fan_control_enabled = true
//
//	[gpus."1002:744C-1458:241A-0000:03:00.0".fan_control_settings]
//	mode = "curve"
//	interval_ms = 500
//	curve = { 40 = 0.3, 60 = 0.5, 80 = 1.0 }
type GPUConfig struct {
	PowerCap              *float64            `mapstructure:"power_cap"`
	FanControlEnabled     bool                `mapstructure:"fan_control_enabled"`
	FanControlSettings    *FanControlSettings `mapstructure:"fan_control_settings"`
	PMFW                  PMFWConfig          `mapstructure:"pmfw"`
	PerformanceLevel      *string             `mapstructure:"performance_level"`
	PowerProfileModeIndex *int                `mapstructure:"power_profile_mode_index"`
	MaxCoreClock          *int                `mapstructure:"max_core_clock"`
	MaxMemoryClock        *int                `mapstructure:"max_memory_clock"`
}

type FanControlSettings struct {
	Mode        string  `mapstructure:"mode"`
	StaticSpeed float64 `mapstructure:"static_speed"`
	// Curve maps °C to a 0-1 fan ratio. TOML keys are strings and are
	// decoded to ints.
	Curve           map[int]float64 `mapstructure:"curve"`
	IntervalMs      int64           `mapstructure:"interval_ms"`
	SpindownDelayMs int64           `mapstructure:"spindown_delay_ms"`
	ChangeThreshold int             `mapstructure:"change_threshold"`
}

type PMFWConfig struct {
	AcousticLimit     *uint32 `mapstructure:"acoustic_limit"`
	AcousticTarget    *uint32 `mapstructure:"acoustic_target"`
	TargetTemperature *uint32 `mapstructure:"target_temperature"`
	MinimumPwm        *uint32 `mapstructure:"minimum_pwm"`
	ZeroRPM           *bool   `mapstructure:"zero_rpm"`
}

func (g GPUConfig) toGPU() (gpu.Config, error) {
	cfg := gpu.Config{
		PowerCap:          g.PowerCap,
		FanControlEnabled: g.FanControlEnabled,
		PMFW: gpu.PMFWOptions{
			AcousticLimit:     g.PMFW.AcousticLimit,
			AcousticTarget:    g.PMFW.AcousticTarget,
			TargetTemperature: g.PMFW.TargetTemperature,
			MinimumPwm:        g.PMFW.MinimumPwm,
			ZeroRPM:           g.PMFW.ZeroRPM,
		},
		PerformanceLevel:      g.PerformanceLevel,
		PowerProfileModeIndex: g.PowerProfileModeIndex,
		MaxCoreClock:          g.MaxCoreClock,
		MaxMemoryClock:        g.MaxMemoryClock,
	}

	if g.PowerCap != nil && *g.PowerCap <= 0 {
		return gpu.Config{}, &validationError{field: "power_cap", value: *g.PowerCap, reason: "must be positive"}
	}

	if g.FanControlSettings != nil {
		settings, err := g.FanControlSettings.toFan()
		if err != nil {
			return gpu.Config{}, err
		}
		cfg.FanControl = &settings
	}

	return cfg, nil
}

func (f FanControlSettings) toFan() (fan.Settings, error) {
	mode, err := fan.ParseMode(f.Mode)
	if err != nil {
		return fan.Settings{}, &validationError{field: "mode", value: f.Mode, reason: err.Error()}
	}

	settings := fan.Settings{
		Mode:            mode,
		StaticSpeed:     f.StaticSpeed,
		Curve:           fan.NewCurve(f.Curve),
		Interval:        time.Duration(f.IntervalMs) * time.Millisecond,
		SpindownDelay:   time.Duration(f.SpindownDelayMs) * time.Millisecond,
		ChangeThreshold: f.ChangeThreshold,
	}
	if err := settings.Validate(); err != nil {
		return fan.Settings{}, &validationError{field: "fan_control_settings", value: fmt.Sprintf("%+v", f), reason: err.Error()}
	}

	return settings, nil
}
