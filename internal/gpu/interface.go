package gpu

import (
	"context"

	"codeberg.org/mutker/gpuctl/internal/fan"
)

// Controller manages the hardware state of a single GPU. There are exactly
// two implementations: SysfsController (kernel sysfs/hwmon) and
// NvidiaController (NVML). Capabilities a backend lacks return an error with
// code ErrUnsupported.
type Controller interface {
	// ID returns "{vendor}:{model}-{subvendor}:{submodel}-{pci slot}".
	ID() (string, error)
	PciSlot() string
	Info() DeviceInfo
	// Stats takes the currently applied config, if any, to echo fan control
	// settings back to the caller.
	Stats(cfg *Config) DeviceStats
	ApplyConfig(ctx context.Context, cfg Config) error
	PowerProfileModes() (PowerProfileModes, error)
	ResetPMFW() error
	VBIOSDump() ([]byte, error)
	CleanupClocks() error
	FanControlStatus() fan.Status

	sealed()
}

// Config is the desired state for one device. It is owned by the caller
// and treated as read-only.
type Config struct {
	// PowerCap in watts. Nil restores the vendor default.
	PowerCap          *float64
	FanControlEnabled bool
	FanControl        *fan.Settings
	PMFW              PMFWOptions

	// sysfs only
	PerformanceLevel      *string
	PowerProfileModeIndex *int
	MaxCoreClock          *int
	MaxMemoryClock        *int
}

// PMFWOptions are firmware fan-limit overrides.
type PMFWOptions struct {
	AcousticLimit     *uint32
	AcousticTarget    *uint32
	TargetTemperature *uint32
	MinimumPwm        *uint32
	ZeroRPM           *bool
}

func (o PMFWOptions) isEmpty() bool {
	return o.AcousticLimit == nil && o.AcousticTarget == nil && o.TargetTemperature == nil &&
		o.MinimumPwm == nil && o.ZeroRPM == nil
}

func (c Config) hasClockSettings() bool {
	return c.PerformanceLevel != nil || c.PowerProfileModeIndex != nil ||
		c.MaxCoreClock != nil || c.MaxMemoryClock != nil
}

// Domain types shared by both backends
type (
	PciDevice struct {
		VendorID string `yaml:"vendor_id"`
		ModelID  string `yaml:"model_id"`
	}

	PciInfo struct {
		Device    PciDevice `yaml:"device"`
		Subsystem PciDevice `yaml:"subsystem"`
	}

	LinkInfo struct {
		CurrentWidth string `yaml:"current_width,omitempty"`
		CurrentSpeed string `yaml:"current_speed,omitempty"`
		MaxWidth     string `yaml:"max_width,omitempty"`
		MaxSpeed     string `yaml:"max_speed,omitempty"`
	}

	DeviceInfo struct {
		Backend      string   `yaml:"backend"`
		PciSlot      string   `yaml:"pci_slot"`
		PciInfo      PciInfo  `yaml:"pci_info"`
		Driver       string   `yaml:"driver,omitempty"`
		DeviceName   string   `yaml:"device_name,omitempty"`
		VBIOSVersion string   `yaml:"vbios_version,omitempty"`
		Link         LinkInfo `yaml:"link"`
		VRAMTotal    *uint64  `yaml:"vram_total,omitempty"`
	}

	Temperature struct {
		Current *int `yaml:"current,omitempty"`
		Crit    *int `yaml:"crit,omitempty"`
	}

	// FanInfo is a firmware fan setting with its allowed range.
	FanInfo struct {
		Current uint32  `yaml:"current"`
		Min     *uint32 `yaml:"min,omitempty"`
		Max     *uint32 `yaml:"max,omitempty"`
	}

	PMFWInfo struct {
		AcousticLimit     *FanInfo `yaml:"acoustic_limit,omitempty"`
		AcousticTarget    *FanInfo `yaml:"acoustic_target,omitempty"`
		TargetTemperature *FanInfo `yaml:"target_temperature,omitempty"`
		MinimumPwm        *FanInfo `yaml:"minimum_pwm,omitempty"`
		ZeroRPM           *bool    `yaml:"zero_rpm,omitempty"`
	}

	FanStats struct {
		ControlEnabled  bool            `yaml:"control_enabled"`
		ControlMode     *fan.Mode       `yaml:"control_mode,omitempty"`
		StaticSpeed     *float64        `yaml:"static_speed,omitempty"`
		Curve           map[int]float64 `yaml:"curve,omitempty"`
		SpindownDelayMs *int64          `yaml:"spindown_delay_ms,omitempty"`
		ChangeThreshold *int            `yaml:"change_threshold,omitempty"`
		// ControlState is the curve loop state: stopped, running or failed.
		ControlState string  `yaml:"control_state"`
		ControlError string  `yaml:"control_error,omitempty"`
		PwmCurrent   *uint8  `yaml:"pwm_current,omitempty"`
		SpeedCurrent *uint32 `yaml:"speed_current,omitempty"`
		SpeedMin     *uint32 `yaml:"speed_min,omitempty"`
		SpeedMax     *uint32 `yaml:"speed_max,omitempty"`
		PMFW         PMFWInfo `yaml:"pmfw"`
	}

	PowerStats struct {
		Average    *float64 `yaml:"average,omitempty"`
		Current    *float64 `yaml:"current,omitempty"`
		CapCurrent *float64 `yaml:"cap_current,omitempty"`
		CapMin     *float64 `yaml:"cap_min,omitempty"`
		CapMax     *float64 `yaml:"cap_max,omitempty"`
		CapDefault *float64 `yaml:"cap_default,omitempty"`
	}

	VRAMStats struct {
		Total *uint64 `yaml:"total,omitempty"`
		Used  *uint64 `yaml:"used,omitempty"`
	}

	// ClockspeedStats are in MHz
	ClockspeedStats struct {
		GPU  *uint32 `yaml:"gpu,omitempty"`
		VRAM *uint32 `yaml:"vram,omitempty"`
	}

	// DeviceStats is a best-effort snapshot. Any field that could not be
	// read is left nil.
	DeviceStats struct {
		Temps            map[string]Temperature `yaml:"temps"`
		Fan              FanStats               `yaml:"fan"`
		Power            PowerStats             `yaml:"power"`
		VRAM             VRAMStats              `yaml:"vram"`
		BusyPercent      *uint8                 `yaml:"busy_percent,omitempty"`
		Clockspeed       ClockspeedStats        `yaml:"clockspeed"`
		ThrottleInfo     map[string][]string    `yaml:"throttle_info,omitempty"`
		PerformanceLevel *string                `yaml:"performance_level,omitempty"`
	}

	PowerProfileMode struct {
		Index int    `yaml:"index"`
		Name  string `yaml:"name"`
	}

	PowerProfileModes struct {
		Active int                `yaml:"active"`
		Modes  []PowerProfileMode `yaml:"modes"`
	}
)

func formatID(pci PciInfo, slot string) string {
	return pci.Device.VendorID + ":" + pci.Device.ModelID + "-" +
		pci.Subsystem.VendorID + ":" + pci.Subsystem.ModelID + "-" + slot
}
