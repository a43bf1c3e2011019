package fan

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how fan speed is determined while fan control is enabled.
type Mode string

const (
	ModeStatic Mode = "static"
	ModeCurve  Mode = "curve"
)

const DefaultInterval = 500 * time.Millisecond

// ParseMode parses a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeStatic:
		return ModeStatic, nil
	case ModeCurve, "":
		return ModeCurve, nil
	default:
		return "", fmt.Errorf("unknown fan control mode %q", s)
	}
}

// Settings are the fan control parameters for a single device. They are
// owned by configuration and never modified here.
type Settings struct {
	Mode        Mode
	StaticSpeed float64
	Curve       Curve
	Interval    time.Duration
	// SpindownDelay holds a raised speed at least this long before it may
	// be lowered. Zero disables the hold.
	SpindownDelay time.Duration
	// ChangeThreshold is the minimum temperature change in °C from the last
	// applied reading before the speed is recomputed. Zero disables it.
	ChangeThreshold int
}

func (s Settings) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultInterval
	}
	return s.Interval
}

// Validate checks the settings without touching hardware.
func (s Settings) Validate() error {
	if s.Mode != ModeStatic && s.Mode != ModeCurve {
		return fmt.Errorf("unknown fan control mode %q", s.Mode)
	}
	if s.StaticSpeed < 0 || s.StaticSpeed > 1 {
		return fmt.Errorf("static speed %v out of range [0,1]", s.StaticSpeed)
	}
	if s.Interval < 0 || s.SpindownDelay < 0 || s.ChangeThreshold < 0 {
		return fmt.Errorf("negative interval, spindown delay or change threshold")
	}
	if len(s.Curve) > 0 {
		return s.Curve.Validate()
	}
	return nil
}
