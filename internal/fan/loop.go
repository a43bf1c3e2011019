package fan

import (
	"context"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
)

// curveState decides, tick by tick, whether a new ratio should be written.
type curveState struct {
	curve     Curve
	threshold int
	spindown  time.Duration

	applied     bool
	lastTemp    int
	lastRatio   float64
	lastApplied time.Time
}

func newCurveState(settings Settings) *curveState {
	return &curveState{
		curve:     settings.Curve.OrDefault(),
		threshold: settings.ChangeThreshold,
		spindown:  settings.SpindownDelay,
	}
}

// next returns the ratio to write for temp, or false to leave fans alone.
func (c *curveState) next(now time.Time, temp int) (float64, bool) {
	if c.applied && abs(c.lastTemp-temp) < c.threshold {
		return 0, false
	}

	target := c.curve.RatioAt(temp)

	if c.applied && target < c.lastRatio && now.Sub(c.lastApplied) < c.spindown {
		return 0, false
	}

	c.applied = true
	c.lastTemp = temp
	c.lastRatio = target
	c.lastApplied = now

	return target, true
}

func (s *Supervisor) run(ctx context.Context, t *task, device Device, fanCount int) {
	defer close(t.done)
	defer s.active.Add(-1)

	errFactory := errors.New()
	state := newCurveState(t.settings)
	interval := t.settings.interval()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Exited fan control loop")
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			s.logger.Debug().Msg("Exited fan control loop")
			return
		}

		temp, err := device.Temperature()
		if err != nil {
			appErr := errFactory.Wrap(ErrHardwareRead, err).WithOperation("read temperature")
			t.err = appErr
			s.logger.ErrorWithCode(appErr).Msg("Could not read temperature, disabling fan control")
			return
		}

		if ratio, ok := state.next(s.now(), temp); ok {
			s.logger.Debug().Int("temperature", temp).Float64("ratio", ratio).Msg("Fan control tick")
			for i := 0; i < fanCount; i++ {
				if err := device.SetFanRatio(i, ratio); err != nil {
					appErr := errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set fan speed")
					t.err = appErr
					s.logger.ErrorWithCode(appErr).Int("fan", i).Msg("Could not set fan speed, disabling fan control")
					return
				}
			}
		}

		timer.Reset(interval)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
