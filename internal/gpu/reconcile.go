package gpu

import (
	"context"
	"math"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

// powerCapper is the power limit surface of a resolved device, in the
// backend's native unit.
type powerCapper interface {
	powerCap() (uint64, error)
	defaultPowerCap() (uint64, error)
	setPowerCap(value uint64) error
	capFromWatts(watts float64) uint64
}

// reconciler drives a device towards a Config. Power cap first, then fan
// control. Backend specific settings are applied by the caller afterwards.
type reconciler struct {
	supervisor  *fan.Supervisor
	resolveFans fan.Resolver
	logger      logger.Logger
}

func validateConfig(cfg Config) error {
	errFactory := errors.New()

	if w := cfg.PowerCap; w != nil && (*w <= 0 || math.IsNaN(*w) || math.IsInf(*w, 0)) {
		return errFactory.WithData(ErrInvalidConfig, *w).WithOperation("set power cap")
	}

	if !cfg.FanControlEnabled {
		return nil
	}
	if cfg.FanControl == nil {
		return errFactory.New(ErrMissingSettings).WithOperation("apply fan control")
	}
	if err := cfg.FanControl.Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err).WithOperation("apply fan control")
	}

	return nil
}

func (r *reconciler) apply(ctx context.Context, cfg Config, power powerCapper) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := r.applyPowerCap(cfg.PowerCap, power); err != nil {
		return err
	}
	return r.applyFanControl(ctx, cfg)
}

func (r *reconciler) applyPowerCap(watts *float64, power powerCapper) error {
	errFactory := errors.New()

	if watts == nil {
		current, err := power.powerCap()
		if err != nil {
			return nil
		}
		def, err := power.defaultPowerCap()
		if err != nil || current == def {
			return nil
		}

		r.logger.Info().Uint64("from", current).Uint64("to", def).Msg("Restoring default power cap")
		if err := power.setPowerCap(def); err != nil {
			return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("reset power cap")
		}
		return nil
	}

	desired := power.capFromWatts(*watts)
	current, err := power.powerCap()
	if err != nil {
		return errFactory.Wrap(ErrHardwareRead, err).WithOperation("read power cap")
	}
	if current == desired {
		return nil
	}

	r.logger.Info().Uint64("from", current).Uint64("to", desired).Msg("Setting power cap")
	if err := power.setPowerCap(desired); err != nil {
		return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set power cap")
	}

	return nil
}

func (r *reconciler) applyFanControl(ctx context.Context, cfg Config) error {
	if !cfg.FanControlEnabled {
		return r.supervisor.Stop()
	}

	settings := *cfg.FanControl
	if settings.Mode == fan.ModeCurve {
		return r.supervisor.Start(ctx, settings)
	}

	if err := r.supervisor.Stop(); err != nil {
		return err
	}
	return r.setStaticSpeed(settings.StaticSpeed)
}

func (r *reconciler) setStaticSpeed(ratio float64) error {
	errFactory := errors.New()

	device, err := r.resolveFans()
	if err != nil {
		return errFactory.Wrap(ErrDeviceGone, err).WithOperation("set static fan speed")
	}
	count, err := device.FanCount()
	if err != nil {
		return errFactory.Wrap(ErrHardwareRead, err).WithOperation("read fan count")
	}

	r.logger.Debug().Float64("ratio", ratio).Int("fans", count).Msg("Setting static fan speed")
	for i := 0; i < count; i++ {
		if err := device.SetFanRatio(i, ratio); err != nil {
			return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set static fan speed")
		}
	}

	return nil
}
