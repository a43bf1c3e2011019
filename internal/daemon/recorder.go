package daemon

import (
	"context"
	"time"

	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/metrics"
)

// Run samples every device at the stats interval until ctx is done. Fan
// control loops that fail are logged once per failure.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.statsInterval)
	defer ticker.Stop()

	states := make(map[*device]fan.State, len(d.devices))
	d.sample(ctx, states)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sample(ctx, states)
		}
	}
}

func (d *Daemon) sample(ctx context.Context, states map[*device]fan.State) {
	now := d.now()

	for _, dev := range d.devices {
		status := dev.controller.FanControlStatus()
		if prev, ok := states[dev]; (!ok || prev != status.State) && status.State == fan.StateFailed {
			d.logger.Error().Err(status.Err).Str("id", dev.id).Msg("Fan control loop failed")
		}
		states[dev] = status.State

		stats := dev.controller.Stats(dev.config())
		if err := d.metrics.Record(ctx, metrics.FromStats(dev.id, now, stats)); err != nil {
			d.logger.Warn().Err(err).Str("id", dev.id).Msg("Could not record stats")
		}
	}
}
