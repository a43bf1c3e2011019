package daemon

import (
	"context"
	"io"
	"runtime"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"
)

type SystemInfo struct {
	Version         string `yaml:"version"`
	Hostname        string `yaml:"hostname"`
	KernelVersion   string `yaml:"kernel_version"`
	Platform        string `yaml:"platform,omitempty"`
	PlatformVersion string `yaml:"platform_version,omitempty"`
	Arch            string `yaml:"arch"`
}

// DeviceSnapshot is the full state of one device
type DeviceSnapshot struct {
	ID                string                 `yaml:"id"`
	Info              gpu.DeviceInfo         `yaml:"info"`
	Stats             gpu.DeviceStats        `yaml:"stats"`
	PowerProfileModes *gpu.PowerProfileModes `yaml:"power_profile_modes,omitempty"`
}

// Snapshot is a debug dump of the system and every managed device
type Snapshot struct {
	System  SystemInfo       `yaml:"system"`
	Devices []DeviceSnapshot `yaml:"devices"`
}

func (d *Daemon) SystemInfo(ctx context.Context) (SystemInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return SystemInfo{}, errors.New().Wrap(ErrSystemInfo, err)
	}

	return SystemInfo{
		Version:         Version,
		Hostname:        info.Hostname,
		KernelVersion:   info.KernelVersion,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		Arch:            runtime.GOARCH,
	}, nil
}

// Snapshot collects system info and the info, stats and power profile modes
// of every device. Devices are ordered by id.
func (d *Daemon) Snapshot(ctx context.Context) Snapshot {
	system, err := d.SystemInfo(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Could not read system info")
		system = SystemInfo{Version: Version, Arch: runtime.GOARCH}
	}

	snap := Snapshot{System: system}
	for _, dev := range d.sortedDevices() {
		c := dev.controller

		entry := DeviceSnapshot{
			ID:    dev.id,
			Info:  c.Info(),
			Stats: c.Stats(dev.config()),
		}
		if modes, err := c.PowerProfileModes(); err == nil {
			entry.PowerProfileModes = &modes
		}
		snap.Devices = append(snap.Devices, entry)
	}

	return snap
}

// WriteSnapshot writes Snapshot as YAML
func (d *Daemon) WriteSnapshot(ctx context.Context, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(d.Snapshot(ctx)); err != nil {
		return errors.New().Wrap(ErrSnapshot, err)
	}
	if err := enc.Close(); err != nil {
		return errors.New().Wrap(ErrSnapshot, err)
	}
	return nil
}
