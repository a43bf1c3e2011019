package daemon

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/config"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"codeberg.org/mutker/gpuctl/internal/metrics"
	"github.com/spf13/afero"
)

// Version is set at build time
var Version = "dev"

// Daemon owns every discovered GPU and the desired state applied to it.
type Daemon struct {
	cfg           config.Provider
	fs            afero.Fs
	logger        logger.Logger
	metrics       metrics.MetricsCollector
	nvml          *gpu.NVML
	statsInterval time.Duration
	now           func() time.Time

	// devices are in discovery order; byKey is keyed by lowercase id
	devices []*device
	byKey   map[string]*device

	// configured holds the config file sections until ApplyAll
	configured map[string]gpu.Config
}

type Option func(*Daemon)

// WithFs replaces the OS filesystem used for sysfs access
func WithFs(fs afero.Fs) Option {
	return func(d *Daemon) { d.fs = fs }
}

func WithLogger(log logger.Logger) Option {
	return func(d *Daemon) { d.logger = log }
}

// WithMetrics replaces the collector built from configuration
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(d *Daemon) { d.metrics = collector }
}

func WithStatsInterval(interval time.Duration) Option {
	return func(d *Daemon) { d.statsInterval = interval }
}

// DeviceListEntry is a discovered device
type DeviceListEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Backend string `yaml:"backend"`
}

// New discovers GPUs and loads their configured state. Nothing is applied
// until ApplyAll.
func New(cfg config.Provider, opts ...Option) (*Daemon, error) {
	errFactory := errors.New()

	d := &Daemon{
		cfg:           cfg,
		fs:            afero.NewOsFs(),
		logger:        logger.Get(),
		statsInterval: cfg.GetStatsInterval(),
		now:           time.Now,
		byKey:         make(map[string]*device),
	}
	for _, opt := range opts {
		opt(d)
	}

	configs, err := cfg.GPUConfigs()
	if err != nil {
		return nil, err
	}
	d.configured = configs

	if d.metrics == nil {
		collector, err := metrics.NewService(metricsConfig(cfg), d.logger)
		if err != nil {
			return nil, err
		}
		d.metrics = collector
	}

	if !cfg.IsNVMLDisabled() {
		nv, err := gpu.OpenNVML()
		if err != nil {
			d.logger.Info().Err(err).Msg("NVML not available, managing all GPUs through sysfs")
		} else {
			d.nvml = nv
		}
	}

	controllers, err := Discover(d.fs, cfg.GetSysfsRoot(), d.nvml, d.logger)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	for _, c := range controllers {
		id, err := c.ID()
		if err != nil {
			d.logger.Warn().Err(err).Str("pci_slot", c.PciSlot()).Msg("Skipping GPU without id")
			continue
		}
		dev := newDevice(id, c)
		d.devices = append(d.devices, dev)
		d.byKey[strings.ToLower(id)] = dev
	}

	for id := range d.configured {
		if _, ok := d.byKey[id]; !ok {
			d.logger.Warn().Str("id", id).Msg("Configured GPU not found")
		}
	}

	if len(d.devices) == 0 {
		_ = d.Close()
		return nil, errFactory.WithMessage(ErrDiscovery, "No GPUs found")
	}

	return d, nil
}

func metricsConfig(cfg config.Provider) metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.IsMetricsEnabled()
	mc.DBPath = cfg.GetMetricsDBPath()
	if c, ok := cfg.(*config.Config); ok {
		if c.Metrics.BatchSize > 0 {
			mc.BatchSize = c.Metrics.BatchSize
		}
		if c.Metrics.BatchTimeout > 0 {
			mc.BatchTimeout = time.Duration(c.Metrics.BatchTimeout) * time.Second
		}
	}
	return mc
}

func (d *Daemon) device(id string) (*device, error) {
	dev, ok := d.byKey[strings.ToLower(id)]
	if !ok {
		return nil, errors.New().WithData(ErrDeviceLookup, id)
	}
	return dev, nil
}

// forEach runs fn for every device concurrently and waits for all of them,
// so a device stuck in a vendor call does not hold up the others.
func (d *Daemon) forEach(fn func(dev *device)) {
	var wg sync.WaitGroup
	for _, dev := range d.devices {
		wg.Add(1)
		go func(dev *device) {
			defer wg.Done()
			fn(dev)
		}(dev)
	}
	wg.Wait()
}

// ApplyAll applies the configured state to every device. A device that
// fails keeps running with whatever was applied before the failure.
func (d *Daemon) ApplyAll(ctx context.Context) {
	d.forEach(func(dev *device) {
		cfg, ok := d.configured[strings.ToLower(dev.id)]
		if !ok {
			return
		}

		err := dev.update(ctx, func(c *gpu.Config) { *c = cfg })
		if err != nil {
			d.logError(err, dev.id, "Could not apply GPU config")
			return
		}
		d.logger.Info().Str("id", dev.id).Msg("Applied GPU config")
	})
}

func (d *Daemon) logError(err error, id, msg string) {
	var appErr errors.Error
	if stderrors.As(err, &appErr) {
		d.logger.ErrorWithCode(appErr).Str("id", id).Msg(msg)
		return
	}
	d.logger.Error().Err(err).Str("id", id).Msg(msg)
}

func (d *Daemon) update(ctx context.Context, id string, modify func(*gpu.Config)) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}
	return dev.update(ctx, modify)
}

func (d *Daemon) ListDevices() []DeviceListEntry {
	entries := make([]DeviceListEntry, 0, len(d.devices))
	for _, dev := range d.devices {
		info := dev.controller.Info()
		entries = append(entries, DeviceListEntry{ID: dev.id, Name: info.DeviceName, Backend: info.Backend})
	}
	return entries
}

func (d *Daemon) DeviceInfo(id string) (gpu.DeviceInfo, error) {
	dev, err := d.device(id)
	if err != nil {
		return gpu.DeviceInfo{}, err
	}
	return dev.controller.Info(), nil
}

// DeviceStats reads live stats. It never waits for an apply in progress on
// the same device.
func (d *Daemon) DeviceStats(id string) (gpu.DeviceStats, error) {
	dev, err := d.device(id)
	if err != nil {
		return gpu.DeviceStats{}, err
	}
	return dev.controller.Stats(dev.config()), nil
}

// SetFanControl enables or disables fan control. Nil settings keep the
// stored settings.
func (d *Daemon) SetFanControl(ctx context.Context, id string, enabled bool, settings *fan.Settings) error {
	return d.update(ctx, id, func(cfg *gpu.Config) {
		cfg.FanControlEnabled = enabled
		if settings != nil {
			s := *settings
			cfg.FanControl = &s
		}
	})
}

// SetPowerCap sets the power cap in watts. Nil restores the default.
func (d *Daemon) SetPowerCap(ctx context.Context, id string, watts *float64) error {
	return d.update(ctx, id, func(cfg *gpu.Config) {
		cfg.PowerCap = watts
	})
}

func (d *Daemon) SetPMFW(ctx context.Context, id string, opts gpu.PMFWOptions) error {
	return d.update(ctx, id, func(cfg *gpu.Config) {
		cfg.PMFW = opts
	})
}

func (d *Daemon) SetPowerProfileMode(ctx context.Context, id string, index *int) error {
	return d.update(ctx, id, func(cfg *gpu.Config) {
		cfg.PowerProfileModeIndex = index
	})
}

// ResetPMFW restores the firmware fan settings and forgets the configured
// overrides.
func (d *Daemon) ResetPMFW(id string) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}

	dev.applyMu.Lock()
	defer dev.applyMu.Unlock()

	if err := dev.controller.ResetPMFW(); err != nil {
		return err
	}
	if stored := dev.cfg.Load(); stored != nil {
		cfg := *stored
		cfg.PMFW = gpu.PMFWOptions{}
		dev.cfg.Store(&cfg)
	}

	return nil
}

func (d *Daemon) PowerProfileModes(id string) (gpu.PowerProfileModes, error) {
	dev, err := d.device(id)
	if err != nil {
		return gpu.PowerProfileModes{}, err
	}
	return dev.controller.PowerProfileModes()
}

func (d *Daemon) VBIOSDump(id string) ([]byte, error) {
	dev, err := d.device(id)
	if err != nil {
		return nil, err
	}
	return dev.controller.VBIOSDump()
}

// StatsHistory returns recorded samples of one device since the given time.
func (d *Daemon) StatsHistory(ctx context.Context, id string, since time.Time) ([]metrics.MetricsSnapshot, error) {
	dev, err := d.device(id)
	if err != nil {
		return nil, err
	}
	return d.metrics.History(ctx, dev.id, since)
}

// Shutdown hands every device back to its defaults: fan control off, default
// power cap and clocks.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.forEach(func(dev *device) {
		err := dev.update(ctx, func(c *gpu.Config) { *c = gpu.Config{} })
		if err != nil {
			d.logError(err, dev.id, "Could not reset GPU")
		}

		dev.applyMu.Lock()
		defer dev.applyMu.Unlock()
		if err := dev.controller.CleanupClocks(); err != nil {
			d.logError(err, dev.id, "Could not reset clocks")
		}
	})

	d.logger.Info().Msg("GPUs reset to defaults")
}

// Close releases the metrics store and NVML.
func (d *Daemon) Close() error {
	errFactory := errors.New()

	var firstErr error
	if d.metrics != nil {
		if err := d.metrics.Close(); err != nil {
			firstErr = err
		}
	}
	if d.nvml != nil {
		if err := d.nvml.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, firstErr)
	}
	return nil
}

// sortedDevices is used where output must not depend on discovery order.
func (d *Daemon) sortedDevices() []*device {
	devices := append([]*device(nil), d.devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].id < devices[j].id })
	return devices
}
