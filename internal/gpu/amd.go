package gpu

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/spf13/afero"
)

const backendSysfs = "sysfs"

const (
	fileVRAMTotal        = "mem_info_vram_total"
	fileVRAMUsed         = "mem_info_vram_used"
	fileBusyPercent      = "gpu_busy_percent"
	fileVBIOSVersion     = "vbios_version"
	filePerformanceLevel = "power_dpm_force_performance_level"
	fileProfileMode      = "pp_power_profile_mode"
	fileODClockVoltage   = "pp_od_clk_voltage"
	fileROM              = "rom"

	fanCtrlDir = "gpu_od/fan_ctrl"

	odCommit = "c"
	odReset  = "r"
)

// Firmware fan control attributes under gpu_od/fan_ctrl.
const (
	pmfwAcousticLimit  = "acoustic_limit_rpm_threshold"
	pmfwAcousticTarget = "acoustic_target_rpm_threshold"
	pmfwTargetTemp     = "fan_target_temperature"
	pmfwMinimumPwm     = "fan_minimum_pwm"
	pmfwZeroRPM        = "fan_zero_rpm_enable"
)

var pmfwFiles = []string{pmfwAcousticLimit, pmfwAcousticTarget, pmfwTargetTemp, pmfwMinimumPwm, pmfwZeroRPM}

// SysfsController manages a GPU through the kernel driver's sysfs and hwmon
// attributes. The device and hwmon directories are looked up again on
// every operation.
type SysfsController struct {
	fs         afero.Fs
	devicePath string
	uevent     Uevent
	supervisor *fan.Supervisor
	reconciler reconciler
	logger     logger.Logger
}

// NewSysfsController binds a controller to a PCI device directory, e.g.
// /sys/class/drm/card0/device.
func NewSysfsController(fs afero.Fs, devicePath string, log logger.Logger) (*SysfsController, error) {
	errFactory := errors.New()

	if log == nil {
		log = logger.Nop()
	}

	uevent, err := ReadUevent(fs, devicePath)
	if err != nil {
		return nil, errFactory.Wrap(ErrDeviceNotFound, err).WithData(devicePath)
	}
	if uevent.PciSlot == "" {
		return nil, errFactory.WithMessage(ErrDeviceNotFound, "Device has no PCI slot").WithData(devicePath)
	}
	log = log.With("pci_slot", uevent.PciSlot)

	c := &SysfsController{
		fs:         fs,
		devicePath: devicePath,
		uevent:     uevent,
		logger:     log,
	}
	c.supervisor = fan.NewSupervisor(c.fans, log)
	c.reconciler = reconciler{supervisor: c.supervisor, resolveFans: c.fans, logger: log}

	return c, nil
}

func (c *SysfsController) sealed() {}

func (c *SysfsController) handle() (*sysfsHandle, error) {
	if _, err := c.fs.Stat(c.devicePath); err != nil {
		return nil, errors.New().Wrap(ErrDeviceGone, err).WithOperation("lookup sysfs device")
	}
	return &sysfsHandle{
		fs:         c.fs,
		devicePath: c.devicePath,
		hwmonPath:  findHwmon(c.fs, c.devicePath),
	}, nil
}

func (c *SysfsController) fans() (fan.Device, error) {
	return c.handle()
}

func (c *SysfsController) ID() (string, error) {
	pci := c.uevent.PciInfo
	if pci.Device.VendorID == "" || pci.Device.ModelID == "" {
		return "", errors.New().WithMessage(ErrDeviceNotFound, "Device has no PCI id").WithData(c.devicePath)
	}
	return formatID(pci, c.uevent.PciSlot), nil
}

func (c *SysfsController) PciSlot() string {
	return c.uevent.PciSlot
}

func (c *SysfsController) FanControlStatus() fan.Status {
	return c.supervisor.Status()
}

func (c *SysfsController) Info() DeviceInfo {
	info := DeviceInfo{
		Backend: backendSysfs,
		PciSlot: c.uevent.PciSlot,
		PciInfo: c.uevent.PciInfo,
		Driver:  c.uevent.Driver,
	}

	h, err := c.handle()
	if err != nil {
		return info
	}

	if name, err := readString(c.fs, h.attr("product_name")); err == nil {
		info.DeviceName = name
	}
	if vbios, err := readString(c.fs, h.attr(fileVBIOSVersion)); err == nil {
		info.VBIOSVersion = vbios
	}
	if total, err := readUint(c.fs, h.attr(fileVRAMTotal)); err == nil {
		info.VRAMTotal = ptr(total)
	}
	if v, err := readString(c.fs, h.attr("current_link_width")); err == nil {
		info.Link.CurrentWidth = v
	}
	if v, err := readString(c.fs, h.attr("current_link_speed")); err == nil {
		info.Link.CurrentSpeed = v
	}
	if v, err := readString(c.fs, h.attr("max_link_width")); err == nil {
		info.Link.MaxWidth = v
	}
	if v, err := readString(c.fs, h.attr("max_link_speed")); err == nil {
		info.Link.MaxSpeed = v
	}

	return info
}

func (c *SysfsController) Stats(cfg *Config) DeviceStats {
	stats := DeviceStats{
		Temps: make(map[string]Temperature),
		Fan:   fanStatsFromConfig(cfg, c.supervisor.Status()),
	}

	h, err := c.handle()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Device unavailable while reading stats")
		return stats
	}

	stats.Temps = h.temperatures()

	if h.hwmonPath != "" {
		if pwm, err := readUint(c.fs, h.hwmon("pwm1")); err == nil {
			stats.Fan.PwmCurrent = ptr(uint8(min(pwm, 255)))
		}
	}
	stats.Fan.SpeedCurrent = h.readRPM("fan1_input")
	stats.Fan.SpeedMin = h.readRPM("fan1_min")
	stats.Fan.SpeedMax = h.readRPM("fan1_max")
	stats.Fan.PMFW = c.pmfwInfo(h)

	stats.Power.Average = h.readWatts("power1_average")
	stats.Power.Current = h.readWatts("power1_input")
	stats.Power.CapCurrent = h.readWatts("power1_cap")
	stats.Power.CapMin = h.readWatts("power1_cap_min")
	stats.Power.CapMax = h.readWatts("power1_cap_max")
	stats.Power.CapDefault = h.readWatts("power1_cap_default")

	if total, err := readUint(c.fs, h.attr(fileVRAMTotal)); err == nil {
		stats.VRAM.Total = ptr(total)
	}
	if used, err := readUint(c.fs, h.attr(fileVRAMUsed)); err == nil {
		stats.VRAM.Used = ptr(used)
	}
	if busy, err := readUint(c.fs, h.attr(fileBusyPercent)); err == nil {
		stats.BusyPercent = ptr(uint8(min(busy, 100)))
	}

	stats.Clockspeed.GPU = h.readClock("sclk")
	stats.Clockspeed.VRAM = h.readClock("mclk")

	if level, err := readString(c.fs, h.attr(filePerformanceLevel)); err == nil {
		stats.PerformanceLevel = ptr(level)
	}

	return stats
}

func (c *SysfsController) pmfwInfo(h *sysfsHandle) PMFWInfo {
	read := func(name string) *FanInfo {
		data, err := afero.ReadFile(c.fs, h.attr(fanCtrlDir+"/"+name))
		if err != nil {
			return nil
		}
		info, err := parseODFanSetting(string(data))
		if err != nil {
			return nil
		}
		return &info
	}

	info := PMFWInfo{
		AcousticLimit:     read(pmfwAcousticLimit),
		AcousticTarget:    read(pmfwAcousticTarget),
		TargetTemperature: read(pmfwTargetTemp),
		MinimumPwm:        read(pmfwMinimumPwm),
	}
	if zero := read(pmfwZeroRPM); zero != nil {
		info.ZeroRPM = ptr(zero.Current != 0)
	}

	return info
}

// parseODFanSetting parses a gpu_od/fan_ctrl attribute:
//
//	OD_ACOUSTIC_LIMIT:
//	2450
//	OD_RANGE:
//	ACOUSTIC_LIMIT: 500 3100
func parseODFanSetting(content string) (FanInfo, error) {
	var (
		info       FanInfo
		haveValue  bool
		inRange    bool
		rangeFound bool
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "OD_RANGE:":
			inRange = true
		case inRange && !rangeFound:
			_, bounds, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			fields := strings.Fields(bounds)
			if len(fields) != 2 {
				continue
			}
			lo, errLo := strconv.ParseUint(fields[0], 10, 32)
			hi, errHi := strconv.ParseUint(fields[1], 10, 32)
			if errLo == nil && errHi == nil {
				info.Min = ptr(uint32(lo))
				info.Max = ptr(uint32(hi))
				rangeFound = true
			}
		case !inRange && !haveValue:
			if v, err := strconv.ParseUint(line, 10, 32); err == nil {
				info.Current = uint32(v)
				haveValue = true
			}
		}
	}

	if !haveValue {
		return FanInfo{}, errors.New().WithMessage(ErrHardwareRead, "No value in fan control attribute")
	}
	return info, nil
}

func (c *SysfsController) ApplyConfig(ctx context.Context, cfg Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	h, err := c.handle()
	if err != nil {
		return err
	}
	if err := c.reconciler.apply(ctx, cfg, h); err != nil {
		return err
	}

	if err := c.applyPerformance(h, cfg); err != nil {
		return err
	}
	if err := c.applyClocks(h, cfg); err != nil {
		return err
	}
	return c.applyPMFW(h, cfg.PMFW)
}

func (c *SysfsController) applyPerformance(h *sysfsHandle, cfg Config) error {
	errFactory := errors.New()

	if cfg.PerformanceLevel != nil {
		current, _ := readString(c.fs, h.attr(filePerformanceLevel))
		if current != *cfg.PerformanceLevel {
			c.logger.Info().Str("level", *cfg.PerformanceLevel).Msg("Setting performance level")
			if err := writeString(c.fs, h.attr(filePerformanceLevel), *cfg.PerformanceLevel); err != nil {
				return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set performance level")
			}
		}
	}

	if cfg.PowerProfileModeIndex != nil {
		modes, err := c.readProfileModes(h)
		if err != nil {
			return err
		}
		if modes.Active != *cfg.PowerProfileModeIndex {
			c.logger.Info().Int("index", *cfg.PowerProfileModeIndex).Msg("Setting power profile mode")
			if err := writeString(c.fs, h.attr(fileProfileMode), strconv.Itoa(*cfg.PowerProfileModeIndex)); err != nil {
				return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set power profile mode")
			}
		}
	}

	return nil
}

func (c *SysfsController) applyClocks(h *sysfsHandle, cfg Config) error {
	if cfg.MaxCoreClock == nil && cfg.MaxMemoryClock == nil {
		return nil
	}

	errFactory := errors.New()
	path := h.attr(fileODClockVoltage)

	var commands []string
	if cfg.MaxCoreClock != nil {
		commands = append(commands, "s 1 "+strconv.Itoa(*cfg.MaxCoreClock))
	}
	if cfg.MaxMemoryClock != nil {
		commands = append(commands, "m 1 "+strconv.Itoa(*cfg.MaxMemoryClock))
	}
	commands = append(commands, odCommit)

	for _, cmd := range commands {
		if err := writeString(c.fs, path, cmd); err != nil {
			return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set clocks").WithData(cmd)
		}
	}

	return nil
}

func (c *SysfsController) applyPMFW(h *sysfsHandle, opts PMFWOptions) error {
	if opts.isEmpty() {
		return nil
	}

	current := c.pmfwInfo(h)
	values := []pmfwValue{
		{pmfwAcousticLimit, opts.AcousticLimit, current.AcousticLimit},
		{pmfwAcousticTarget, opts.AcousticTarget, current.AcousticTarget},
		{pmfwTargetTemp, opts.TargetTemperature, current.TargetTemperature},
		{pmfwMinimumPwm, opts.MinimumPwm, current.MinimumPwm},
	}
	if opts.ZeroRPM != nil {
		var cur *FanInfo
		if current.ZeroRPM != nil {
			cur = &FanInfo{Current: boolToUint(*current.ZeroRPM)}
		}
		values = append(values, pmfwValue{pmfwZeroRPM, ptr(boolToUint(*opts.ZeroRPM)), cur})
	}

	for _, v := range values {
		if v.desired == nil || (v.current != nil && v.current.Current == *v.desired) {
			continue
		}
		if err := c.writeFanCtrl(h, v.file, strconv.FormatUint(uint64(*v.desired), 10)); err != nil {
			return err
		}
	}

	return nil
}

type pmfwValue struct {
	file    string
	desired *uint32
	current *FanInfo
}

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// writeFanCtrl writes value to a fan_ctrl attribute and commits it.
func (c *SysfsController) writeFanCtrl(h *sysfsHandle, name, value string) error {
	errFactory := errors.New()
	path := h.attr(fanCtrlDir + "/" + name)

	c.logger.Debug().Str("attribute", name).Str("value", value).Msg("Writing firmware fan setting")
	if err := writeString(c.fs, path, value); err != nil {
		return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("set " + name)
	}
	if err := writeString(c.fs, path, odCommit); err != nil {
		return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("commit " + name)
	}

	return nil
}

func (c *SysfsController) PowerProfileModes() (PowerProfileModes, error) {
	h, err := c.handle()
	if err != nil {
		return PowerProfileModes{}, err
	}
	return c.readProfileModes(h)
}

func (c *SysfsController) readProfileModes(h *sysfsHandle) (PowerProfileModes, error) {
	data, err := afero.ReadFile(c.fs, h.attr(fileProfileMode))
	if err != nil {
		return PowerProfileModes{}, unsupported("read power profile modes")
	}
	return parseProfileModes(string(data)), nil
}

// parseProfileModes extracts "index NAME" rows from pp_power_profile_mode.
// The active mode is marked with '*'. Detail rows and headers are skipped.
func parseProfileModes(content string) PowerProfileModes {
	modes := PowerProfileModes{Active: -1}

	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		name, _, _ := strings.Cut(rest, ":")
		active := strings.Contains(name, "*")
		name = strings.TrimSpace(strings.ReplaceAll(name, "*", ""))
		if name == "" || strings.ContainsAny(name, "()") {
			continue
		}
		if parts := strings.Fields(name); len(parts) > 1 {
			name = parts[0]
		}

		modes.Modes = append(modes.Modes, PowerProfileMode{Index: index, Name: name})
		if active {
			modes.Active = index
		}
	}

	return modes
}

func (c *SysfsController) ResetPMFW() error {
	h, err := c.handle()
	if err != nil {
		return err
	}

	found := false
	for _, name := range pmfwFiles {
		if exists, _ := afero.Exists(c.fs, h.attr(fanCtrlDir+"/"+name)); !exists {
			continue
		}
		found = true
		if err := c.writeFanCtrl(h, name, odReset); err != nil {
			return err
		}
	}

	if !found {
		return unsupported("reset pmfw")
	}
	return nil
}

// VBIOSDump reads the ROM image. The rom attribute must be enabled before
// reading and is disabled again afterwards.
func (c *SysfsController) VBIOSDump() ([]byte, error) {
	errFactory := errors.New()

	h, err := c.handle()
	if err != nil {
		return nil, err
	}
	path := h.attr(fileROM)
	if exists, _ := afero.Exists(c.fs, path); !exists {
		return nil, unsupported("dump vbios")
	}

	if err := writeString(c.fs, path, "1"); err != nil {
		return nil, errFactory.Wrap(ErrHardwareWrite, err).WithOperation("enable rom")
	}
	defer func() {
		if err := writeString(c.fs, path, "0"); err != nil {
			c.logger.Warn().Err(err).Msg("Could not disable rom")
		}
	}()

	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, errFactory.Wrap(ErrHardwareRead, err).WithOperation("read rom")
	}

	return data, nil
}

// CleanupClocks resets overdrive clocks and hands performance control back
// to the driver.
func (c *SysfsController) CleanupClocks() error {
	errFactory := errors.New()

	h, err := c.handle()
	if err != nil {
		return err
	}

	if exists, _ := afero.Exists(c.fs, h.attr(fileODClockVoltage)); exists {
		for _, cmd := range []string{odReset, odCommit} {
			if err := writeString(c.fs, h.attr(fileODClockVoltage), cmd); err != nil {
				return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("reset clocks")
			}
		}
	}

	if level, err := readString(c.fs, h.attr(filePerformanceLevel)); err == nil && level != "auto" {
		if err := writeString(c.fs, h.attr(filePerformanceLevel), "auto"); err != nil {
			return errFactory.Wrap(ErrHardwareWrite, err).WithOperation("reset performance level")
		}
	}

	return nil
}
