package gpu

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const backendNVML = "nvml"

// NvidiaController manages an NVIDIA GPU through NVML. The device handle is
// looked up by PCI bus id on every operation.
type NvidiaController struct {
	lib        nvmlLibrary
	pciSlot    string
	pciInfo    PciInfo
	supervisor *fan.Supervisor
	reconciler reconciler
	logger     logger.Logger
}

// NewNvidiaController binds a controller to the GPU at pciSlot, e.g.
// "0000:01:00.0".
func NewNvidiaController(nv *NVML, pciSlot string, log logger.Logger) (*NvidiaController, error) {
	return newNvidiaController(nv.lib, pciSlot, log)
}

func newNvidiaController(lib nvmlLibrary, pciSlot string, log logger.Logger) (*NvidiaController, error) {
	errFactory := errors.New()

	if log == nil {
		log = logger.Nop()
	}
	log = log.With("pci_slot", pciSlot)

	c := &NvidiaController{
		lib:     lib,
		pciSlot: pciSlot,
		logger:  log,
	}

	device, err := c.device()
	if err != nil {
		return nil, err
	}
	info, ret := device.GetPciInfo()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrHardwareRead, newNVMLError(ret)).WithOperation("read pci info")
	}
	c.pciInfo = pciInfoFromNVML(info)

	c.supervisor = fan.NewSupervisor(c.fans, log)
	c.reconciler = reconciler{supervisor: c.supervisor, resolveFans: c.fans, logger: log}

	return c, nil
}

// PciDeviceId packs the device id in the high and the vendor id in the low
// 16 bits; PciSubSystemId does the same for the subsystem.
func pciInfoFromNVML(info nvml.PciInfo) PciInfo {
	split := func(v uint32) PciDevice {
		return PciDevice{
			VendorID: fmt.Sprintf("%04X", v&0xffff),
			ModelID:  fmt.Sprintf("%04X", v>>16),
		}
	}
	return PciInfo{
		Device:    split(info.PciDeviceId),
		Subsystem: split(info.PciSubSystemId),
	}
}

func (c *NvidiaController) sealed() {}

func (c *NvidiaController) device() (nvmlDevice, error) {
	device, err := c.lib.DeviceByBusID(c.pciSlot)
	if err != nil {
		return nil, errors.New().Wrap(ErrDeviceGone, err).WithOperation("lookup nvml device")
	}
	return device, nil
}

func (c *NvidiaController) fans() (fan.Device, error) {
	device, err := c.device()
	if err != nil {
		return nil, err
	}
	return nvidiaFans{device: device}, nil
}

func (c *NvidiaController) ID() (string, error) {
	return formatID(c.pciInfo, c.pciSlot), nil
}

func (c *NvidiaController) PciSlot() string {
	return c.pciSlot
}

func (c *NvidiaController) FanControlStatus() fan.Status {
	return c.supervisor.Status()
}

func (c *NvidiaController) Info() DeviceInfo {
	info := DeviceInfo{
		Backend: backendNVML,
		PciSlot: c.pciSlot,
		PciInfo: c.pciInfo,
	}

	if version, err := c.lib.DriverVersion(); err == nil {
		info.Driver = "nvidia " + version
	}

	device, err := c.device()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Device unavailable while reading info")
		return info
	}

	if name, ret := device.GetName(); IsNVMLSuccess(ret) {
		info.DeviceName = name
	}
	if vbios, ret := device.GetVbiosVersion(); IsNVMLSuccess(ret) {
		info.VBIOSVersion = vbios
	}
	if mem, ret := device.GetMemoryInfo(); IsNVMLSuccess(ret) {
		info.VRAMTotal = ptr(mem.Total)
	}
	if width, ret := device.GetCurrPcieLinkWidth(); IsNVMLSuccess(ret) {
		info.Link.CurrentWidth = strconv.Itoa(width)
	}
	if width, ret := device.GetMaxPcieLinkWidth(); IsNVMLSuccess(ret) {
		info.Link.MaxWidth = strconv.Itoa(width)
	}
	if gen, ret := device.GetCurrPcieLinkGeneration(); IsNVMLSuccess(ret) {
		info.Link.CurrentSpeed = pcieGenerationSpeed(gen)
	}
	if gen, ret := device.GetMaxPcieLinkGeneration(); IsNVMLSuccess(ret) {
		info.Link.MaxSpeed = pcieGenerationSpeed(gen)
	}

	return info
}

var pcieTransferRates = map[int]string{
	1: "2.5",
	2: "5",
	3: "8",
	4: "16",
	5: "32",
	6: "64",
}

func pcieGenerationSpeed(gen int) string {
	rate, ok := pcieTransferRates[gen]
	if !ok {
		return fmt.Sprintf("PCIe gen %d", gen)
	}
	return fmt.Sprintf("%s GT/s PCIe gen %d", rate, gen)
}

func (c *NvidiaController) Stats(cfg *Config) DeviceStats {
	stats := DeviceStats{
		Temps: make(map[string]Temperature),
		Fan:   fanStatsFromConfig(cfg, c.supervisor.Status()),
	}

	device, err := c.device()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Device unavailable while reading stats")
		return stats
	}

	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); IsNVMLSuccess(ret) {
		t := Temperature{Current: ptr(int(temp))}
		if crit, ret := device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN); IsNVMLSuccess(ret) {
			t.Crit = ptr(int(crit))
		}
		stats.Temps["GPU"] = t
	}

	if count, ret := device.GetNumFans(); IsNVMLSuccess(ret) && count > 0 {
		if speed, ret := device.GetFanSpeed_v2(0); IsNVMLSuccess(ret) {
			stats.Fan.PwmCurrent = ptr(percentToPWM(speed))
		}
	}

	if usage, ret := device.GetPowerUsage(); IsNVMLSuccess(ret) {
		stats.Power.Current = ptr(milliwattsToWatts(usage))
	}
	if limit, ret := device.GetPowerManagementLimit(); IsNVMLSuccess(ret) {
		stats.Power.CapCurrent = ptr(milliwattsToWatts(limit))
	}
	if limit, ret := device.GetPowerManagementDefaultLimit(); IsNVMLSuccess(ret) {
		stats.Power.CapDefault = ptr(milliwattsToWatts(limit))
	}
	if minLimit, maxLimit, ret := device.GetPowerManagementLimitConstraints(); IsNVMLSuccess(ret) {
		stats.Power.CapMin = ptr(milliwattsToWatts(minLimit))
		stats.Power.CapMax = ptr(milliwattsToWatts(maxLimit))
	}

	if mem, ret := device.GetMemoryInfo(); IsNVMLSuccess(ret) {
		stats.VRAM.Total = ptr(mem.Total)
		stats.VRAM.Used = ptr(mem.Used)
	}
	if util, ret := device.GetUtilizationRates(); IsNVMLSuccess(ret) {
		stats.BusyPercent = ptr(uint8(min(util.Gpu, 100)))
	}

	if clock, ret := device.GetClockInfo(nvml.CLOCK_GRAPHICS); IsNVMLSuccess(ret) {
		stats.Clockspeed.GPU = ptr(clock)
	}
	if clock, ret := device.GetClockInfo(nvml.CLOCK_MEM); IsNVMLSuccess(ret) {
		stats.Clockspeed.VRAM = ptr(clock)
	}

	if reasons, ret := device.GetCurrentClocksThrottleReasons(); IsNVMLSuccess(ret) {
		stats.ThrottleInfo = throttleInfo(reasons)
	}

	return stats
}

func milliwattsToWatts(mw uint32) float64 {
	return float64(mw) / 1000
}

func (c *NvidiaController) ApplyConfig(ctx context.Context, cfg Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	device, err := c.device()
	if err != nil {
		return err
	}
	if err := c.reconciler.apply(ctx, cfg, nvidiaPower{device: device}); err != nil {
		return err
	}

	if !cfg.PMFW.isEmpty() {
		return unsupported("apply pmfw options")
	}
	if cfg.hasClockSettings() {
		return unsupported("apply clock settings")
	}

	return nil
}

func (c *NvidiaController) PowerProfileModes() (PowerProfileModes, error) {
	return PowerProfileModes{}, unsupported("read power profile modes")
}

func (c *NvidiaController) ResetPMFW() error {
	return unsupported("reset pmfw")
}

func (c *NvidiaController) VBIOSDump() ([]byte, error) {
	return nil, unsupported("dump vbios")
}

// CleanupClocks is a no-op: clock offsets are not managed through NVML.
func (c *NvidiaController) CleanupClocks() error {
	return nil
}

// nvidiaFans adapts an NVML device to fan.Device. NVML fan speeds are
// integer percentages.
type nvidiaFans struct {
	device nvmlDevice
}

func (f nvidiaFans) Temperature() (int, error) {
	temp, ret := f.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, newNVMLError(ret)
	}
	return int(temp), nil
}

func (f nvidiaFans) FanCount() (int, error) {
	count, ret := f.device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return 0, newNVMLError(ret)
	}
	return count, nil
}

func (f nvidiaFans) SetFanRatio(index int, ratio float64) error {
	speed := int(math.Round(math.Max(0, math.Min(1, ratio)) * 100))
	return newNVMLError(f.device.SetFanSpeed_v2(index, speed))
}

func (f nvidiaFans) ResetFan(index int) error {
	return newNVMLError(f.device.SetDefaultFanSpeed_v2(index))
}

// nvidiaPower exposes power limits in milliwatts.
type nvidiaPower struct {
	device nvmlDevice
}

func (p nvidiaPower) powerCap() (uint64, error) {
	limit, ret := p.device.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return 0, newNVMLError(ret)
	}
	return uint64(limit), nil
}

func (p nvidiaPower) defaultPowerCap() (uint64, error) {
	limit, ret := p.device.GetPowerManagementDefaultLimit()
	if !IsNVMLSuccess(ret) {
		return 0, newNVMLError(ret)
	}
	return uint64(limit), nil
}

func (p nvidiaPower) setPowerCap(value uint64) error {
	return newNVMLError(p.device.SetPowerManagementLimit(uint32(value)))
}

func (p nvidiaPower) capFromWatts(watts float64) uint64 {
	return uint64(math.Round(watts * 1000))
}
