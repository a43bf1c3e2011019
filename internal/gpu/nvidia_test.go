package gpu

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fan"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBusID = "0000:01:00.0"

type fakeNVMLDevice struct {
	mu sync.Mutex

	tempRet      nvml.Return
	temp         uint32
	fanSpeeds    []uint32
	fanAuto      []bool
	powerLimit   uint32
	defaultLimit uint32
	powerUsage   uint32
	throttle     uint64
	powerSets    int
	fanSets      int
}

func newFakeNVMLDevice() *fakeNVMLDevice {
	return &fakeNVMLDevice{
		tempRet:      nvml.SUCCESS,
		temp:         50,
		fanSpeeds:    []uint32{30, 30},
		fanAuto:      []bool{true, true},
		powerLimit:   250000,
		defaultLimit: 250000,
		powerUsage:   120500,
	}
}

func (d *fakeNVMLDevice) GetName() (string, nvml.Return) {
	return "NVIDIA GeForce RTX 4090", nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetPciInfo() (nvml.PciInfo, nvml.Return) {
	return nvml.PciInfo{
		PciDeviceId:    0x2684<<16 | 0x10de,
		PciSubSystemId: 0x16f1<<16 | 0x1043,
	}, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetVbiosVersion() (string, nvml.Return) {
	return "95.02.18.80.5F", nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temp, d.tempRet
}

func (d *fakeNVMLDevice) GetTemperatureThreshold(nvml.TemperatureThresholds) (uint32, nvml.Return) {
	return 95, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetNumFans() (int, nvml.Return) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fanSpeeds), nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetFanSpeed_v2(fan int) (uint32, nvml.Return) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fanSpeeds[fan], nvml.SUCCESS
}

func (d *fakeNVMLDevice) SetFanSpeed_v2(fan int, speed int) nvml.Return {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fanSpeeds[fan] = uint32(speed)
	d.fanAuto[fan] = false
	d.fanSets++
	return nvml.SUCCESS
}

func (d *fakeNVMLDevice) SetDefaultFanSpeed_v2(fan int) nvml.Return {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fanAuto[fan] = true
	return nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetPowerUsage() (uint32, nvml.Return) {
	return d.powerUsage, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetPowerManagementLimit() (uint32, nvml.Return) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerLimit, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetPowerManagementDefaultLimit() (uint32, nvml.Return) {
	return d.defaultLimit, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetPowerManagementLimitConstraints() (uint32, uint32, nvml.Return) {
	return 150000, 450000, nvml.SUCCESS
}

func (d *fakeNVMLDevice) SetPowerManagementLimit(limit uint32) nvml.Return {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerLimit = limit
	d.powerSets++
	return nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetMemoryInfo() (nvml.Memory, nvml.Return) {
	return nvml.Memory{Total: 24 << 30, Used: 2 << 30, Free: 22 << 30}, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetUtilizationRates() (nvml.Utilization, nvml.Return) {
	return nvml.Utilization{Gpu: 37, Memory: 12}, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetClockInfo(clock nvml.ClockType) (uint32, nvml.Return) {
	if clock == nvml.CLOCK_MEM {
		return 10501, nvml.SUCCESS
	}
	return 2520, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetCurrentClocksThrottleReasons() (uint64, nvml.Return) {
	return d.throttle, nvml.SUCCESS
}

func (d *fakeNVMLDevice) GetCurrPcieLinkWidth() (int, nvml.Return)      { return 16, nvml.SUCCESS }
func (d *fakeNVMLDevice) GetMaxPcieLinkWidth() (int, nvml.Return)       { return 16, nvml.SUCCESS }
func (d *fakeNVMLDevice) GetCurrPcieLinkGeneration() (int, nvml.Return) { return 1, nvml.SUCCESS }
func (d *fakeNVMLDevice) GetMaxPcieLinkGeneration() (int, nvml.Return)  { return 4, nvml.SUCCESS }

func (d *fakeNVMLDevice) snapshot() (powerSets, fanSets int, auto []bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerSets, d.fanSets, append([]bool(nil), d.fanAuto...)
}

type fakeNVML struct {
	mu      sync.Mutex
	devices map[string]*fakeNVMLDevice
}

func (f *fakeNVML) Initialize() error { return nil }
func (f *fakeNVML) Shutdown() error   { return nil }

func (f *fakeNVML) DriverVersion() (string, error) {
	return "550.78", nil
}

func (f *fakeNVML) DeviceByBusID(busID string) (nvmlDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[busID]
	if !ok {
		return nil, errors.New().Wrap(ErrDeviceNotFound, newNVMLError(nvml.ERROR_NOT_FOUND))
	}
	return d, nil
}

func (f *fakeNVML) remove(busID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, busID)
}

func newTestNvidia(t *testing.T) (*NvidiaController, *fakeNVMLDevice, *fakeNVML) {
	t.Helper()
	device := newFakeNVMLDevice()
	lib := &fakeNVML{devices: map[string]*fakeNVMLDevice{testBusID: device}}
	c, err := newNvidiaController(lib, testBusID, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.ApplyConfig(context.Background(), Config{}) })
	return c, device, lib
}

func testCurveSettings() *fan.Settings {
	return &fan.Settings{
		Mode:     fan.ModeCurve,
		Curve:    fan.NewCurve(map[int]float64{30: 0.2, 50: 0.5, 70: 1.0}),
		Interval: 5 * time.Millisecond,
	}
}

func TestNvidiaControllerID(t *testing.T) {
	c, _, _ := newTestNvidia(t)

	id, err := c.ID()
	require.NoError(t, err)
	assert.Equal(t, "10DE:2684-1043:16F1-0000:01:00.0", id)
}

func TestNvidiaInfo(t *testing.T) {
	c, _, _ := newTestNvidia(t)

	info := c.Info()
	assert.Equal(t, "nvml", info.Backend)
	assert.Equal(t, "nvidia 550.78", info.Driver)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", info.DeviceName)
	assert.Equal(t, "16", info.Link.CurrentWidth)
	assert.Equal(t, "2.5 GT/s PCIe gen 1", info.Link.CurrentSpeed)
	assert.Equal(t, "16 GT/s PCIe gen 4", info.Link.MaxSpeed)
	require.NotNil(t, info.VRAMTotal)
	assert.Equal(t, uint64(24<<30), *info.VRAMTotal)
}

func TestNvidiaPowerCapUnchangedIsNotRewritten(t *testing.T) {
	c, device, _ := newTestNvidia(t)
	ctx := context.Background()
	cfg := Config{PowerCap: ptr(300.0)}

	require.NoError(t, c.ApplyConfig(ctx, cfg))
	sets, _, _ := device.snapshot()
	assert.Equal(t, 1, sets)
	assert.Equal(t, uint32(300000), device.powerLimit)

	require.NoError(t, c.ApplyConfig(ctx, cfg))
	sets, _, _ = device.snapshot()
	assert.Equal(t, 1, sets)
}

func TestNvidiaUnsetPowerCapRestoresDefault(t *testing.T) {
	c, device, _ := newTestNvidia(t)
	device.powerLimit = 200000

	require.NoError(t, c.ApplyConfig(context.Background(), Config{}))
	sets, _, _ := device.snapshot()
	assert.Equal(t, 1, sets)
	assert.Equal(t, uint32(250000), device.powerLimit)

	require.NoError(t, c.ApplyConfig(context.Background(), Config{}))
	sets, _, _ = device.snapshot()
	assert.Equal(t, 1, sets)
}

func TestNvidiaMissingSettingsWritesNothing(t *testing.T) {
	c, device, _ := newTestNvidia(t)

	err := c.ApplyConfig(context.Background(), Config{PowerCap: ptr(300.0), FanControlEnabled: true})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrMissingSettings))

	powerSets, fanSets, auto := device.snapshot()
	assert.Zero(t, powerSets)
	assert.Zero(t, fanSets)
	assert.Equal(t, []bool{true, true}, auto)
}

func TestNvidiaRejectsInvalidPowerCap(t *testing.T) {
	for _, watts := range []float64{-5, 0, math.NaN(), math.Inf(-1)} {
		c, device, _ := newTestNvidia(t)

		err := c.ApplyConfig(context.Background(), Config{PowerCap: ptr(watts)})
		assert.True(t, errors.HasCode(err, ErrInvalidConfig), "cap %v", watts)
		powerSets, _, _ := device.snapshot()
		assert.Zero(t, powerSets, "cap %v", watts)
	}
}

func TestNvidiaToggleFanControlEndsAtDefault(t *testing.T) {
	c, device, _ := newTestNvidia(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyConfig(ctx, Config{}))
	require.NoError(t, c.ApplyConfig(ctx, Config{FanControlEnabled: true, FanControl: testCurveSettings()}))
	assert.Equal(t, fan.StateRunning, c.FanControlStatus().State)

	assert.Eventually(t, func() bool {
		_, sets, _ := device.snapshot()
		return sets > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ApplyConfig(ctx, Config{}))
	_, _, auto := device.snapshot()
	assert.Equal(t, []bool{true, true}, auto)
	assert.Equal(t, fan.StateStopped, c.FanControlStatus().State)
	assert.Zero(t, c.supervisor.ActiveLoops())
}

func TestNvidiaStaticFanSpeed(t *testing.T) {
	c, device, _ := newTestNvidia(t)

	settings := &fan.Settings{Mode: fan.ModeStatic, StaticSpeed: 0.65}
	require.NoError(t, c.ApplyConfig(context.Background(), Config{FanControlEnabled: true, FanControl: settings}))

	device.mu.Lock()
	defer device.mu.Unlock()
	assert.Equal(t, []uint32{65, 65}, device.fanSpeeds)
	assert.Equal(t, []bool{false, false}, device.fanAuto)
}

func TestNvidiaStatsDegradePerField(t *testing.T) {
	c, device, _ := newTestNvidia(t)
	device.tempRet = nvml.ERROR_UNKNOWN
	device.throttle = throttleGpuIdle | throttleSwPowerCap

	cfg := &Config{FanControlEnabled: true, FanControl: testCurveSettings()}
	stats := c.Stats(cfg)

	assert.Empty(t, stats.Temps)
	require.NotNil(t, stats.Power.Current)
	assert.InDelta(t, 120.5, *stats.Power.Current, 0.001)
	require.NotNil(t, stats.Power.CapMax)
	assert.InDelta(t, 450.0, *stats.Power.CapMax, 0.001)
	require.NotNil(t, stats.Fan.PwmCurrent)
	assert.Equal(t, uint8(77), *stats.Fan.PwmCurrent)
	require.NotNil(t, stats.VRAM.Used)
	require.NotNil(t, stats.BusyPercent)
	assert.Equal(t, uint8(37), *stats.BusyPercent)
	require.NotNil(t, stats.Clockspeed.GPU)
	assert.Equal(t, uint32(2520), *stats.Clockspeed.GPU)
	assert.Equal(t, map[string][]string{"SwPowerCap": {}}, stats.ThrottleInfo)

	assert.True(t, stats.Fan.ControlEnabled)
	assert.Equal(t, map[int]float64{30: 0.2, 50: 0.5, 70: 1.0}, stats.Fan.Curve)
	assert.Equal(t, "stopped", stats.Fan.ControlState)
}

func TestNvidiaUnsupportedOperations(t *testing.T) {
	c, _, _ := newTestNvidia(t)

	_, err := c.PowerProfileModes()
	assert.True(t, errors.HasCode(err, ErrUnsupported))
	assert.True(t, errors.HasCode(c.ResetPMFW(), ErrUnsupported))
	_, err = c.VBIOSDump()
	assert.True(t, errors.HasCode(err, ErrUnsupported))
	assert.NoError(t, c.CleanupClocks())

	err = c.ApplyConfig(context.Background(), Config{PerformanceLevel: ptr("manual")})
	assert.True(t, errors.HasCode(err, ErrUnsupported))
}

func TestNvidiaDeviceGone(t *testing.T) {
	c, _, lib := newTestNvidia(t)
	lib.remove(testBusID)

	err := c.ApplyConfig(context.Background(), Config{PowerCap: ptr(300.0)})
	assert.True(t, errors.HasCode(err, ErrDeviceGone))

	stats := c.Stats(&Config{FanControlEnabled: false})
	assert.Empty(t, stats.Temps)
	assert.Nil(t, stats.Power.Current)
}
