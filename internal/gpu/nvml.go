package gpu

import (
	"sync"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlLibrary abstracts library level NVML operations for testing
type nvmlLibrary interface {
	Initialize() error
	Shutdown() error
	DriverVersion() (string, error)
	DeviceByBusID(busID string) (nvmlDevice, error)
}

// nvmlDevice is the subset of nvml.Device used by NvidiaController.
type nvmlDevice interface {
	GetName() (string, nvml.Return)
	GetPciInfo() (nvml.PciInfo, nvml.Return)
	GetVbiosVersion() (string, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
	GetTemperatureThreshold(nvml.TemperatureThresholds) (uint32, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	SetFanSpeed_v2(fan int, speed int) nvml.Return
	SetDefaultFanSpeed_v2(fan int) nvml.Return
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
	GetPowerManagementDefaultLimit() (uint32, nvml.Return)
	GetPowerManagementLimitConstraints() (uint32, uint32, nvml.Return)
	SetPowerManagementLimit(limit uint32) nvml.Return
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetClockInfo(nvml.ClockType) (uint32, nvml.Return)
	GetCurrentClocksThrottleReasons() (uint64, nvml.Return)
	GetCurrPcieLinkWidth() (int, nvml.Return)
	GetMaxPcieLinkWidth() (int, nvml.Return)
	GetCurrPcieLinkGeneration() (int, nvml.Return)
	GetMaxPcieLinkGeneration() (int, nvml.Return)
}

var _ nvmlDevice = nvml.Device(nil)

type nvmlWrapper struct {
	mu          sync.Mutex
	initialized bool
}

func (w *nvmlWrapper) Initialize() error {
	errFactory := errors.New()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	w.initialized = true

	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	errFactory := errors.New()

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	w.initialized = false

	return nil
}

func (w *nvmlWrapper) ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

func (w *nvmlWrapper) DriverVersion() (string, error) {
	errFactory := errors.New()
	if !w.ready() {
		return "", errFactory.New(ErrNotInitialized)
	}

	version, ret := nvml.SystemGetDriverVersion()
	if !IsNVMLSuccess(ret) {
		return "", errFactory.Wrap(ErrHardwareRead, newNVMLError(ret)).WithOperation("read driver version")
	}

	return version, nil
}

func (w *nvmlWrapper) DeviceByBusID(busID string) (nvmlDevice, error) {
	errFactory := errors.New()
	if !w.ready() {
		return nil, errFactory.New(ErrNotInitialized)
	}

	device, ret := nvml.DeviceGetHandleByPciBusId(busID)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret)).WithData(busID)
	}

	return device, nil
}

// NVML is an initialized NVML session shared by all NVIDIA controllers.
type NVML struct {
	lib nvmlLibrary
}

// OpenNVML loads and initializes the NVIDIA management library.
func OpenNVML() (*NVML, error) {
	lib := &nvmlWrapper{}
	if err := lib.Initialize(); err != nil {
		return nil, err
	}
	return &NVML{lib: lib}, nil
}

func (n *NVML) Close() error {
	return n.lib.Shutdown()
}
