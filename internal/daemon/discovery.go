package daemon

import (
	"path/filepath"
	"sort"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/spf13/afero"
)

const nvidiaDriver = "nvidia"

// Discover finds every DRM card under sysRoot/class/drm. Cards bound to the
// proprietary NVIDIA driver get an NVML controller when nv is non-nil, all
// others are managed through sysfs.
func Discover(fs afero.Fs, sysRoot string, nv *gpu.NVML, log logger.Logger) ([]gpu.Controller, error) {
	errFactory := errors.New()
	drmPath := filepath.Join(sysRoot, "class", "drm")

	entries, err := afero.ReadDir(fs, drmPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrDiscovery, err).WithData(drmPath)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if gpu.IsCardDevice(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	controllers := make([]gpu.Controller, 0, len(names))
	for _, name := range names {
		devicePath := filepath.Join(drmPath, name, "device")

		uevent, err := gpu.ReadUevent(fs, devicePath)
		if err != nil || uevent.PciSlot == "" {
			log.Debug().Str("card", name).Msg("Skipping card without PCI device")
			continue
		}
		if seen[uevent.PciSlot] {
			continue
		}
		seen[uevent.PciSlot] = true

		controller, err := newController(fs, devicePath, uevent, nv, log)
		if err != nil {
			log.Warn().Err(err).Str("card", name).Msg("Could not initialize GPU")
			continue
		}

		log.Info().
			Str("card", name).
			Str("pci_slot", uevent.PciSlot).
			Str("driver", uevent.Driver).
			Str("backend", controller.Info().Backend).
			Msg("Found GPU")
		controllers = append(controllers, controller)
	}

	return controllers, nil
}

func newController(fs afero.Fs, devicePath string, uevent gpu.Uevent, nv *gpu.NVML, log logger.Logger) (gpu.Controller, error) {
	if uevent.Driver == nvidiaDriver && nv != nil {
		controller, err := gpu.NewNvidiaController(nv, uevent.PciSlot, log)
		if err == nil {
			return controller, nil
		}
		log.Warn().Err(err).Str("pci_slot", uevent.PciSlot).Msg("NVML lookup failed, falling back to sysfs")
	}
	return gpu.NewSysfsController(fs, devicePath, log)
}
