package gpu

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"github.com/spf13/afero"
)

const (
	pwmManual = "1"
	pwmAuto   = "2"
)

// sysfsHandle is a device directory resolved for a single operation.
type sysfsHandle struct {
	fs         afero.Fs
	devicePath string
	// hwmonPath is empty when the driver registered no hwmon device.
	hwmonPath string
}

func findHwmon(fs afero.Fs, devicePath string) string {
	matches, err := afero.Glob(fs, filepath.Join(devicePath, "hwmon", "hwmon*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

func (h *sysfsHandle) attr(name string) string {
	return filepath.Join(h.devicePath, name)
}

func (h *sysfsHandle) hwmon(name string) string {
	return filepath.Join(h.hwmonPath, name)
}

func (h *sysfsHandle) requireHwmon(op string) error {
	if h.hwmonPath != "" {
		return nil
	}
	return errors.New().WithMessage(ErrUnsupported, "No hwmon interface").WithOperation(op)
}

// temperatures reads every tempN_input, keyed by its label.
func (h *sysfsHandle) temperatures() map[string]Temperature {
	temps := make(map[string]Temperature)
	if h.hwmonPath == "" {
		return temps
	}

	inputs, _ := afero.Glob(h.fs, h.hwmon("temp*_input"))
	for _, input := range inputs {
		prefix := strings.TrimSuffix(filepath.Base(input), "_input")

		current, err := readInt(h.fs, input)
		if err != nil {
			continue
		}
		t := Temperature{Current: ptr(int(current / 1000))}
		if crit, err := readInt(h.fs, h.hwmon(prefix+"_crit")); err == nil {
			t.Crit = ptr(int(crit / 1000))
		}

		label, err := readString(h.fs, h.hwmon(prefix+"_label"))
		if err != nil || label == "" {
			label = prefix
		}
		temps[label] = t
	}

	return temps
}

// pwmIndices lists the N of every pwmN control file, ascending.
func (h *sysfsHandle) pwmIndices() []int {
	if h.hwmonPath == "" {
		return nil
	}

	matches, _ := afero.Glob(h.fs, h.hwmon("pwm[0-9]*"))
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), "pwm"))
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	return indices
}

func (h *sysfsHandle) pwmFile(index int, suffix string) (string, error) {
	indices := h.pwmIndices()
	if index < 0 || index >= len(indices) {
		return "", errors.New().WithData(ErrHardwareWrite, index).WithOperation("lookup pwm control")
	}
	return h.hwmon("pwm" + strconv.Itoa(indices[index]) + suffix), nil
}

// fan.Device

func (h *sysfsHandle) Temperature() (int, error) {
	if err := h.requireHwmon("read temperature"); err != nil {
		return 0, err
	}
	temp, err := readInt(h.fs, h.hwmon("temp1_input"))
	if err != nil {
		return 0, err
	}
	return int(temp / 1000), nil
}

func (h *sysfsHandle) FanCount() (int, error) {
	return len(h.pwmIndices()), nil
}

func (h *sysfsHandle) SetFanRatio(index int, ratio float64) error {
	enable, err := h.pwmFile(index, "_enable")
	if err != nil {
		return err
	}
	if mode, err := readString(h.fs, enable); err != nil || mode != pwmManual {
		if err := writeString(h.fs, enable, pwmManual); err != nil {
			return err
		}
	}

	pwm, err := h.pwmFile(index, "")
	if err != nil {
		return err
	}
	return writeString(h.fs, pwm, strconv.Itoa(int(ratioToPWM(ratio))))
}

func (h *sysfsHandle) ResetFan(index int) error {
	enable, err := h.pwmFile(index, "_enable")
	if err != nil {
		return err
	}
	return writeString(h.fs, enable, pwmAuto)
}

// powerCapper, in microwatts

func (h *sysfsHandle) powerCap() (uint64, error) {
	if err := h.requireHwmon("read power cap"); err != nil {
		return 0, err
	}
	return readUint(h.fs, h.hwmon("power1_cap"))
}

func (h *sysfsHandle) defaultPowerCap() (uint64, error) {
	if err := h.requireHwmon("read default power cap"); err != nil {
		return 0, err
	}
	return readUint(h.fs, h.hwmon("power1_cap_default"))
}

func (h *sysfsHandle) setPowerCap(value uint64) error {
	if err := h.requireHwmon("set power cap"); err != nil {
		return err
	}
	return writeString(h.fs, h.hwmon("power1_cap"), strconv.FormatUint(value, 10))
}

func (h *sysfsHandle) capFromWatts(watts float64) uint64 {
	return uint64(watts * 1_000_000)
}

func (h *sysfsHandle) readWatts(name string) *float64 {
	if h.hwmonPath == "" {
		return nil
	}
	uw, err := readUint(h.fs, h.hwmon(name))
	if err != nil {
		return nil
	}
	return ptr(float64(uw) / 1_000_000)
}

func (h *sysfsHandle) readRPM(name string) *uint32 {
	if h.hwmonPath == "" {
		return nil
	}
	rpm, err := readUint(h.fs, h.hwmon(name))
	if err != nil {
		return nil
	}
	return ptr(uint32(rpm))
}

// readClock returns the frequency of the freqN_input labelled label, in MHz.
func (h *sysfsHandle) readClock(label string) *uint32 {
	if h.hwmonPath == "" {
		return nil
	}

	labels, _ := afero.Glob(h.fs, h.hwmon("freq*_label"))
	for _, l := range labels {
		value, err := readString(h.fs, l)
		if err != nil || value != label {
			continue
		}
		hz, err := readUint(h.fs, strings.TrimSuffix(l, "_label")+"_input")
		if err != nil {
			return nil
		}
		return ptr(uint32(hz / 1_000_000))
	}

	return nil
}
