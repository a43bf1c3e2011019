package gpu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// IsCardDevice reports whether name is a DRM card node (card0, card1, ...)
// and not a connector (card0-DP-1) or render node.
func IsCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Uevent holds the fields of a PCI device's uevent file that identify it.
type Uevent struct {
	Driver  string
	PciSlot string
	PciInfo PciInfo
}

// ReadUevent parses devicePath/uevent. Lines look like:
//
//	DRIVER=amdgpu
//	PCI_ID=1002:744C
//	PCI_SUBSYS_ID=1458:241A
//	PCI_SLOT_NAME=0000:03:00.0
func ReadUevent(fs afero.Fs, devicePath string) (Uevent, error) {
	data, err := afero.ReadFile(fs, filepath.Join(devicePath, "uevent"))
	if err != nil {
		return Uevent{}, err
	}

	var u Uevent
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "DRIVER":
			u.Driver = value
		case "PCI_SLOT_NAME":
			u.PciSlot = value
		case "PCI_ID":
			u.PciInfo.Device = parsePciPair(value)
		case "PCI_SUBSYS_ID":
			u.PciInfo.Subsystem = parsePciPair(value)
		}
	}

	return u, nil
}

func parsePciPair(value string) PciDevice {
	vendor, model, _ := strings.Cut(value, ":")
	return PciDevice{VendorID: strings.ToUpper(vendor), ModelID: strings.ToUpper(model)}
}

func readString(fs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(fs afero.Fs, path string) (int64, error) {
	value, err := readString(fs, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

func readUint(fs afero.Fs, path string) (uint64, error) {
	value, err := readString(fs, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(value, 10, 64)
}

// Attribute files always exist; writing never creates one.
const osWriteFlags = os.O_WRONLY | os.O_TRUNC

func writeString(fs afero.Fs, path, value string) error {
	f, err := fs.OpenFile(path, osWriteFlags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
