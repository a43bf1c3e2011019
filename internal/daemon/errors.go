package daemon

import "codeberg.org/mutker/gpuctl/internal/errors"

const (
	ErrDeviceLookup = errors.ErrDeviceLookup
	ErrDiscovery    = errors.ErrorCode("daemon_discovery_failed")
	ErrSystemInfo   = errors.ErrorCode("daemon_system_info_failed")
	ErrSnapshot     = errors.ErrorCode("daemon_snapshot_failed")
)
