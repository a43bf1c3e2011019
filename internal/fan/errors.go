package fan

import "codeberg.org/mutker/gpuctl/internal/errors"

const (
	ErrNoFans         = errors.ErrNoFans
	ErrLockContention = errors.ErrLockContention
	ErrDeviceGone     = errors.ErrDeviceGone
	ErrHardwareRead   = errors.ErrHardwareRead
	ErrHardwareWrite  = errors.ErrHardwareWrite
	ErrInvalidConfig  = errors.ErrInvalidConfig
)
