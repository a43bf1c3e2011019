package errors

const (
	ErrInternal ErrorCode = "internal_error"
	ErrTimeout  ErrorCode = "operation_timeout"

	// Configuration
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Process lifecycle
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Hardware control
	ErrUnsupported     ErrorCode = "unsupported_operation"
	ErrHardwareRead    ErrorCode = "hardware_read_failed"
	ErrHardwareWrite   ErrorCode = "hardware_write_failed"
	ErrNoFans          ErrorCode = "no_fans"
	ErrLockContention  ErrorCode = "lock_contention"
	ErrMissingSettings ErrorCode = "missing_settings"
	ErrDeviceGone      ErrorCode = "device_gone"
	ErrDeviceLookup    ErrorCode = "device_lookup_failed"

	// Stats history
	ErrInitMetrics    ErrorCode = "init_metrics_failed"
	ErrCollectMetrics ErrorCode = "collect_metrics_failed"
	ErrCloseMetrics   ErrorCode = "close_metrics_failed"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrTimeout:         "Operation timed out",
	ErrInvalidConfig:   "Invalid configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read configuration",
	ErrInvalidInterval: "Invalid interval value",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrAlreadyRunning:  "Another instance is already running",
	ErrUnsupported:     "Operation not supported by this device",
	ErrHardwareRead:    "Failed to read hardware state",
	ErrHardwareWrite:   "Failed to write hardware state",
	ErrNoFans:          "Device has no fans",
	ErrLockContention:  "Fan control is busy",
	ErrMissingSettings: "Fan control enabled with no settings",
	ErrDeviceGone:      "Device is no longer available",
	ErrDeviceLookup:    "Unknown device",
	ErrInitMetrics:     "Failed to initialize metrics",
	ErrCollectMetrics:  "Failed to collect metrics data",
	ErrCloseMetrics:    "Failed to close metrics connection",
}

// GetErrorMessage returns the default message for code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
