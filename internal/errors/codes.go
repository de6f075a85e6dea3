package errors

// Common error codes
const (
	// System errors
	ErrInternal         ErrorCode = "internal_error"
	ErrInvalidArgument  ErrorCode = "invalid_argument"
	ErrInvalidOperation ErrorCode = "invalid_operation"
	ErrUnsupported      ErrorCode = "unsupported"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrOpenLog         ErrorCode = "open_log_failed"

	// Process errors
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrTimeout        ErrorCode = "operation_timeout"

	// Hardware errors
	ErrSetup         ErrorCode = "setup_failed"
	ErrSensorRead    ErrorCode = "sensor_read_failed"
	ErrHardwareWrite ErrorCode = "hardware_write_failed"

	// Metrics errors
	ErrInitMetrics    ErrorCode = "init_metrics_failed"
	ErrCollectMetrics ErrorCode = "collect_metrics_failed"
	ErrCloseMetrics   ErrorCode = "close_metrics_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrInvalidOperation: "Invalid operation",
	ErrUnsupported:      "Operation not supported on this platform",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read configuration",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrOpenLog:          "Failed to open log output",
	ErrAlreadyRunning:   "Another instance is already running",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrTimeout:          "Operation timed out",
	ErrSetup:            "Hardware setup failed",
	ErrSensorRead:       "Failed to read sensor",
	ErrHardwareWrite:    "Hardware write failed",
	ErrInitMetrics:      "Failed to initialize metrics",
	ErrCollectMetrics:   "Failed to collect metrics data",
	ErrCloseMetrics:     "Failed to close metrics connection",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
