package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig ErrorCode = "invalid_configuration"
	ErrReadConfig    ErrorCode = "read_config_failed"
	ErrBindFlags     ErrorCode = "bind_flags_failed"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Bus and hardware errors
	ErrBusOpen        ErrorCode = "bus_open_failed"
	ErrBusIO          ErrorCode = "bus_io_failed"
	ErrSensorNotFound ErrorCode = "sensor_not_found"
	ErrSensorRead     ErrorCode = "sensor_read_failed"
	ErrGaugeRead      ErrorCode = "gauge_read_failed"
	ErrGaugeAnomaly   ErrorCode = "gauge_anomaly"

	// Derived-metric errors
	ErrOutOfDomain ErrorCode = "metric_out_of_domain"

	// Retry errors
	ErrRetryExhausted ErrorCode = "retry_exhausted"

	// Offsets errors
	ErrOffsetsFetch ErrorCode = "offsets_fetch_failed"
	ErrOffsetsSave  ErrorCode = "offsets_save_failed"
	ErrCalibration  ErrorCode = "calibration_failed"

	// Trend-state errors
	ErrStateSave ErrorCode = "trend_state_save_failed"

	// Telemetry errors
	ErrSinkDelivery ErrorCode = "sink_delivery_failed"
	ErrSinkConfig   ErrorCode = "sink_invalid_config"

	// Application errors
	ErrInitApp        ErrorCode = "init_app_failed"
	ErrMainLoop       ErrorCode = "main_loop_failed"
	ErrAlreadyRunning ErrorCode = "already_running"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrUnavailable:     "Service unavailable",
	ErrInvalidConfig:   "Invalid configuration",
	ErrReadConfig:      "Failed to read configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrBusOpen:         "Failed to open I2C bus",
	ErrBusIO:           "I2C transaction failed",
	ErrSensorNotFound:  "No supported environmental sensor found",
	ErrSensorRead:      "Failed to read environmental sensor",
	ErrGaugeRead:       "Failed to read fuel gauge",
	ErrGaugeAnomaly:    "Fuel gauge reading out of range after quick-start",
	ErrOutOfDomain:     "Metric input out of domain",
	ErrRetryExhausted:  "Operation failed after all attempts",
	ErrOffsetsFetch:    "Failed to fetch remote calibration offsets",
	ErrOffsetsSave:     "Failed to save calibration offsets",
	ErrCalibration:     "Calibration run failed",
	ErrStateSave:       "Failed to persist trend state",
	ErrSinkDelivery:    "Telemetry sink delivery failed",
	ErrSinkConfig:      "Invalid telemetry sink configuration",
	ErrInitApp:         "Failed to initialize application",
	ErrMainLoop:        "Error in main loop",
	ErrAlreadyRunning:  "Another instance is already running",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
