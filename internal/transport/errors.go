package transport

import "codeberg.org/mutker/usbmeterd/internal/errors"

const (
	ErrNotConnected  = errors.ErrorCode("transport_not_connected")
	ErrOpenFailed    = errors.ErrorCode("transport_open_failed")
	ErrWriteFailed   = errors.ErrorCode("transport_write_failed")
	ErrReadFailed    = errors.ErrorCode("transport_read_failed")
	ErrAdapterFailed = errors.ErrorCode("transport_adapter_failed")
	ErrScanFailed    = errors.ErrorCode("transport_scan_failed")
	ErrNoDevice      = errors.ErrorCode("transport_device_not_found")
)
