package transport

import (
	"context"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

// New builds the driver for the configured model. The family is resolved
// once here and never re-dispatched.
func New(cfg Config) (Driver, error) {
	errFactory := errors.New()

	timeout := cfg.SerialTimeout
	if timeout <= 0 {
		timeout = defaultSerialTimeout
	}

	switch cfg.Model.Family() {
	case meter.FamilyUM:
		if cfg.Port == "" {
			return nil, errFactory.WithMessage(errors.ErrMissingConfig, "serial port is required for "+string(cfg.Model))
		}
		return NewUMSerial(cfg.Port, cfg.Model.HighResolution(), timeout), nil
	case meter.FamilyTCSerial:
		if cfg.Port == "" {
			return nil, errFactory.WithMessage(errors.ErrMissingConfig, "serial port is required for "+string(cfg.Model))
		}
		return NewTCSerial(cfg.Port, timeout), nil
	case meter.FamilyTCBLE:
		if cfg.Address == "" {
			return nil, errFactory.WithMessage(errors.ErrMissingConfig, "BLE address is required for "+string(cfg.Model))
		}
		return NewBLE(BLEConfig{Address: cfg.Address}), nil
	default:
		return nil, errFactory.WithData(errors.ErrInvalidModel, string(cfg.Model))
	}
}

// Scan discovers devices reachable by the family's transport: BLE
// peripherals for TC-BLE, serial ports otherwise.
func Scan(ctx context.Context, family meter.Family, timeout time.Duration) ([]meter.Device, error) {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}

	if family == meter.FamilyTCBLE {
		return scanBluetooth(ctx, timeout)
	}

	return scanSerial()
}
