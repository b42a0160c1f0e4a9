// Package transport talks to the physical meter over a serial port or BLE
// and hands raw frames to the matching decoder.
package transport

import (
	"context"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/meter"
)

// Driver owns the physical link to one meter.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Read requests one frame and decodes it. A nil sample with a nil
	// error means the device answered with a short frame.
	Read(ctx context.Context) (*meter.Sample, error)
}

// Config selects and parameterizes a driver.
type Config struct {
	Model         meter.Model
	Port          string
	Address       string
	SerialTimeout time.Duration
}

const (
	defaultSerialTimeout  = 5 * time.Second
	defaultAttemptTimeout = 5 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultScanTimeout    = 10 * time.Second
)
