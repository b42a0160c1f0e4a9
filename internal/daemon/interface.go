// Package daemon runs the acquisition loop: connect with retries, poll the
// meter at a fixed cadence, and fan samples out to storage, live observers
// and the external hook.
package daemon

import (
	"context"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/transport"
)

// Storage is what the daemon needs from persistence.
type Storage interface {
	CreateSession(name, device string) (int64, error)
	StoreMeasurement(sample *meter.Sample) error
	UpdateStatus(state meter.ConnectionState) error
	FetchStatus() (meter.ConnectionState, error)
	AppendLog(message string) error
	ClearLog() error
	LastMeasurementByName(name string) (time.Time, bool, error)
}

// DriverFactory builds the driver for one run. A driver that also
// implements io.Closer is closed when the run ends.
type DriverFactory func() (transport.Driver, error)

// Scanner discovers devices of a family.
type Scanner func(ctx context.Context, family meter.Family, timeout time.Duration) ([]meter.Device, error)
