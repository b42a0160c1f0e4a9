package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/decoder"
	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"go.bug.st/serial"
)

const (
	umBaudRate = 9600
	tcBaudRate = 115200
)

var (
	umRequest = []byte{0xf0}
	tcRequest = []byte("getva")
)

// Port is the subset of a serial port the drivers use.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a named serial port at the given baud rate.
type PortOpener func(name string, baud int) (Port, error)

// SerialConfig describes a request/response serial meter.
type SerialConfig struct {
	Port    string
	Baud    int
	Request []byte
	Timeout time.Duration
	Decoder decoder.Decoder
	Open    PortOpener
}

// SerialDriver sends a fixed request byte sequence and reads one fixed-size
// frame in reply.
type SerialDriver struct {
	cfg        SerialConfig
	errFactory errors.Factory

	mu   sync.Mutex
	port Port
}

func NewSerial(cfg SerialConfig) *SerialDriver {
	if cfg.Open == nil {
		cfg.Open = openSerialPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSerialTimeout
	}

	return &SerialDriver{
		cfg:        cfg,
		errFactory: errors.New(),
	}
}

// NewUMSerial returns a driver for UM24C/UM25C/UM34C meters.
func NewUMSerial(port string, highResolution bool, timeout time.Duration) *SerialDriver {
	return NewSerial(SerialConfig{
		Port:    port,
		Baud:    umBaudRate,
		Request: umRequest,
		Timeout: timeout,
		Decoder: &decoder.UM{HighResolution: highResolution},
	})
}

// NewTCSerial returns a driver for a TC66C attached over USB serial.
func NewTCSerial(port string, timeout time.Duration) *SerialDriver {
	return NewSerial(SerialConfig{
		Port:    port,
		Baud:    tcBaudRate,
		Request: tcRequest,
		Timeout: timeout,
		Decoder: &decoder.TC{},
	})
}

func openSerialPort(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

func (d *SerialDriver) Connect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.open()
}

func (d *SerialDriver) open() error {
	if d.port != nil {
		return nil
	}

	logger.Debug().Msgf("Opening serial port %s at %d baud", d.cfg.Port, d.cfg.Baud)

	port, err := d.cfg.Open(d.cfg.Port, d.cfg.Baud)
	if err != nil {
		return d.openError(err)
	}

	if err := port.SetReadTimeout(d.cfg.Timeout); err != nil {
		port.Close()
		return d.errFactory.Wrap(ErrOpenFailed, err)
	}

	d.port = port

	return nil
}

// openError marks failures no reconnect can cure as fatal.
func (d *SerialDriver) openError(err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PermissionDenied, serial.InvalidSerialPort, serial.InvalidSpeed:
			return d.errFactory.Wrap(errors.ErrDeviceFatal, err).WithData(d.cfg.Port)
		}
	}

	return d.errFactory.Wrap(ErrOpenFailed, err)
}

func (d *SerialDriver) Disconnect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}

	err := d.port.Close()
	d.port = nil
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to close serial port")
	}

	return nil
}

func (d *SerialDriver) Read(ctx context.Context) (*meter.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.open(); err != nil {
		return nil, err
	}

	if resetter, ok := d.port.(interface{ ResetInputBuffer() error }); ok {
		if err := resetter.ResetInputBuffer(); err != nil {
			logger.Debug().Err(err).Msg("Failed to reset serial input buffer")
		}
	}

	if _, err := d.port.Write(d.cfg.Request); err != nil {
		return nil, d.errFactory.Wrap(ErrWriteFailed, err)
	}

	size := d.cfg.Decoder.FrameSize()
	buf, err := d.readFrame(ctx, size)
	if err != nil {
		return nil, err
	}

	if len(buf) < size {
		logger.Debug().Msgf("Short serial read: got %d of %d bytes", len(buf), size)
		return nil, nil
	}

	return d.cfg.Decoder.Decode(buf)
}

// readFrame reads until size bytes arrived, the port times out, or the
// overall deadline passes.
func (d *SerialDriver) readFrame(ctx context.Context, size int) ([]byte, error) {
	buf := make([]byte, size)
	deadline := time.Now().Add(d.cfg.Timeout)
	got := 0

	for got < size {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}

		n, err := d.port.Read(buf[got:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, d.errFactory.Wrap(ErrReadFailed, err)
		}
		if n == 0 {
			break
		}
		got += n
	}

	return buf[:got], nil
}
