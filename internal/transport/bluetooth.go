package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"tinygo.org/x/bluetooth"
)

var (
	adapter = bluetooth.DefaultAdapter

	enableOnce sync.Once
	errEnable  error

	// The adapter supports one scan at a time.
	scanMu sync.Mutex
)

func enableAdapter() error {
	enableOnce.Do(func() {
		errEnable = adapter.Enable()
	})
	if errEnable != nil {
		return errors.New().Wrap(errors.ErrDeviceFatal, errors.New().Wrap(ErrAdapterFailed, errEnable))
	}

	return nil
}

type bluetoothLink struct {
	rx         bluetooth.DeviceCharacteristic
	tx         bluetooth.DeviceCharacteristic
	disconnect func() error
}

func (l *bluetoothLink) Write(data []byte) error {
	_, err := l.rx.WriteWithoutResponse(data)
	return err
}

func (l *bluetoothLink) Subscribe(fn func([]byte)) error {
	return l.tx.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		fn(chunk)
	})
}

func (l *bluetoothLink) Unsubscribe() error {
	return l.tx.EnableNotifications(nil)
}

func (l *bluetoothLink) Close() error {
	return l.disconnect()
}

func dialBluetooth(ctx context.Context, address string) (Link, error) {
	errFactory := errors.New()

	if err := enableAdapter(); err != nil {
		return nil, err
	}

	target, err := findAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	device, err := adapter.Connect(target, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	rxUUID, _ := bluetooth.ParseUUID(rxCharacteristic)
	txUUID, _ := bluetooth.ParseUUID(txCharacteristic)

	link := &bluetoothLink{disconnect: device.Disconnect}
	var haveRX, haveTX bool

	services, err := device.DiscoverServices(nil)
	if err != nil {
		link.Close()
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	for _, service := range services {
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}

		for _, char := range chars {
			switch char.UUID() {
			case rxUUID:
				link.rx = char
				haveRX = true
			case txUUID:
				link.tx = char
				haveTX = true
			}
		}
	}

	if !haveRX || !haveTX {
		link.Close()
		return nil, errFactory.WithMessage(ErrOpenFailed, "device does not expose the TC66C characteristics").WithData(address)
	}

	return link, nil
}

// findAddress scans until a peripheral with the given address shows up.
func findAddress(ctx context.Context, address string) (bluetooth.Address, error) {
	scanMu.Lock()
	defer scanMu.Unlock()

	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !strings.EqualFold(result.Address.String(), address) {
				return
			}
			select {
			case found <- result.Address:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case addr := <-found:
		<-scanErr
		return addr, nil
	case err := <-scanErr:
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		if err != nil {
			return bluetooth.Address{}, errors.New().Wrap(ErrScanFailed, err)
		}
		return bluetooth.Address{}, errors.New().WithData(ErrNoDevice, address)
	case <-ctx.Done():
		adapter.StopScan()
		<-scanErr
		return bluetooth.Address{}, errors.New().Wrap(ErrNoDevice, ctx.Err()).WithData(address)
	}
}

func scanBluetooth(ctx context.Context, timeout time.Duration) ([]meter.Device, error) {
	if err := enableAdapter(); err != nil {
		return nil, err
	}

	scanMu.Lock()
	defer scanMu.Unlock()

	var (
		mu   sync.Mutex
		seen = make(map[string]meter.Device)
	)

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			name := result.LocalName()
			if name == "" {
				name = addr
			}

			mu.Lock()
			seen[addr] = meter.Device{Address: addr, Name: name}
			mu.Unlock()
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-timer.C:
		adapter.StopScan()
		err = <-scanErr
	case <-ctx.Done():
		adapter.StopScan()
		err = <-scanErr
	case err = <-scanErr:
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrScanFailed, err)
	}

	mu.Lock()
	defer mu.Unlock()

	devices := make([]meter.Device, 0, len(seen))
	for _, device := range seen {
		devices = append(devices, device)
	}
	sortDevices(devices)

	logger.Debug().Msgf("BLE scan found %d devices", len(devices))

	return devices, nil
}
