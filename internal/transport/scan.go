package transport

import (
	"fmt"
	"sort"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"go.bug.st/serial/enumerator"
)

func scanSerial() ([]meter.Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.New().Wrap(ErrScanFailed, err)
	}

	devices := make([]meter.Device, 0, len(ports))
	for _, port := range ports {
		devices = append(devices, meter.Device{
			Address: port.Name,
			Name:    describePort(port.Name, port.Product, port.VID, port.PID, port.IsUSB),
		})
	}
	sortDevices(devices)

	return devices, nil
}

func sortDevices(devices []meter.Device) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].Address < devices[j].Address
	})
}

func describePort(name, product, vid, pid string, usb bool) string {
	if !usb {
		return name
	}
	if product == "" {
		product = name
	}

	return fmt.Sprintf("%s (VID_%s, PID_%s)", product, vid, pid)
}
