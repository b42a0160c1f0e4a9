package meter

import (
	"strings"

	"codeberg.org/mutker/usbmeterd/internal/errors"
)

// Family selects the transport driver and frame decoder pair.
type Family int

const (
	FamilyUM Family = iota + 1
	FamilyTCBLE
	FamilyTCSerial
)

func (f Family) String() string {
	switch f {
	case FamilyUM:
		return "UM-series"
	case FamilyTCBLE:
		return "TC-BLE"
	case FamilyTCSerial:
		return "TC-Serial"
	default:
		return "unknown"
	}
}

// Model is a concrete device model as configured by the user.
type Model string

const (
	ModelUM24C    Model = "UM24C"
	ModelUM25C    Model = "UM25C"
	ModelUM34C    Model = "UM34C"
	ModelTC66C    Model = "TC66C"
	ModelTC66CUSB Model = "TC66C-USB"
)

var models = []Model{ModelUM24C, ModelUM25C, ModelUM34C, ModelTC66C, ModelTC66CUSB}

// Models returns every supported model.
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models)

	return out
}

// ParseModel resolves a configured model name, ignoring case.
func ParseModel(name string) (Model, error) {
	for _, m := range models {
		if strings.EqualFold(string(m), strings.TrimSpace(name)) {
			return m, nil
		}
	}

	return "", errors.New().WithData(errors.ErrInvalidModel, name)
}

// Family returns the device family the model belongs to.
func (m Model) Family() Family {
	switch m {
	case ModelUM24C, ModelUM25C, ModelUM34C:
		return FamilyUM
	case ModelTC66C:
		return FamilyTCBLE
	case ModelTC66CUSB:
		return FamilyTCSerial
	default:
		return 0
	}
}

// HighResolution reports whether the model reports voltage and current with
// an extra decimal digit.
func (m Model) HighResolution() bool {
	return m == ModelUM25C
}

// Precision holds the number of decimals shown for each electrical value.
type Precision struct {
	Voltage int
	Current int
	Power   int
}

// Precision returns the display precision matching the device resolution.
func (m Model) Precision() Precision {
	switch m {
	case ModelTC66C, ModelTC66CUSB:
		return Precision{Voltage: 4, Current: 5, Power: 4}
	case ModelUM25C:
		return Precision{Voltage: 3, Current: 4, Power: 3}
	default:
		return Precision{Voltage: 2, Current: 3, Power: 3}
	}
}
