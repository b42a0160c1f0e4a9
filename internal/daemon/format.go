package daemon

import (
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/meter"
)

const tableTimeLayout = "02.01.2006 15:04:05"

// Update is the payload of an update event: a row of display strings and
// the numeric values for graphing.
type Update struct {
	Table []string           `json:"table"`
	Graph map[string]float64 `json:"graph"`
}

// TableFields names the columns of Update.Table, in order.
var TableFields = []string{
	"time", "voltage", "current", "power", "temperature",
	"data", "mode", "accumulated", "resistance",
}

// GraphFields names the keys of Update.Graph.
var GraphFields = []string{
	"timestamp", "voltage", "current", "power", "temperature",
	"resistance", "accumulated_current", "accumulated_power",
}

// Formatter renders samples with the precision of one device model.
type Formatter struct {
	precision meter.Precision
	location  *time.Location
}

func NewFormatter(model meter.Model, location *time.Location) *Formatter {
	if location == nil {
		location = time.Local
	}

	return &Formatter{
		precision: model.Precision(),
		location:  location,
	}
}

func (f *Formatter) Format(s *meter.Sample) Update {
	p := f.precision

	return Update{
		Table: []string{
			s.Time().In(f.location).Format(tableTimeLayout),
			formatFloat(s.Voltage, p.Voltage) + " V",
			formatFloat(s.Current, p.Current) + " A",
			formatFloat(s.Power, p.Power) + " W",
			formatFloat(s.Temperature, 0) + " °C",
			formatDataLines(s),
			formatMode(s),
			formatAccumulated(s),
			formatFloat(s.Resistance, 1) + " Ω",
		},
		Graph: map[string]float64{
			"timestamp":           math.Round(s.Timestamp * 1000),
			"voltage":             round(s.Voltage, p.Voltage),
			"current":             round(s.Current, p.Current),
			"power":               round(s.Power, p.Power),
			"temperature":         s.Temperature,
			"resistance":          round(s.Resistance, 1),
			"accumulated_current": float64(s.AccumulatedCurrent),
			"accumulated_power":   float64(s.AccumulatedPower),
		},
	}
}

func formatFloat(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

func round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

func formatDataLines(s *meter.Sample) string {
	if s.DataPlus == nil || s.DataMinus == nil {
		return "-"
	}

	return "+" + formatFloat(*s.DataPlus, 2) + " / -" + formatFloat(*s.DataMinus, 2) + " V"
}

func formatMode(s *meter.Sample) string {
	switch {
	case s.ModeName != nil:
		return *s.ModeName
	case s.ModeID != nil:
		return "id: " + strconv.Itoa(*s.ModeID)
	default:
		return "-"
	}
}

func formatAccumulated(s *meter.Sample) string {
	parts := []string{
		strconv.FormatInt(s.AccumulatedCurrent, 10) + " mAh",
		strconv.FormatInt(s.AccumulatedPower, 10) + " mWh",
	}
	if s.AccumulatedTime != nil {
		parts = append(parts, strconv.FormatInt(*s.AccumulatedTime, 10)+" seconds")
	}

	return strings.Join(parts, " / ")
}
