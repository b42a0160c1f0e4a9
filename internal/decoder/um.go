package decoder

import (
	"encoding/hex"
	"strconv"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

// UMFrameSize is the length of a UM-series response to the 0xF0 request.
const UMFrameSize = 130

var umModes = map[int]string{
	0:     "Unknown",
	1:     "QC2.0",
	2:     "QC3.0",
	3:     "APP2.4A",
	4:     "APP2.1A",
	5:     "APP1.0A",
	6:     "APP0.5A",
	7:     "DCP1.5A",
	8:     "SAMSUNG",
	65535: "Unknown",
}

// UMModeName returns the label of a UM charging-mode id.
func UMModeName(id int) (string, bool) {
	name, ok := umModes[id]
	return name, ok
}

// UM decodes UM24C/UM25C/UM34C frames. Fields are addressed as windows of
// hex digits over the hex-encoded response.
type UM struct {
	HighResolution bool
	Now            func() time.Time
}

func (*UM) FrameSize() int { return UMFrameSize }

func (d *UM) Decode(raw []byte) (*meter.Sample, error) {
	if len(raw) < UMFrameSize {
		return nil, shortFrame(len(raw), UMFrameSize)
	}

	w := umWindows{digits: hex.EncodeToString(raw[:UMFrameSize])}

	divider := 1.0
	if d.HighResolution {
		divider = 10
	}

	dataPlus := float64(w.read(192, 196)) / 100
	dataMinus := float64(w.read(196, 200)) / 100
	modeID := int(w.read(200, 204))
	accumulatedTime := int64(w.read(224, 232))

	s := &meter.Sample{
		Timestamp:          stamp(d.Now),
		Voltage:            float64(w.read(4, 8)) / (100 * divider),
		Current:            float64(w.read(8, 12)) / (1000 * divider),
		Power:              float64(w.read(12, 20)) / 1000,
		Temperature:        float64(w.read(20, 24)),
		DataPlus:           &dataPlus,
		DataMinus:          &dataMinus,
		ModeID:             &modeID,
		AccumulatedCurrent: int64(w.read(204, 212)),
		AccumulatedPower:   int64(w.read(212, 220)),
		AccumulatedTime:    &accumulatedTime,
		Resistance:         meter.ClampResistance(float64(w.read(244, 252)) / 10),
	}

	if name, ok := umModes[modeID]; ok {
		s.ModeName = &name
	}

	if w.err != nil {
		return nil, errors.New().Wrap(errors.ErrMalformedFrame, w.err)
	}

	return s, nil
}

type umWindows struct {
	digits string
	err    error
}

func (w *umWindows) read(from, to int) uint64 {
	if w.err != nil {
		return 0
	}

	v, err := strconv.ParseUint(w.digits[from:to], 16, 64)
	if err != nil {
		w.err = err
		return 0
	}

	return v
}
