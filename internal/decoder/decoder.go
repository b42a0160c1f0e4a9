// Package decoder turns raw device frames into samples. Decoders do no I/O.
package decoder

import (
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

// Decoder parses one fixed-size frame.
type Decoder interface {
	FrameSize() int
	Decode(raw []byte) (*meter.Sample, error)
}

// For returns the decoder matching the model's family.
func For(model meter.Model) (Decoder, error) {
	switch model.Family() {
	case meter.FamilyUM:
		return &UM{HighResolution: model.HighResolution()}, nil
	case meter.FamilyTCBLE, meter.FamilyTCSerial:
		return &TC{}, nil
	default:
		return nil, errors.New().WithData(errors.ErrInvalidModel, string(model))
	}
}

func shortFrame(got, want int) error {
	return errors.New().WithData(errors.ErrMalformedFrame, struct {
		Length   int
		Required int
	}{
		Length:   got,
		Required: want,
	})
}

func stamp(now func() time.Time) float64 {
	if now == nil {
		now = time.Now
	}

	return meter.Timestamp(now())
}
