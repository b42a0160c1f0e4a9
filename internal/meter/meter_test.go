package meter_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		name   string
		family meter.Family
	}{
		{"UM24C", meter.FamilyUM},
		{"um25c", meter.FamilyUM},
		{" UM34C ", meter.FamilyUM},
		{"TC66C", meter.FamilyTCBLE},
		{"tc66c-usb", meter.FamilyTCSerial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := meter.ParseModel(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.family, model.Family())
		})
	}
}

func TestParseModelUnknown(t *testing.T) {
	_, err := meter.ParseModel("UM99X")
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidModel, errors.CodeOf(err))
}

func TestPrecision(t *testing.T) {
	assert.Equal(t, 4, meter.ModelTC66C.Precision().Voltage)
	assert.Equal(t, 3, meter.ModelUM25C.Precision().Voltage)
	assert.Equal(t, 2, meter.ModelUM24C.Precision().Voltage)
	assert.True(t, meter.ModelUM25C.HighResolution())
	assert.False(t, meter.ModelUM34C.HighResolution())
}

func TestClampResistance(t *testing.T) {
	assert.InDelta(t, 12.5, meter.ClampResistance(12.5), 1e-9)
	assert.InDelta(t, meter.ResistanceCeiling, meter.ClampResistance(429496729.5), 1e-9)
}

func TestSampleTime(t *testing.T) {
	now := time.Unix(1700000000, 250_000_000)
	s := &meter.Sample{Timestamp: meter.Timestamp(now)}
	assert.WithinDuration(t, now, s.Time(), time.Millisecond)

	attached := s.WithSession(7)
	assert.Equal(t, int64(7), attached.SessionID)
	assert.Equal(t, int64(0), s.SessionID)
}
