package decoder_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/decoder"
	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Unix(1700000000, 0) }

// umFrame builds a UM response. Offsets are byte offsets, i.e. hex-digit
// offsets divided by two.
func umFrame() []byte {
	raw := make([]byte, decoder.UMFrameSize)
	binary.BigEndian.PutUint16(raw[2:], 0x0320) // voltage
	binary.BigEndian.PutUint16(raw[4:], 1500)   // current
	binary.BigEndian.PutUint32(raw[6:], 12000)  // power
	binary.BigEndian.PutUint16(raw[10:], 31)    // temperature
	binary.BigEndian.PutUint16(raw[96:], 60)    // data plus
	binary.BigEndian.PutUint16(raw[98:], 0)     // data minus
	binary.BigEndian.PutUint16(raw[100:], 2)    // mode id
	binary.BigEndian.PutUint32(raw[102:], 250)  // accumulated current
	binary.BigEndian.PutUint32(raw[106:], 1200) // accumulated power
	binary.BigEndian.PutUint32(raw[112:], 3600) // accumulated time
	binary.BigEndian.PutUint32(raw[122:], 53)   // resistance
	return raw
}

func TestUMDecode(t *testing.T) {
	d := &decoder.UM{Now: fixedNow}

	s, err := d.Decode(umFrame())
	require.NoError(t, err)

	assert.InDelta(t, 8.00, s.Voltage, 1e-9)
	assert.InDelta(t, 1.5, s.Current, 1e-9)
	assert.InDelta(t, 12.0, s.Power, 1e-9)
	assert.InDelta(t, 31, s.Temperature, 1e-9)
	require.NotNil(t, s.DataPlus)
	assert.InDelta(t, 0.6, *s.DataPlus, 1e-9)
	require.NotNil(t, s.ModeID)
	assert.Equal(t, 2, *s.ModeID)
	require.NotNil(t, s.ModeName)
	assert.Equal(t, "QC3.0", *s.ModeName)
	assert.Equal(t, int64(250), s.AccumulatedCurrent)
	assert.Equal(t, int64(1200), s.AccumulatedPower)
	require.NotNil(t, s.AccumulatedTime)
	assert.Equal(t, int64(3600), *s.AccumulatedTime)
	assert.InDelta(t, 5.3, s.Resistance, 1e-9)
	assert.InDelta(t, 1700000000, s.Timestamp, 1e-6)
}

func TestUMDecodeHighResolution(t *testing.T) {
	d := &decoder.UM{HighResolution: true, Now: fixedNow}

	s, err := d.Decode(umFrame())
	require.NoError(t, err)

	assert.InDelta(t, 0.8, s.Voltage, 1e-9)
	assert.InDelta(t, 0.15, s.Current, 1e-9)
}

func TestUMUnknownModeKeepsNameEmpty(t *testing.T) {
	raw := umFrame()
	binary.BigEndian.PutUint16(raw[100:], 42)

	s, err := (&decoder.UM{}).Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, s.ModeID)
	assert.Equal(t, 42, *s.ModeID)
	assert.Nil(t, s.ModeName)
}

func TestUMResistanceClamped(t *testing.T) {
	raw := umFrame()
	binary.BigEndian.PutUint32(raw[122:], 0xffffffff)

	s, err := (&decoder.UM{}).Decode(raw)
	require.NoError(t, err)
	assert.InDelta(t, meter.ResistanceCeiling, s.Resistance, 1e-9)
}

// tagTC stamps the block tags the meter puts at the start of each block.
func tagTC(plain []byte) []byte {
	copy(plain[0:], "pac1")
	copy(plain[64:], "pac2")
	copy(plain[128:], "pac3")
	return plain
}

func tcPlain() []byte {
	plain := tagTC(make([]byte, decoder.TCFrameSize))
	binary.LittleEndian.PutUint32(plain[48:], 51234)  // 5.1234 V
	binary.LittleEndian.PutUint32(plain[52:], 123456) // 1.23456 A
	binary.LittleEndian.PutUint32(plain[56:], 63250)  // 6.325 W
	binary.LittleEndian.PutUint32(plain[68:], 415)    // 41.5 ohm
	binary.LittleEndian.PutUint32(plain[72:], 812)
	binary.LittleEndian.PutUint32(plain[76:], 4100)
	binary.LittleEndian.PutUint32(plain[88:], 0)
	binary.LittleEndian.PutUint32(plain[92:], 27)
	binary.LittleEndian.PutUint32(plain[96:], 60)
	binary.LittleEndian.PutUint32(plain[100:], 0)
	return plain
}

func TestTCDecode(t *testing.T) {
	raw, err := decoder.EncryptTC(tcPlain())
	require.NoError(t, err)

	s, err := (&decoder.TC{Now: fixedNow}).Decode(raw)
	require.NoError(t, err)

	assert.InDelta(t, 5.1234, s.Voltage, 1e-9)
	assert.InDelta(t, 1.23456, s.Current, 1e-9)
	assert.InDelta(t, 6.325, s.Power, 1e-9)
	assert.InDelta(t, 41.5, s.Resistance, 1e-9)
	assert.Equal(t, int64(812), s.AccumulatedCurrent)
	assert.Equal(t, int64(4100), s.AccumulatedPower)
	assert.InDelta(t, 27, s.Temperature, 1e-9)
	assert.Nil(t, s.AccumulatedTime)
	assert.Nil(t, s.ModeID)
	require.NotNil(t, s.ModeName)
	assert.Equal(t, "Quick Charge", *s.ModeName)
}

func TestTCNegativeTemperature(t *testing.T) {
	plain := tcPlain()
	binary.LittleEndian.PutUint32(plain[88:], 1)
	raw, err := decoder.EncryptTC(plain)
	require.NoError(t, err)

	s, err := (&decoder.TC{}).Decode(raw)
	require.NoError(t, err)
	assert.InDelta(t, -27, s.Temperature, 1e-9)
}

func TestTCRoundTrip(t *testing.T) {
	frames := [][]byte{tcPlain(), tagTC(make([]byte, decoder.TCFrameSize))}
	patterned := make([]byte, decoder.TCFrameSize)
	for i := range patterned {
		patterned[i] = byte(i * 7)
	}
	frames = append(frames, tagTC(patterned))

	for _, plain := range frames {
		raw, err := decoder.EncryptTC(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, raw)

		got, err := (&decoder.TC{Now: fixedNow}).Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, decoder.ParseTC(plain, 1700000000), got)
	}
}

func TestTCResistanceClamped(t *testing.T) {
	plain := tcPlain()
	binary.LittleEndian.PutUint32(plain[68:], 0xffffffff)
	raw, err := decoder.EncryptTC(plain)
	require.NoError(t, err)

	s, err := (&decoder.TC{}).Decode(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, s.Resistance, meter.ResistanceCeiling)
}

func TestTCCorruptedLength(t *testing.T) {
	raw := make([]byte, decoder.TCFrameSize+5)

	_, err := (&decoder.TC{}).Decode(raw)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCorruptedResponse, errors.CodeOf(err))
}

func TestTCGarbageIsCorrupted(t *testing.T) {
	raw := make([]byte, decoder.TCFrameSize)
	for i := range raw {
		raw[i] = byte(i*37 + 11)
	}

	_, err := (&decoder.TC{}).Decode(raw)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCorruptedResponse, errors.CodeOf(err))
}

func TestTCMixedBlocksAreCorrupted(t *testing.T) {
	first, err := decoder.EncryptTC(tcPlain())
	require.NoError(t, err)

	stale := tcPlain()
	copy(stale[64:], "pac1")
	second, err := decoder.EncryptTC(stale)
	require.NoError(t, err)

	// Second block taken from a frame whose tags do not line up.
	raw := append(append(append([]byte{}, first[:64]...), second[64:128]...), first[128:]...)

	_, err = (&decoder.TC{}).Decode(raw)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCorruptedResponse, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "pac2")
}

func TestShortFramesAreMalformed(t *testing.T) {
	decoders := []decoder.Decoder{&decoder.UM{}, &decoder.TC{}}

	for _, d := range decoders {
		for _, n := range []int{0, 1, d.FrameSize() / 2, d.FrameSize() - 1} {
			s, err := d.Decode(make([]byte, n))
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Equal(t, errors.ErrMalformedFrame, errors.CodeOf(err))
		}
	}
}

func TestFor(t *testing.T) {
	d, err := decoder.For(meter.ModelUM25C)
	require.NoError(t, err)
	assert.Equal(t, decoder.UMFrameSize, d.FrameSize())
	assert.True(t, d.(*decoder.UM).HighResolution)

	d, err = decoder.For(meter.ModelTC66CUSB)
	require.NoError(t, err)
	assert.Equal(t, decoder.TCFrameSize, d.FrameSize())

	_, err = decoder.For(meter.Model("nope"))
	require.Error(t, err)
}

func TestAccumulatorPartitions(t *testing.T) {
	partitions := [][]int{
		{192},
		{20, 20, 20, 20, 20, 20, 20, 20, 20, 12},
		{1, 191},
		{191, 1},
		{64, 64, 64},
	}

	for _, chunks := range partitions {
		acc := decoder.NewAccumulator(decoder.TCFrameSize)
		total := 0
		for i, n := range chunks {
			assert.False(t, acc.IsComplete())
			acc.Append(make([]byte, n))
			total += n
			if i < len(chunks)-1 {
				assert.False(t, acc.IsComplete(), "prefix of %d bytes", total)
			}
		}
		assert.True(t, acc.IsComplete())
		assert.Equal(t, decoder.TCFrameSize, acc.Len())

		acc.Reset()
		assert.False(t, acc.IsComplete())
		assert.Equal(t, 0, acc.Len())
	}
}

func TestAccumulatorWait(t *testing.T) {
	acc := decoder.NewAccumulator(8)

	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(5 * time.Millisecond)
			acc.Append([]byte{byte(i), byte(i)})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, acc.Wait(ctx))

	acc.Reset()
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.False(t, acc.Wait(short))
}

func TestInferMode(t *testing.T) {
	tests := []struct {
		plus, minus float64
		want        string
	}{
		{0.6, 0.0, "Quick Charge"},
		{3.3, 0.6, "Quick Charge"},
		{2.0, 2.0, "Apple 0.5A"},
		{2.7, 2.0, "Apple 2.1A"},
		{2.72, 2.72, "Apple 2.4A"},
		{1.7, 1.7, "Samsung 0.9A"},
		{0.3, 0.3, "DCP 1.5A"},
		{9.9, 9.9, decoder.UnknownMode},
		{1.0, 0.2, decoder.UnknownMode},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, decoder.InferMode(tt.plus, tt.minus), "D+=%v D-=%v", tt.plus, tt.minus)
	}
}
