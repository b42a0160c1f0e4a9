package decoder

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

// TCFrameSize is the length of an encrypted TC66C response.
const TCFrameSize = 192

// A decrypted frame is three 64-byte blocks, each opening with its tag.
const tcBlockSize = 64

var tcBlockTags = []string{"pac1", "pac2", "pac3"}

// The key is published in signed form; each byte is masked to its low 8 bits.
var tcKeyMaterial = [32]int{
	88, 33, -6, 86, 1, -78, -16, 38,
	-121, -1, 18, 4, 98, 42, 79, -80,
	-122, -12, 2, 96, -127, 111, -102, 11,
	-89, -15, 6, 97, -102, -72, 114, -120,
}

func tcKey() []byte {
	key := make([]byte, len(tcKeyMaterial))
	for i, v := range tcKeyMaterial {
		key[i] = byte(v & 0xff)
	}

	return key
}

// TC decodes TC66C frames received over BLE or USB serial.
type TC struct {
	Now func() time.Time
}

func (*TC) FrameSize() int { return TCFrameSize }

func (d *TC) Decode(raw []byte) (*meter.Sample, error) {
	if len(raw) < TCFrameSize {
		return nil, shortFrame(len(raw), TCFrameSize)
	}

	plain, err := DecryptTC(raw)
	if err != nil {
		return nil, err
	}
	if err := checkTC(plain); err != nil {
		return nil, err
	}

	return ParseTC(plain, stamp(d.Now)), nil
}

// ParseTC reads the sample fields out of a decrypted frame. plain must hold
// at least TCFrameSize bytes.
func ParseTC(plain []byte, timestamp float64) *meter.Sample {
	temperature := field(plain, 92, 1)
	if field(plain, 88, 1) == 1 {
		temperature = -temperature
	}

	dataPlus := field(plain, 96, 100)
	dataMinus := field(plain, 100, 100)
	mode := InferMode(dataPlus, dataMinus)

	return &meter.Sample{
		Timestamp:          timestamp,
		Voltage:            field(plain, 48, 10000),
		Current:            field(plain, 52, 100000),
		Power:              field(plain, 56, 10000),
		Resistance:         meter.ClampResistance(field(plain, 68, 10)),
		AccumulatedCurrent: int64(binary.LittleEndian.Uint32(plain[72:])),
		AccumulatedPower:   int64(binary.LittleEndian.Uint32(plain[76:])),
		Temperature:        temperature,
		DataPlus:           &dataPlus,
		DataMinus:          &dataMinus,
		ModeName:           &mode,
	}
}

// checkTC rejects plaintext whose blocks are misaligned or mixed from
// different responses.
func checkTC(plain []byte) error {
	for i, tag := range tcBlockTags {
		if !bytes.HasPrefix(plain[i*tcBlockSize:], []byte(tag)) {
			return errors.New().WithData(errors.ErrCorruptedResponse,
				fmt.Sprintf("block %d does not start with %q", i+1, tag))
		}
	}

	return nil
}

func field(plain []byte, offset int, divider float64) float64 {
	return float64(binary.LittleEndian.Uint32(plain[offset:])) / divider
}

// DecryptTC reverses the AES-ECB encryption applied by the meter.
func DecryptTC(raw []byte) ([]byte, error) {
	return tcCrypt(raw, false)
}

// EncryptTC applies the meter's AES-ECB encryption to a plaintext frame.
func EncryptTC(plain []byte) ([]byte, error) {
	return tcCrypt(plain, true)
}

func tcCrypt(in []byte, encrypt bool) ([]byte, error) {
	errFactory := errors.New()

	block, err := aes.NewCipher(tcKey())
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	size := block.BlockSize()
	if len(in) == 0 || len(in)%size != 0 {
		return nil, errFactory.WithData(errors.ErrCorruptedResponse, struct {
			Length    int
			BlockSize int
		}{
			Length:    len(in),
			BlockSize: size,
		})
	}

	out := make([]byte, len(in))
	for i := 0; i < len(in); i += size {
		if encrypt {
			block.Encrypt(out[i:i+size], in[i:i+size])
		} else {
			block.Decrypt(out[i:i+size], in[i:i+size])
		}
	}

	return out, nil
}
