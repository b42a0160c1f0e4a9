// Package worker isolates a transport driver in a child process. The
// Supervisor sends Commands over the child's stdin and reads Results from
// its stdout, both CBOR streams.
package worker

import (
	"io"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"github.com/fxamacker/cbor/v2"
)

type Action string

const (
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
	ActionRead       Action = "read"
)

// Status values stand in for driver calls that return nothing.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	// StatusEmpty is a read that completed without a sample.
	StatusEmpty = "empty"
)

// Command asks the worker to run one driver operation.
type Command struct {
	ID     uint64 `cbor:"id"`
	Action Action `cbor:"action"`
}

// Result answers the Command with the same ID. Exactly one of Status,
// Sample and Failure is set.
type Result struct {
	ID      uint64        `cbor:"id"`
	Status  string        `cbor:"status,omitempty"`
	Sample  *meter.Sample `cbor:"sample,omitempty"`
	Failure *Failure      `cbor:"failure,omitempty"`
}

// Failure carries a driver error across the process boundary. The code is
// preserved so that fatal faults stay fatal on the supervisor side.
type Failure struct {
	Code   errors.ErrorCode `cbor:"code"`
	Detail string           `cbor:"detail"`
}

func newFailure(err error) *Failure {
	return &Failure{
		Code:   errors.CodeOf(err),
		Detail: err.Error(),
	}
}

// Err rebuilds the driver error as a driver_error wrapping the original
// code.
func (f *Failure) Err() error {
	errFactory := errors.New()
	return errFactory.Wrap(errors.ErrDriver, errFactory.WithMessage(f.Code, f.Detail))
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("worker: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("worker: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
