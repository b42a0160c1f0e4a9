package worker

import (
	"context"
	"fmt"
	"io"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/transport"
)

// Serve runs driver operations for Commands read from in and writes one
// Result per Command to out, in order. It returns when in reaches EOF or
// ctx is done, disconnecting the driver on the way out.
func Serve(ctx context.Context, driver transport.Driver, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	commands := make(chan Command)
	readErr := make(chan error, 1)

	go func() {
		dec := newDecoder(in)
		for {
			var cmd Command
			if err := dec.Decode(&cmd); err != nil {
				readErr <- err
				return
			}

			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	enc := newEncoder(out)
	defer shutdown(driver)

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Worker terminated")
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				logger.Debug().Msg("Command channel closed")
				return nil
			}
			return errors.New().Wrap(errors.ErrDriver, err)
		case cmd := <-commands:
			result := handle(ctx, driver, cmd)
			if err := enc.Encode(result); err != nil {
				return errors.New().Wrap(errors.ErrDriver, err)
			}
		}
	}
}

// handle never lets a driver failure, panics included, escape the worker.
func handle(ctx context.Context, driver transport.Driver, cmd Command) (result Result) {
	result.ID = cmd.ID

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Msgf("Driver panicked during %s: %v", cmd.Action, r)
			result = Result{
				ID:      cmd.ID,
				Failure: &Failure{Code: errors.ErrDriver, Detail: fmt.Sprint(r)},
			}
		}
	}()

	var err error
	switch cmd.Action {
	case ActionConnect:
		if err = driver.Connect(ctx); err == nil {
			result.Status = StatusConnected
		}
	case ActionDisconnect:
		if err = driver.Disconnect(ctx); err == nil {
			result.Status = StatusDisconnected
		}
	case ActionRead:
		sample, readErr := driver.Read(ctx)
		switch {
		case readErr != nil:
			err = readErr
		case sample == nil:
			result.Status = StatusEmpty
		default:
			result.Sample = sample
		}
	default:
		err = errors.New().WithData(errors.ErrInvalidOperation, string(cmd.Action))
	}

	if err != nil {
		logger.Debug().Err(err).Msgf("%s failed", cmd.Action)
		result.Status = ""
		result.Sample = nil
		result.Failure = newFailure(err)
	}

	return result
}

func shutdown(driver transport.Driver) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Msgf("Driver panicked during shutdown: %v", r)
		}
	}()

	if err := driver.Disconnect(context.Background()); err != nil {
		logger.Debug().Err(err).Msg("Disconnect on shutdown failed")
	}
}
