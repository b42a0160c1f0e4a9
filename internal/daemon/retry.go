package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/telemetry"
	"codeberg.org/mutker/usbmeterd/internal/transport"
)

const retryDeadlineLayout = "2006-01-02 15:04:05"

// RetryConfig bounds the retry policy. A zero Timeout or Count leaves that
// bound off; both zero retries forever and requires Unbounded.
type RetryConfig struct {
	Timeout   time.Duration
	Count     int
	Unbounded bool
}

func (c RetryConfig) Validate() error {
	errFactory := errors.New()

	if c.Timeout < 0 || c.Count < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "retry timeout and count must not be negative")
	}
	if c.Timeout == 0 && c.Count == 0 && !c.Unbounded {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "retry timeout and count are both 0; set retry.unbounded to retry forever")
	}

	return nil
}

type operation func(ctx context.Context) (*meter.Sample, error)

// retrier runs an operation until it succeeds or the budget runs out,
// reconnecting the driver between attempts.
type retrier struct {
	cfg     RetryConfig
	driver  transport.Driver
	running func() bool
	log     func(message string)
	metrics telemetry.Collector
	now     func() time.Time
}

func (r *retrier) do(ctx context.Context, op operation) (*meter.Sample, error) {
	deadline := r.now().Add(r.cfg.Timeout)
	remaining := r.cfg.Count
	reconnect := false

	for r.running() && ctx.Err() == nil {
		var (
			sample *meter.Sample
			err    error
		)

		if reconnect {
			r.metrics.IncReconnect()
			if err = r.driver.Disconnect(ctx); err == nil {
				err = r.driver.Connect(ctx)
			}
			reconnect = false
		}

		if err == nil {
			sample, err = op(ctx)
			if err == nil {
				return sample, nil
			}
		}

		if !retryable(err) {
			return nil, err
		}

		r.metrics.IncFailure(errors.CodeOf(err))
		remaining--

		if r.cfg.Timeout > 0 && !r.now().Before(deadline) {
			return nil, err
		}
		if r.cfg.Count > 0 && remaining <= 0 {
			return nil, err
		}

		r.log(fmt.Sprintf("operation failed, retrying %s", r.condition(remaining, deadline)))
		r.log(err.Error())
		reconnect = true
	}

	return nil, errors.New().New(errors.ErrStopped)
}

func (r *retrier) condition(remaining int, deadline time.Time) string {
	var parts []string
	if r.cfg.Count > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d", r.cfg.Count-remaining, r.cfg.Count))
	}
	if r.cfg.Timeout > 0 {
		parts = append(parts, "until "+deadline.Local().Format(retryDeadlineLayout))
	}
	if len(parts) == 0 {
		return "indefinitely"
	}

	return strings.Join(parts, " or ")
}

// retryable reports whether reconnecting could cure err. Fatal faults,
// stops and out-of-band disconnects end the run instead.
func retryable(err error) bool {
	return !errors.IsFatal(err) &&
		!errors.HasCode(err, errors.ErrStopped) &&
		!errors.HasCode(err, errors.ErrLinkClosed)
}
