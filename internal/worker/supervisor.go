package worker

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"github.com/fxamacker/cbor/v2"
)

const (
	DefaultConnectTimeout    = 60 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
	DefaultReadTimeout       = 60 * time.Second

	closeTimeout = 5 * time.Second
)

// Supervisor drives a worker process through the transport.Driver
// contract. One command is outstanding at a time; concurrent callers are
// serialized.
type Supervisor struct {
	spawner           Spawner
	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	readTimeout       time.Duration
	errFactory        errors.Factory

	mu     sync.Mutex
	proc   *child
	nextID uint64
}

type Option func(*Supervisor)

// WithTimeouts overrides the per-operation result deadlines. Zero values
// keep the defaults.
func WithTimeouts(connect, disconnect, read time.Duration) Option {
	return func(s *Supervisor) {
		if connect > 0 {
			s.connectTimeout = connect
		}
		if disconnect > 0 {
			s.disconnectTimeout = disconnect
		}
		if read > 0 {
			s.readTimeout = read
		}
	}
}

// NewSupervisor returns a Supervisor that spawns its worker on first use.
func NewSupervisor(spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner:           spawner,
		connectTimeout:    DefaultConnectTimeout,
		disconnectTimeout: DefaultDisconnectTimeout,
		readTimeout:       DefaultReadTimeout,
		errFactory:        errors.New(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// child is one spawned worker and its result stream.
type child struct {
	proc    Process
	enc     *cbor.Encoder
	results chan Result
	done    chan struct{}
	once    sync.Once
}

func (c *child) stop() {
	c.once.Do(func() { close(c.done) })
}

func (s *Supervisor) Connect(ctx context.Context) error {
	result, err := s.call(ctx, ActionConnect, s.connectTimeout)
	if err != nil {
		return err
	}
	if result.Failure != nil {
		return result.Failure.Err()
	}

	return nil
}

// Disconnect never fails. A worker that misses the deadline is killed and
// replaced on next use.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	running := s.proc != nil
	s.mu.Unlock()

	if !running {
		return nil
	}

	result, err := s.call(ctx, ActionDisconnect, s.disconnectTimeout)
	switch {
	case err != nil && errors.HasCode(err, errors.ErrWorkerTimeout):
		logger.Warn().Msgf("Worker did not disconnect within %s, terminating it", s.disconnectTimeout)
		s.mu.Lock()
		s.kill()
		s.mu.Unlock()
	case err != nil:
		logger.Debug().Err(err).Msg("Disconnect command failed")
	case result.Failure != nil:
		logger.Debug().Err(result.Failure.Err()).Msg("Driver failed to disconnect")
	}

	return nil
}

// Read returns a nil sample when the device answered without a full frame.
// A connection status in place of a sample is reported as link_closed.
func (s *Supervisor) Read(ctx context.Context) (*meter.Sample, error) {
	result, err := s.call(ctx, ActionRead, s.readTimeout)
	if err != nil {
		return nil, err
	}

	switch {
	case result.Failure != nil:
		return nil, result.Failure.Err()
	case result.Sample != nil:
		return result.Sample, nil
	case result.Status == StatusEmpty:
		return nil, nil
	default:
		return nil, s.errFactory.WithData(errors.ErrLinkClosed, result.Status)
	}
}

// Close ends the worker by closing its command stream, killing it if it
// does not exit in time.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return nil
	}

	c := s.proc
	s.proc = nil

	if err := c.proc.Commands().Close(); err != nil {
		logger.Debug().Err(err).Msg("Failed to close worker command stream")
	}

	exited := make(chan error, 1)
	go func() { exited <- c.proc.Wait() }()

	select {
	case err := <-exited:
		c.stop()
		if err != nil {
			logger.Debug().Err(err).Msg("Worker exited with error")
		}
	case <-time.After(closeTimeout):
		logger.Warn().Msg("Worker did not exit, terminating it")
		c.stop()
		if err := c.proc.Kill(); err != nil {
			return s.errFactory.Wrap(errors.ErrShutdownFailed, err)
		}
	}

	return nil
}

func (s *Supervisor) call(ctx context.Context, action Action, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ensureWorker()
	if err != nil {
		return Result{}, err
	}

	s.nextID++
	id := s.nextID

	if err := c.enc.Encode(Command{ID: id, Action: action}); err != nil {
		s.kill()
		return Result{}, s.errFactory.Wrap(errors.ErrDriver, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case result, ok := <-c.results:
			if !ok {
				s.kill()
				return Result{}, s.errFactory.WithMessage(errors.ErrDriver, "worker exited during "+string(action))
			}
			if result.ID != id {
				logger.Debug().Msgf("Discarding stale result %d while waiting for %d", result.ID, id)
				continue
			}
			return result, nil
		case <-timer.C:
			return Result{}, s.errFactory.WithData(errors.ErrWorkerTimeout, string(action))
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return Result{}, s.errFactory.Wrap(errors.ErrStopped, ctx.Err())
			}
			return Result{}, s.errFactory.Wrap(errors.ErrWorkerTimeout, ctx.Err())
		}
	}
}

// ensureWorker must be called with mu held.
func (s *Supervisor) ensureWorker() (*child, error) {
	if s.proc != nil {
		return s.proc, nil
	}

	proc, err := s.spawner.Spawn()
	if err != nil {
		return nil, s.errFactory.Wrap(errors.ErrDriver, err)
	}

	c := &child{
		proc:    proc,
		enc:     newEncoder(proc.Commands()),
		results: make(chan Result),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(c.results)

		dec := newDecoder(proc.Results())
		for {
			var result Result
			if err := dec.Decode(&result); err != nil {
				return
			}

			select {
			case c.results <- result:
			case <-c.done:
				return
			}
		}
	}()

	s.proc = c
	logger.Debug().Msg("Worker process started")

	return c, nil
}

// kill must be called with mu held.
func (s *Supervisor) kill() {
	if s.proc == nil {
		return
	}

	c := s.proc
	s.proc = nil
	c.stop()

	if err := c.proc.Kill(); err != nil {
		logger.Debug().Err(err).Msg("Failed to kill worker")
	}

	go func() {
		if err := c.proc.Wait(); err != nil {
			logger.Debug().Err(err).Msg("Killed worker exited")
		}
	}()
}
