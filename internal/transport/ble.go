package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/decoder"
	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

const (
	// Write requests to this characteristic; responses arrive as
	// notifications on the other.
	rxCharacteristic = "0000ffe9-0000-1000-8000-00805f9b34fb"
	txCharacteristic = "0000ffe4-0000-1000-8000-00805f9b34fb"

	bleRequest  = "bgetva\r\n"
	bleAttempts = 3
)

// Link is an established BLE connection to a TC66C.
type Link interface {
	Write(data []byte) error
	Subscribe(fn func([]byte)) error
	Unsubscribe() error
	Close() error
}

// Dialer resolves address and connects to it.
type Dialer func(ctx context.Context, address string) (Link, error)

type BLEConfig struct {
	Address        string
	AttemptTimeout time.Duration
	IdleTimeout    time.Duration
	Dial           Dialer
	Decoder        *decoder.TC
}

// BLEDriver reads TC66C frames over BLE. All link operations run on the
// driver's own event loop, which lives from Connect to Disconnect.
type BLEDriver struct {
	cfg        BLEConfig
	errFactory errors.Factory

	mu         sync.Mutex
	loop       *eventLoop
	link       Link
	subscribed bool
	response   *decoder.Accumulator
}

func NewBLE(cfg BLEConfig) *BLEDriver {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = dialBluetooth
	}
	if cfg.Decoder == nil {
		cfg.Decoder = &decoder.TC{}
	}

	return &BLEDriver{
		cfg:        cfg,
		errFactory: errors.New(),
		response:   decoder.NewAccumulator(decoder.TCFrameSize),
	}
}

func (d *BLEDriver) Connect(ctx context.Context) error {
	loop := d.eventLoop()

	var err error
	if loopErr := loop.do(ctx, func() {
		if d.link != nil {
			return
		}

		logger.Debug().Msgf("Connecting to %s", d.cfg.Address)

		var link Link
		link, err = d.cfg.Dial(ctx, d.cfg.Address)
		if err != nil {
			return
		}

		d.link = link
		d.subscribed = false
	}); loopErr != nil {
		return loopErr
	}

	return err
}

func (d *BLEDriver) eventLoop() *eventLoop {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loop == nil {
		d.loop = newEventLoop()
	}

	return d.loop
}

// Disconnect is best-effort: it waits a bounded time for any in-flight
// operation, tears the link down, and swallows teardown errors.
func (d *BLEDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	loop := d.loop
	d.loop = nil
	d.mu.Unlock()

	if loop == nil {
		return nil
	}
	defer loop.close()

	if !loop.waitIdle(d.cfg.IdleTimeout) {
		logger.Warn().Msgf("BLE event loop still busy after %s, disconnecting anyway", d.cfg.IdleTimeout)
	}

	teardown, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.IdleTimeout)
	defer cancel()

	if err := loop.do(teardown, d.teardown); err != nil {
		logger.Debug().Err(err).Msg("BLE teardown did not run")
	}

	return nil
}

func (d *BLEDriver) teardown() {
	if d.link == nil {
		return
	}

	if d.subscribed {
		if err := d.link.Unsubscribe(); err != nil {
			logger.Debug().Err(err).Msg("Failed to stop notifications")
		}
	}

	if err := d.link.Close(); err != nil {
		logger.Debug().Err(err).Msg("Failed to close BLE link")
	}

	d.link = nil
	d.subscribed = false
}

func (d *BLEDriver) Read(ctx context.Context) (*meter.Sample, error) {
	d.mu.Lock()
	loop := d.loop
	d.mu.Unlock()

	if loop == nil {
		return nil, d.errFactory.New(ErrNotConnected)
	}

	var (
		sample *meter.Sample
		err    error
	)
	if loopErr := loop.do(ctx, func() {
		sample, err = d.readFrame(ctx)
	}); loopErr != nil {
		return nil, loopErr
	}

	return sample, err
}

// readFrame runs on the event loop. Notifications are subscribed on the
// first read only and stay active until Disconnect.
func (d *BLEDriver) readFrame(ctx context.Context) (*meter.Sample, error) {
	if d.link == nil {
		return nil, d.errFactory.New(ErrNotConnected)
	}

	d.response.Reset()

	var lastErr error
	for attempt := 1; attempt <= bleAttempts; attempt++ {
		if err := d.link.Write([]byte(bleRequest)); err != nil {
			return nil, d.errFactory.Wrap(ErrWriteFailed, err)
		}

		if !d.subscribed {
			if err := d.link.Subscribe(d.response.Append); err != nil {
				return nil, d.errFactory.Wrap(ErrReadFailed, err)
			}
			d.subscribed = true
		}

		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		complete := d.response.Wait(waitCtx)
		cancel()

		if ctx.Err() != nil {
			return nil, d.errFactory.Wrap(errors.ErrTimeout, ctx.Err())
		}
		if !complete {
			logger.Debug().Msgf("No complete response on attempt %d of %d", attempt, bleAttempts)
			continue
		}

		sample, err := d.cfg.Decoder.Decode(d.response.Bytes())
		if err == nil {
			return sample, nil
		}
		if !errors.HasCode(err, errors.ErrCorruptedResponse) {
			return nil, err
		}

		logger.Debug().Err(err).Msgf("Corrupted response on attempt %d of %d", attempt, bleAttempts)
		lastErr = err
		d.response.Reset()
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, d.errFactory.New(errors.ErrNoResponse)
}

type task struct {
	fn   func()
	done chan struct{}
}

// eventLoop serializes link operations on one goroutine.
type eventLoop struct {
	tasks   chan task
	quit    chan struct{}
	stopped chan struct{}
	busy    atomic.Bool
	once    sync.Once
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		tasks:   make(chan task),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go l.run()

	return l
}

func (l *eventLoop) run() {
	defer close(l.stopped)

	for {
		select {
		case t := <-l.tasks:
			l.busy.Store(true)
			t.fn()
			l.busy.Store(false)
			close(t.done)
		case <-l.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it. If ctx ends first, fn may still
// complete later on the loop.
func (l *eventLoop) do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}

	select {
	case l.tasks <- t:
	case <-l.stopped:
		return errors.New().New(ErrNotConnected)
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}
}

// waitIdle reports whether the loop went idle within timeout.
func (l *eventLoop) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for l.busy.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}

	return true
}

func (l *eventLoop) close() {
	l.once.Do(func() { close(l.quit) })
}
