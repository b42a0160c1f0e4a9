package daemon

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/live"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/telemetry"
	"codeberg.org/mutker/usbmeterd/internal/transport"
)

const (
	DefaultSessionName = "My measurement"

	// A session name reused after this long gets a date suffix.
	sessionRenameAfter  = time.Hour
	sessionSuffixLayout = "2006-01-02 15:04"
	logTimeLayout       = "2006-01-02 15:04:05"

	releaseTimeout = 15 * time.Second
)

var sessionSuffix = regexp.MustCompile(`^(.+) [0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}$`)

type Config struct {
	Model       meter.Model
	SessionName string
	Interval    time.Duration
	Retry       RetryConfig
	Hook        HookConfig
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Model.Family() == 0 {
		return errFactory.WithData(errors.ErrInvalidModel, string(c.Model))
	}
	if c.Interval < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}

	return c.Retry.Validate()
}

type Option func(*Daemon)

func WithTelemetry(c telemetry.Collector) Option {
	return func(d *Daemon) { d.metrics = c }
}

func WithScanner(s Scanner) Option {
	return func(d *Daemon) { d.scan = s }
}

func WithClock(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// Daemon owns the connection state and the sample stream. Start and Stop
// are safe to call from any goroutine.
type Daemon struct {
	cfg       Config
	newDriver DriverFactory
	storage   Storage
	sink      live.Sink
	metrics   telemetry.Collector
	formatter *Formatter
	hook      *Hook
	scan      Scanner
	now       func() time.Time

	running  atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// New validates cfg and resets a status left over from an unclean exit.
func New(cfg Config, newDriver DriverFactory, storage Storage, sink live.Sink, opts ...Option) (*Daemon, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SessionName == "" {
		cfg.SessionName = DefaultSessionName
	}

	d := &Daemon{
		cfg:       cfg,
		newDriver: newDriver,
		storage:   storage,
		sink:      sink,
		metrics:   telemetry.Noop(),
		formatter: NewFormatter(cfg.Model, time.Local),
		hook:      NewHook(cfg.Hook),
		scan:      transport.Scan,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}
	d.hook.now = d.now

	state, err := storage.FetchStatus()
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err)
	}
	if state != meter.StateDisconnected {
		logger.Debug().Msgf("Resetting stale status %s", state)
		if err := storage.UpdateStatus(meter.StateDisconnected); err != nil {
			return nil, errFactory.Wrap(errors.ErrInitFailed, err)
		}
	}
	d.metrics.SetState(meter.StateDisconnected)
	d.trimLog()

	return d, nil
}

// Start launches the acquisition loop unless it is already running.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.alive() || d.stopping {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.running.Store(true)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.emit(live.EventConnecting, "")

	go d.run(ctx, d.done)
}

// Stop ends the loop and waits for it. The driver is disconnected by the
// loop itself so that commands never overlap.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.alive() {
		d.mu.Unlock()
		return
	}
	done := d.done
	if d.stopping {
		// Another caller owns the shutdown; wait for it.
		d.mu.Unlock()
		<-done
		return
	}
	d.stopping = true
	d.running.Store(false)
	d.cancel()
	d.mu.Unlock()

	d.log("Disconnecting")
	<-done

	d.emit(live.EventDisconnected, "")

	d.mu.Lock()
	d.stopping = false
	d.mu.Unlock()
}

// Running reports whether the acquisition loop is active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Done is closed when the current loop exits. It is nil before Start.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.done
}

// Scan lists devices reachable by the configured model's transport.
func (d *Daemon) Scan(ctx context.Context, timeout time.Duration) ([]meter.Device, error) {
	return d.scan(ctx, d.cfg.Model.Family(), timeout)
}

// alive must be called with mu held.
func (d *Daemon) alive() bool {
	if d.done == nil {
		return false
	}

	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *Daemon) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer d.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Msgf("Acquisition loop panicked: %v", r)
			d.fail(fmt.Errorf("acquisition loop panicked: %v", r))
			d.emit(live.EventDisconnected, "")
		}
	}()

	driver, err := d.newDriver()
	if err != nil {
		d.fail(err)
		d.emit(live.EventDisconnected, "")
		return
	}
	defer d.release(driver)

	if err := d.acquire(ctx, driver); err != nil {
		d.fail(err)
	}
}

func (d *Daemon) acquire(ctx context.Context, driver transport.Driver) error {
	r := &retrier{
		cfg:     d.cfg.Retry,
		driver:  driver,
		running: d.running.Load,
		log:     d.log,
		metrics: d.metrics,
		now:     d.now,
	}

	d.log("Connecting")

	_, err := r.do(ctx, func(ctx context.Context) (*meter.Sample, error) {
		return nil, driver.Connect(ctx)
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrStopped) {
			return nil
		}
		return err
	}

	d.emit(live.EventConnected, "")
	d.log("Connected")

	sessionID, err := d.storage.CreateSession(d.sessionName(), d.cfg.Model.Family().String())
	if err != nil {
		return err
	}

	read := func(ctx context.Context) (*meter.Sample, error) {
		start := time.Now()
		sample, err := driver.Read(ctx)
		if err == nil && sample != nil {
			d.metrics.ObserveRead(time.Since(start))
		}
		return sample, err
	}

	for d.running.Load() {
		begin := time.Now()

		sample, err := r.do(ctx, read)
		switch {
		case errors.HasCode(err, errors.ErrLinkClosed):
			d.log("Device closed the link")
			return nil
		case errors.HasCode(err, errors.ErrStopped):
			return nil
		case err != nil:
			return err
		}

		if sample != nil {
			d.handle(sample.WithSession(sessionID))
		}

		if !sleepContext(ctx, d.cfg.Interval-time.Since(begin)) {
			return nil
		}
	}

	return nil
}

func (d *Daemon) handle(sample *meter.Sample) {
	d.metrics.ObserveSample(sample)
	d.emit(live.EventUpdate, d.formatter.Format(sample))

	if err := d.storage.StoreMeasurement(sample); err != nil {
		logger.Warn().Err(err).Msg("Failed to store measurement")
	}

	if d.hook.Enabled() {
		if _, err := d.hook.Add(sample); err != nil {
			d.log("hook command failed: " + err.Error())
		}
	}
}

// release always runs when a loop ends, whatever ended it.
func (d *Daemon) release(driver transport.Driver) {
	d.emit(live.EventDisconnecting, "")

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := driver.Disconnect(ctx); err != nil {
		logger.Debug().Err(err).Msg("Disconnect failed")
	}

	if closer, ok := driver.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Debug().Err(err).Msg("Failed to close driver")
		}
	}

	d.emit(live.EventDisconnected, "")
	d.log("Disconnected")
	d.trimLog()
}

// trimLog keeps the stored log bounded.
func (d *Daemon) trimLog() {
	if err := d.storage.ClearLog(); err != nil {
		logger.Warn().Err(err).Msg("Failed to trim stored log")
	}
}

func (d *Daemon) sessionName() string {
	name := d.cfg.SessionName

	last, found, err := d.storage.LastMeasurementByName(name)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to look up previous session")
		return name
	}

	if found && d.now().Sub(last) > sessionRenameAfter {
		if m := sessionSuffix.FindStringSubmatch(name); m != nil {
			name = m[1]
		}
		name += " " + d.now().Format(sessionSuffixLayout)
	}

	return name
}

func (d *Daemon) fail(err error) {
	var coded errors.Error
	if errors.As(err, &coded) {
		logger.ErrorWithContext(coded, "daemon", "acquire").Msg("Acquisition stopped")
	} else {
		logger.Error().Err(err).Msg("Acquisition stopped")
	}
	d.emit(live.EventLog, d.stamp(err.Error()))
	d.emit(live.EventLogError, err.Error())
}

func (d *Daemon) log(message string) {
	logger.Info().Msg(message)
	d.emit(live.EventLog, d.stamp(message))
}

func (d *Daemon) stamp(message string) string {
	return d.now().Format(logTimeLayout) + " - " + message + "\n"
}

// emit mirrors lifecycle events into the stored status and log events into
// the stored log before forwarding them.
func (d *Daemon) emit(event live.Event, payload any) {
	switch event {
	case live.EventConnecting, live.EventConnected, live.EventDisconnecting, live.EventDisconnected:
		state := meter.ConnectionState(event)
		if err := d.storage.UpdateStatus(state); err != nil {
			logger.Debug().Err(err).Msg("Failed to store status")
		}
		d.metrics.SetState(state)
	case live.EventLog:
		if text, ok := payload.(string); ok {
			if err := d.storage.AppendLog(text); err != nil {
				logger.Debug().Err(err).Msg("Failed to store log entry")
			}
		}
	}

	d.sink.Emit(event, payload)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
