package daemon

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/telemetry"
	"codeberg.org/mutker/usbmeterd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDriver struct {
	connects    int
	disconnects int
}

func (d *countingDriver) Connect(context.Context) error               { d.connects++; return nil }
func (d *countingDriver) Disconnect(context.Context) error            { d.disconnects++; return nil }
func (d *countingDriver) Read(context.Context) (*meter.Sample, error) { return nil, nil }

func newRetrier(cfg RetryConfig, driver *countingDriver, logs *[]string) *retrier {
	return &retrier{
		cfg:     cfg,
		driver:  driver,
		running: func() bool { return true },
		log:     func(m string) { *logs = append(*logs, m) },
		metrics: telemetry.Noop(),
		now:     time.Now,
	}
}

func failing(calls *int, code errors.ErrorCode) operation {
	return func(context.Context) (*meter.Sample, error) {
		*calls++
		return nil, errors.New().New(code)
	}
}

func TestRetryExhaustsAttemptBudget(t *testing.T) {
	driver := &countingDriver{}
	var logs []string
	r := newRetrier(RetryConfig{Count: 3}, driver, &logs)

	calls := 0
	_, err := r.do(context.Background(), failing(&calls, errors.ErrNoResponse))

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrNoResponse))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, driver.disconnects)
	assert.Equal(t, 2, driver.connects)
	assert.Contains(t, logs, "operation failed, retrying 1 of 3")
	assert.Contains(t, logs, "operation failed, retrying 2 of 3")
}

func TestRetryPastDeadlineAttemptsOnce(t *testing.T) {
	driver := &countingDriver{}
	var logs []string
	r := newRetrier(RetryConfig{Timeout: time.Nanosecond}, driver, &logs)

	calls := 0
	_, err := r.do(context.Background(), func(ctx context.Context) (*meter.Sample, error) {
		time.Sleep(time.Millisecond)
		return failing(&calls, errors.ErrMalformedFrame)(ctx)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, driver.disconnects)
	assert.Equal(t, 0, driver.connects)
	assert.Empty(t, logs)
}

func TestRetryFatalBypassesBudget(t *testing.T) {
	driver := &countingDriver{}
	var logs []string
	r := newRetrier(RetryConfig{Count: 10}, driver, &logs)

	calls := 0
	_, err := r.do(context.Background(), failing(&calls, errors.ErrDeviceFatal))

	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, driver.connects)
}

func TestRetrySucceedsAfterReconnect(t *testing.T) {
	driver := &countingDriver{}
	var logs []string
	r := newRetrier(RetryConfig{Timeout: time.Minute, Count: 5}, driver, &logs)

	calls := 0
	sample, err := r.do(context.Background(), func(context.Context) (*meter.Sample, error) {
		calls++
		if calls < 3 {
			return nil, errors.New().New(errors.ErrCorruptedResponse)
		}
		return &meter.Sample{Voltage: 5}, nil
	})

	require.NoError(t, err)
	assert.InDelta(t, 5.0, sample.Voltage, 1e-9)
	assert.Equal(t, 2, driver.connects)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "1 of 5 or until ")
}

func TestRetryUnboundedLogsIndefinitely(t *testing.T) {
	driver := &countingDriver{}
	var logs []string
	r := newRetrier(RetryConfig{Unbounded: true}, driver, &logs)

	calls := 0
	_, err := r.do(context.Background(), func(context.Context) (*meter.Sample, error) {
		calls++
		if calls < 4 {
			return nil, errors.New().New(errors.ErrNoResponse)
		}
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, logs, "operation failed, retrying indefinitely")
}

func TestRetryStopsWhenNotRunning(t *testing.T) {
	driver := &countingDriver{}
	var logs []string
	r := newRetrier(RetryConfig{Unbounded: true}, driver, &logs)

	running := true
	r.running = func() bool { return running }

	calls := 0
	_, err := r.do(context.Background(), func(context.Context) (*meter.Sample, error) {
		calls++
		running = false
		return nil, errors.New().New(errors.ErrNoResponse)
	})

	assert.True(t, errors.HasCode(err, errors.ErrStopped))
	assert.Equal(t, 1, calls)
}

func TestRetryConfigValidate(t *testing.T) {
	assert.NoError(t, RetryConfig{Timeout: time.Minute, Count: 10}.Validate())
	assert.NoError(t, RetryConfig{Count: 1}.Validate())
	assert.NoError(t, RetryConfig{Unbounded: true}.Validate())

	err := RetryConfig{}.Validate()
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	err = RetryConfig{Count: -1}.Validate()
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

// silentSpawner starts workers that swallow commands and never answer.
type silentSpawner struct {
	mu     sync.Mutex
	spawns int
}

type silentProcess struct {
	results *io.PipeReader
	writer  *io.PipeWriter
	once    sync.Once
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }

func (s *silentSpawner) Spawn() (worker.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawns++

	r, w := io.Pipe()
	return &silentProcess{results: r, writer: w}, nil
}

func (p *silentProcess) Commands() io.WriteCloser { return discardCloser{io.Discard} }
func (p *silentProcess) Results() io.Reader       { return p.results }
func (p *silentProcess) Wait() error              { return nil }

func (p *silentProcess) Kill() error {
	p.once.Do(func() { p.writer.Close() })
	return nil
}

func TestRetryReRaisesSupervisorTimeout(t *testing.T) {
	spawner := &silentSpawner{}
	supervisor := worker.NewSupervisor(spawner, worker.WithTimeouts(0, 0, 50*time.Millisecond))

	var logs []string
	r := &retrier{
		cfg:     RetryConfig{Count: 1},
		driver:  supervisor,
		running: func() bool { return true },
		log:     func(m string) { logs = append(logs, m) },
		metrics: telemetry.Noop(),
		now:     time.Now,
	}

	_, err := r.do(context.Background(), supervisor.Read)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrWorkerTimeout))
	assert.Empty(t, logs)

	spawner.mu.Lock()
	assert.Equal(t, 1, spawner.spawns)
	spawner.mu.Unlock()
}
