package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/meter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startCall struct {
	name string
	args []string
}

func newTestHook(t *testing.T, interval time.Duration, clock *time.Time) (*Hook, *[]startCall) {
	t.Helper()

	var calls []startCall
	h := NewHook(HookConfig{Command: "echo", Interval: interval, Dir: t.TempDir()})
	h.now = func() time.Time { return *clock }
	h.start = func(name string, args ...string) error {
		calls = append(calls, startCall{name: name, args: args})
		return nil
	}

	return h, &calls
}

func readPayload(t *testing.T, path string) []meter.Sample {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var samples []meter.Sample
	require.NoError(t, json.Unmarshal(data, &samples))

	return samples
}

func TestHookDisabledWithoutCommand(t *testing.T) {
	h := NewHook(HookConfig{})
	assert.False(t, h.Enabled())

	path, err := h.Add(&meter.Sample{Voltage: 5})
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestHookFlushesEverySampleWithoutInterval(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	h, calls := newTestHook(t, 0, &clock)

	path, err := h.Add(&meter.Sample{Timestamp: 1700000000.75, Voltage: 5})
	require.NoError(t, err)
	require.NotEmpty(t, path)

	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "on-receive-payload-1700000000000000000.json", filepath.Base(path))

	samples := readPayload(t, path)
	require.Len(t, samples, 1)
	assert.InDelta(t, 1700000000.0, samples[0].Timestamp, 1e-9)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bin/sh", call.name)
	assert.Equal(t, []string{"-c", `echo "$1"`, "usbmeterd-hook", path}, call.args)
}

func TestHookBuffersWithinInterval(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	h, calls := newTestHook(t, 10*time.Second, &clock)

	path, err := h.Add(&meter.Sample{Voltage: 1})
	require.NoError(t, err)
	require.NotEmpty(t, path, "first sample flushes")
	assert.Len(t, readPayload(t, path), 1)

	clock = clock.Add(3 * time.Second)
	path, err = h.Add(&meter.Sample{Voltage: 2})
	require.NoError(t, err)
	assert.Empty(t, path)

	clock = clock.Add(3 * time.Second)
	path, err = h.Add(&meter.Sample{Voltage: 3})
	require.NoError(t, err)
	assert.Empty(t, path)

	clock = clock.Add(5 * time.Second)
	path, err = h.Add(&meter.Sample{Voltage: 4})
	require.NoError(t, err)
	require.NotEmpty(t, path)

	samples := readPayload(t, path)
	require.Len(t, samples, 3)
	assert.InDelta(t, 2.0, samples[0].Voltage, 1e-9)
	assert.InDelta(t, 4.0, samples[2].Voltage, 1e-9)
	assert.Len(t, *calls, 2)
}

func TestHookKeepsBatchWhenWriteFails(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	h, calls := newTestHook(t, 0, &clock)

	// A regular file where the payload directory should be.
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, nil, 0o600))
	h.cfg.Dir = blocked

	_, err := h.Add(&meter.Sample{Voltage: 1})
	require.Error(t, err)
	assert.Empty(t, *calls)

	h.cfg.Dir = t.TempDir()
	clock = clock.Add(time.Second)

	path, err := h.Add(&meter.Sample{Voltage: 2})
	require.NoError(t, err)

	samples := readPayload(t, path)
	require.Len(t, samples, 2)
	assert.InDelta(t, 1.0, samples[0].Voltage, 1e-9)
	assert.InDelta(t, 2.0, samples[1].Voltage, 1e-9)
	assert.Len(t, *calls, 1)
}
