package daemon

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

const (
	payloadFilePerm = 0o644
	shell           = "/bin/sh"
)

// HookConfig configures the external command run with buffered samples.
type HookConfig struct {
	Command  string
	Interval time.Duration
	Dir      string
}

// Hook buffers samples and hands them to an external command as a JSON
// file. The command is not waited for; deleting the file is its job.
type Hook struct {
	cfg   HookConfig
	now   func() time.Time
	start func(name string, args ...string) error

	mu      sync.Mutex
	buffer  []meter.Sample
	expires time.Time
}

func NewHook(cfg HookConfig) *Hook {
	return &Hook{
		cfg:   cfg,
		now:   time.Now,
		start: startDetached,
	}
}

func (h *Hook) Enabled() bool {
	return h != nil && h.cfg.Command != ""
}

// Add buffers s and flushes when no interval is set or the previous
// interval has elapsed. It returns the payload path when it flushed.
func (h *Hook) Add(s *meter.Sample) (string, error) {
	if !h.Enabled() {
		return "", nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c := *s
	c.Timestamp = math.Trunc(c.Timestamp)
	h.buffer = append(h.buffer, c)

	if h.cfg.Interval > 0 {
		now := h.now()
		if !h.expires.IsZero() && now.Before(h.expires) {
			return "", nil
		}
		h.expires = now.Add(h.cfg.Interval)
	}

	return h.flush()
}

// flush must be called with mu held.
func (h *Hook) flush() (string, error) {
	errFactory := errors.New()

	payload, err := json.Marshal(h.buffer)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	dir := h.cfg.Dir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return "", errFactory.Wrap(errors.ErrOperationFailed, err)
		}
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return "", errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("on-receive-payload-%d.json", h.now().UnixNano()))
	if err := os.WriteFile(path, payload, payloadFilePerm); err != nil {
		return "", errFactory.Wrap(errors.ErrOperationFailed, err)
	}
	// The batch is only dropped once it is on disk.
	h.buffer = nil

	logger.Info().Msgf("Executing hook command '%s' with payload file '%s'", h.cfg.Command, path)

	if err := h.start(shell, "-c", h.cfg.Command+` "$1"`, "usbmeterd-hook", path); err != nil {
		return path, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return path, nil
}

func startDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug().Err(err).Msg("Hook command exited with error")
		}
	}()

	return nil
}
