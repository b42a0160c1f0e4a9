package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"codeberg.org/mutker/usbmeterd/internal/config"
	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/storage"
)

const (
	logCommand      = "log"
	sessionsCommand = "sessions"
	exportCommand   = "export"
)

// history is the read side of storage used by the history subcommands.
type history interface {
	FetchLog(limit int) ([]storage.LogEntry, error)
	Sessions() ([]storage.Session, error)
	Measurements(sessionID int64) ([]*meter.Sample, error)
}

func isHistoryCommand(name string) bool {
	switch name {
	case logCommand, sessionsCommand, exportCommand:
		return true
	default:
		return false
	}
}

// runHistory prints the stored log, the session list or one session's
// measurements from the configured database.
func runHistory(command string, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	initLogger(cfg, os.Stderr)

	repo, err := storage.NewRepository(cfg.Storage, logger.New())
	if err != nil {
		return errors.New().Wrap(errors.ErrInitApp, err)
	}
	defer repo.Close()

	return printHistory(repo, command, cfg.Args, os.Stdout)
}

func printHistory(h history, command string, args []string, out io.Writer) error {
	errFactory := errors.New()

	switch command {
	case logCommand:
		limit := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return errFactory.WithData(errors.ErrInvalidArgument, args[0])
			}
			limit = n
		}
		return printLog(h, limit, out)

	case sessionsCommand:
		sessions, err := h.Sessions()
		if err != nil {
			return err
		}
		return writeJSON(out, sessions)

	case exportCommand:
		if len(args) == 0 {
			return errFactory.WithMessage(errors.ErrInvalidArgument, "export needs a session id")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errFactory.WithData(errors.ErrInvalidArgument, args[0])
		}
		samples, err := h.Measurements(id)
		if err != nil {
			return err
		}
		if samples == nil {
			samples = []*meter.Sample{}
		}
		return writeJSON(out, samples)

	default:
		return errFactory.WithData(errors.ErrInvalidOperation, command)
	}
}

// printLog writes entries as stored; each already carries its time stamp.
func printLog(h history, limit int, out io.Writer) error {
	entries, err := h.FetchLog(limit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := fmt.Fprint(out, e.Message); err != nil {
			return err
		}
	}

	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
