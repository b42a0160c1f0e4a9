package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/config"
	"codeberg.org/mutker/usbmeterd/internal/daemon"
	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/live"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/pid"
	"codeberg.org/mutker/usbmeterd/internal/storage"
	"codeberg.org/mutker/usbmeterd/internal/telemetry"
	"codeberg.org/mutker/usbmeterd/internal/transport"
	"codeberg.org/mutker/usbmeterd/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

const (
	scanCommand = "scan"
	scanTimeout = 10 * time.Second
)

func main() {
	// Until a subcommand configures logging, report to stderr; the
	// worker's stdout carries the command protocol.
	logger.Init(os.Stderr, false, false, logger.IsService())

	args := os.Args[1:]

	var err error
	switch {
	case len(args) > 0 && args[0] == worker.Subcommand:
		err = runWorker(args[1:])
	case len(args) > 0 && args[0] == scanCommand:
		err = runScan(args[1:])
	case len(args) > 0 && isHistoryCommand(args[0]):
		err = runHistory(args[0], args[1:])
	default:
		err = runDaemon(args)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		var coded errors.Error
		if errors.As(err, &coded) {
			logger.FatalWithCode(coded).Msg("usbmeterd failed")
		}
		fmt.Fprintf(os.Stderr, "usbmeterd: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	errFactory := errors.New()

	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	initLogger(cfg, os.Stdout)
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	repo, err := storage.NewRepository(cfg.Storage, logger.New())
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer repo.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(registry)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	if cfg.Metrics != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics, registry); err != nil {
				logger.Error().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	sinks := []live.Sink{live.LogSink{}}
	if cfg.MQTT.Broker != "" {
		sink, disconnect, err := live.DialMQTT(cfg.MQTT)
		if err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
		defer disconnect()
		sinks = append(sinks, sink)
	}

	spawner, err := worker.NewExecSpawner(cfg.Device, workerLogArgs(cfg)...)
	if err != nil {
		return err
	}
	newDriver := func() (transport.Driver, error) {
		return worker.NewSupervisor(spawner), nil
	}

	d, err := daemon.New(cfg.Daemon, newDriver, repo, live.Multi(sinks...), daemon.WithTelemetry(collector))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	d.Start()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received termination signal.")
		d.Stop()
	case <-d.Done():
	}

	logger.Info().Msg("Exiting...")

	return nil
}

// runWorker serves driver commands on stdin/stdout for the supervisor.
func runWorker(args []string) error {
	flags, err := worker.ParseArgs(args)
	if err != nil {
		return err
	}

	logger.Init(os.Stderr, flags.Debug, flags.Verbose, logger.IsService())

	driver, err := transport.New(flags.Device)
	if err != nil {
		return err
	}

	// Interrupts reach the whole process group; the supervisor decides
	// when the worker goes away.
	signal.Ignore(syscall.SIGINT)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	return worker.Serve(ctx, driver, os.Stdin, os.Stdout)
}

func runScan(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	initLogger(cfg, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	devices, err := transport.Scan(ctx, cfg.Device.Model.Family(), scanTimeout)
	if err != nil {
		return err
	}

	return writeJSON(os.Stdout, devices)
}

func initLogger(cfg *config.Config, out io.Writer) {
	logger.Init(out, cfg.Debug, cfg.Verbose, logger.IsService())

	if !cfg.Debug && !cfg.Verbose {
		if level, ok := logger.ParseLevel(cfg.LogLevel.String()); ok {
			logger.SetLogLevel(level)
		}
	}
}

func workerLogArgs(cfg *config.Config) []string {
	var args []string
	if cfg.Debug {
		args = append(args, "--debug")
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}

	return args
}
