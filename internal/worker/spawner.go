package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/transport"
	"github.com/spf13/pflag"
)

// Subcommand is the argument under which the binary runs as a worker.
const Subcommand = "worker"

// Process is a running worker.
type Process interface {
	Commands() io.WriteCloser
	Results() io.Reader
	Kill() error
	Wait() error
}

type Spawner interface {
	Spawn() (Process, error)
}

// ExecSpawner starts the worker as a child process.
type ExecSpawner struct {
	Path   string
	Args   []string
	Stderr io.Writer
}

// NewExecSpawner re-executes the running binary in worker mode for the
// given device.
func NewExecSpawner(cfg transport.Config, logArgs ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err)
	}

	args := append([]string{Subcommand}, Args(cfg)...)

	return &ExecSpawner{
		Path:   path,
		Args:   append(args, logArgs...),
		Stderr: os.Stderr,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Commands() io.WriteCloser { return p.stdin }
func (p *execProcess) Results() io.Reader       { return p.stdout }
func (p *execProcess) Wait() error              { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (s *ExecSpawner) Spawn() (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stderr = s.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Args renders the device settings as worker flags.
func Args(cfg transport.Config) []string {
	args := []string{"--model", string(cfg.Model)}
	if cfg.Port != "" {
		args = append(args, "--port", cfg.Port)
	}
	if cfg.Address != "" {
		args = append(args, "--address", cfg.Address)
	}
	if cfg.SerialTimeout > 0 {
		args = append(args, "--serial-timeout", strconv.FormatFloat(cfg.SerialTimeout.Seconds(), 'f', -1, 64))
	}

	return args
}

// WorkerFlags holds the parsed worker command line.
type WorkerFlags struct {
	Device  transport.Config
	Debug   bool
	Verbose bool
}

// ParseArgs parses the flags produced by Args, plus the logging flags.
func ParseArgs(args []string) (WorkerFlags, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet(Subcommand, pflag.ContinueOnError)
	model := fs.String("model", "", "Device model")
	port := fs.String("port", "", "Serial port")
	address := fs.String("address", "", "BLE address")
	timeout := fs.Float64("serial-timeout", 0, "Serial read timeout in seconds")
	debug := fs.Bool("debug", false, "Enable debug logging")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return WorkerFlags{}, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	m, err := meter.ParseModel(*model)
	if err != nil {
		return WorkerFlags{}, err
	}

	return WorkerFlags{
		Device: transport.Config{
			Model:         m,
			Port:          *port,
			Address:       *address,
			SerialTimeout: time.Duration(*timeout * float64(time.Second)),
		},
		Debug:   *debug,
		Verbose: *verbose,
	}, nil
}
